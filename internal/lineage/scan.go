package lineage

import "strings"

// ColumnRef is a possibly qualified column reference inside an expression.
type ColumnRef struct {
	Qualifier string
	Name      string
}

// Expression is the token run defining one select-list column.
type Expression struct {
	Tokens []Token
}

// ParseExpression tokenizes a standalone expression.
func ParseExpression(s string) Expression {
	return Expression{Tokens: Tokenize(s)}
}

// Empty reports whether the expression has no tokens.
func (e Expression) Empty() bool { return len(e.Tokens) == 0 }

// String renders the expression tokens separated by single spaces.
func (e Expression) String() string {
	parts := make([]string, len(e.Tokens))
	for i, t := range e.Tokens {
		parts[i] = t.Literal
	}
	return strings.Join(parts, " ")
}

// ColumnRefs returns the column references of the expression in order.
// Function names and keywords are skipped.
func (e Expression) ColumnRefs() []ColumnRef {
	var refs []ColumnRef
	toks := e.Tokens
	for i := 0; i < len(toks); i++ {
		if toks[i].Type != TokenIdent {
			continue
		}
		if i > 0 && toks[i-1].Is("as") {
			continue // CAST(x AS type)
		}
		// ident(.ident)*
		parts := []string{toks[i].Literal}
		j := i + 1
		for j+1 < len(toks) && toks[j].Type == TokenDot && toks[j+1].Type == TokenIdent {
			parts = append(parts, toks[j+1].Literal)
			j += 2
		}
		i = j - 1
		if j < len(toks) && toks[j].Type == TokenLParen {
			continue // function call
		}
		if j < len(toks) && toks[j].Type == TokenDot && j+1 < len(toks) && toks[j+1].Type == TokenStar {
			continue // t.*
		}
		n := len(parts)
		refs = append(refs, ColumnRef{
			Qualifier: strings.Join(parts[:n-1], "."),
			Name:      parts[n-1],
		})
	}
	return refs
}

// BareColumn returns the reference when the expression is a single
// pass-through identifier such as "id" or "o.id".
func (e Expression) BareColumn() (ColumnRef, bool) {
	toks := e.Tokens
	if len(toks) == 0 || len(toks)%2 == 0 {
		return ColumnRef{}, false
	}
	for i, t := range toks {
		if i%2 == 0 && t.Type != TokenIdent {
			return ColumnRef{}, false
		}
		if i%2 == 1 && t.Type != TokenDot {
			return ColumnRef{}, false
		}
	}
	refs := e.ColumnRefs()
	if len(refs) != 1 {
		return ColumnRef{}, false
	}
	return refs[0], true
}

var aggregateFuncs = map[string]struct{}{
	"sum": {}, "count": {}, "avg": {}, "min": {}, "max": {},
}

// HasAggregate reports whether the expression calls SUM, COUNT, AVG, MIN or MAX.
func (e Expression) HasAggregate() bool {
	for i := 0; i+1 < len(e.Tokens); i++ {
		t := e.Tokens[i]
		if t.Type != TokenIdent || e.Tokens[i+1].Type != TokenLParen {
			continue
		}
		if _, ok := aggregateFuncs[strings.ToLower(t.Literal)]; ok {
			return true
		}
	}
	return false
}

// HasConditional reports whether the expression contains CASE or WHERE.
func (e Expression) HasConditional() bool {
	for _, t := range e.Tokens {
		if t.Is("case") || t.Is("where") {
			return true
		}
	}
	return false
}

// SelectItem is one top-level select-list entry.
type SelectItem struct {
	Expr  Expression
	Alias string
}

// OutputName returns the column name the item produces: its alias, or the
// referenced column name for a bare identifier.
func (s SelectItem) OutputName() string {
	if s.Alias != "" {
		return s.Alias
	}
	if ref, ok := s.Expr.BareColumn(); ok {
		return ref.Name
	}
	return ""
}

// Relation is a FROM or JOIN entry.
type Relation struct {
	// Database is set for three-part names.
	Database string
	Schema   string
	Name     string
	Alias    string
	// Joined is set for relations introduced by a JOIN.
	Joined   bool
	Subquery bool
}

// Matches reports whether a qualifier or relation name refers to r.
func (r Relation) Matches(name string) bool {
	if name == "" {
		return false
	}
	if r.Alias != "" && strings.EqualFold(r.Alias, name) {
		return true
	}
	if strings.EqualFold(r.Name, name) {
		return true
	}
	return r.Schema != "" && strings.EqualFold(r.Schema+"."+r.Name, name)
}

// QueryShape is the lexical outline of the outermost SELECT.
type QueryShape struct {
	Items     []SelectItem
	Relations []Relation
	Tokens    []Token
}

// ItemFor returns the select item producing the named output column.
func (q QueryShape) ItemFor(column string) (SelectItem, bool) {
	for _, item := range q.Items {
		if strings.EqualFold(item.OutputName(), column) {
			return item, true
		}
	}
	return SelectItem{}, false
}

// Relation returns the relation a qualifier refers to.
func (q QueryShape) Relation(qualifier string) (Relation, bool) {
	for _, r := range q.Relations {
		if r.Matches(qualifier) {
			return r, true
		}
	}
	return Relation{}, false
}

// IsJoined reports whether name refers to a relation introduced by a JOIN.
func (q QueryShape) IsJoined(name string) bool {
	r, ok := q.Relation(name)
	return ok && r.Joined
}

// HasIdentifier reports whether name occurs as an identifier token (case-insensitive).
func (q QueryShape) HasIdentifier(name string) bool {
	for _, t := range q.Tokens {
		if t.Type == TokenIdent && strings.EqualFold(t.Literal, name) {
			return true
		}
	}
	return false
}

// clauseEnd lists keywords that end the FROM clause at depth zero.
var clauseEnd = map[string]bool{
	"where": true, "group": true, "having": true, "order": true, "limit": true, "qualify": true,
	"window": true, "union": true, "except": true, "intersect": true, "offset": true,
}

// ScanQuery outlines the outermost SELECT of sql: the select list split at
// top-level commas and the FROM/JOIN relations. It never fails; text it
// cannot read yields an empty shape.
func ScanQuery(sql string) QueryShape {
	toks := Tokenize(sql)
	q := QueryShape{Tokens: toks}

	start := -1
	depth := 0
	for i, t := range toks {
		switch {
		case t.Type == TokenLParen:
			depth++
		case t.Type == TokenRParen:
			depth--
		case depth == 0 && t.Is("select"):
			start = i + 1
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return q
	}

	// select list
	i := start
	for i < len(toks) && (toks[i].Is("distinct") || toks[i].Is("all")) {
		i++
	}
	var cur []Token
	depth = 0
	for ; i < len(toks); i++ {
		t := toks[i]
		if depth == 0 && (t.Is("from") || (t.Type == TokenKeyword && clauseEnd[t.Keyword])) {
			break
		}
		switch t.Type {
		case TokenLParen:
			depth++
		case TokenRParen:
			depth--
		case TokenComma:
			if depth == 0 {
				q.Items = appendItem(q.Items, cur)
				cur = nil
				continue
			}
		}
		cur = append(cur, t)
	}
	q.Items = appendItem(q.Items, cur)

	if i < len(toks) && toks[i].Is("from") {
		q.Relations = scanRelations(toks[i+1:])
	}
	return q
}

func appendItem(items []SelectItem, toks []Token) []SelectItem {
	if len(toks) == 0 {
		return items
	}
	n := len(toks)
	if n >= 3 && toks[n-2].Is("as") && toks[n-1].Type == TokenIdent {
		return append(items, SelectItem{Expr: Expression{Tokens: toks[:n-2]}, Alias: toks[n-1].Literal})
	}
	if n >= 2 && toks[n-1].Type == TokenIdent && impliesAlias(toks[n-2]) {
		return append(items, SelectItem{Expr: Expression{Tokens: toks[:n-1]}, Alias: toks[n-1].Literal})
	}
	return append(items, SelectItem{Expr: Expression{Tokens: toks}})
}

// impliesAlias reports whether a trailing identifier after prev is an implicit alias.
func impliesAlias(prev Token) bool {
	switch prev.Type {
	case TokenIdent, TokenRParen, TokenNumber, TokenString:
		return true
	case TokenKeyword:
		return prev.Keyword == "end"
	}
	return false
}

// scanRelations reads relation references until the end of the FROM clause.
func scanRelations(toks []Token) []Relation {
	var rels []Relation
	joined := false
	expectRel := true
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.Type == TokenKeyword && clauseEnd[t.Keyword]:
			return rels
		case t.Type == TokenRParen:
			return rels // end of an enclosing subquery
		case t.Is("join"):
			joined, expectRel = true, true
			continue
		case t.Type == TokenComma:
			joined, expectRel = false, true
			continue
		case t.Is("on") || t.Is("using"):
			i = skipCondition(toks, i+1) - 1
			expectRel = false
			continue
		}
		if !expectRel {
			continue
		}

		var rel Relation
		switch t.Type {
		case TokenLParen:
			end := matchParen(toks, i)
			rel = Relation{Subquery: true}
			i = end
		case TokenIdent:
			if r, end, ok := scanTemplateRef(toks, i); ok {
				rel, i = r, end
				break
			}
			parts := []string{t.Literal}
			for i+2 < len(toks) && toks[i+1].Type == TokenDot && toks[i+2].Type == TokenIdent {
				parts = append(parts, toks[i+2].Literal)
				i += 2
			}
			rel.Name = parts[len(parts)-1]
			if len(parts) > 1 {
				rel.Schema = parts[len(parts)-2]
			}
			if len(parts) > 2 {
				rel.Database = strings.Join(parts[:len(parts)-2], ".")
			}
		default:
			continue // join modifiers such as LEFT, LATERAL
		}
		rel.Joined = joined

		// optional alias
		if i+2 < len(toks) && toks[i+1].Is("as") && toks[i+2].Type == TokenIdent {
			rel.Alias = toks[i+2].Literal
			i += 2
		} else if i+1 < len(toks) && toks[i+1].Type == TokenIdent {
			rel.Alias = toks[i+1].Literal
			i++
		}
		rels = append(rels, rel)
		expectRel = false
	}
	return rels
}

// scanTemplateRef reads a templated ref('name') or source('schema', 'name') call.
func scanTemplateRef(toks []Token, i int) (Relation, int, bool) {
	fn := strings.ToLower(toks[i].Literal)
	if (fn != "ref" && fn != "source") || i+1 >= len(toks) || toks[i+1].Type != TokenLParen {
		return Relation{}, i, false
	}
	end := matchParen(toks, i+1)
	var args []string
	for _, t := range toks[i+2 : end] {
		if t.Type == TokenString {
			args = append(args, t.Literal)
		}
	}
	if len(args) == 0 {
		return Relation{}, i, false
	}
	rel := Relation{Name: args[len(args)-1]}
	if fn == "source" && len(args) > 1 {
		rel.Schema = args[len(args)-2]
	}
	// skip the closing template braces
	for end+1 < len(toks) && toks[end+1].Type == TokenIllegal {
		end++
	}
	return rel, end, true
}

// skipCondition returns the index of the token ending a JOIN condition.
func skipCondition(toks []Token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.Type == TokenLParen:
			depth++
		case t.Type == TokenRParen:
			if depth == 0 {
				return i
			}
			depth--
		case depth > 0:
		case t.Type == TokenComma, t.Is("join"), t.Is("left"), t.Is("right"), t.Is("inner"),
			t.Is("full"), t.Is("cross"), t.Is("natural"):
			return i
		case t.Type == TokenKeyword && clauseEnd[t.Keyword]:
			return i
		}
	}
	return i
}

// matchParen returns the index of the parenthesis closing toks[open].
func matchParen(toks []Token, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch toks[i].Type {
		case TokenLParen:
			depth++
		case TokenRParen:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(toks) - 1
}

// Identifiers returns the distinct identifier tokens of sql, lower-cased.
func Identifiers(sql string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range Tokenize(sql) {
		if t.Type == TokenIdent {
			out[strings.ToLower(t.Literal)] = struct{}{}
		}
	}
	return out
}
