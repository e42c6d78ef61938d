// Package lineage turns upstream parse facts into confidence-scored
// table-level and column-level lineage.
//
// Facts come in three closed variants, one per extraction tier:
//
//	ManifestFact   GOLD    explicit source -> target column pairs
//	CompiledFact   SILVER  compiled SELECT text, matched by column name
//	HeuristicFact  BRONZE  raw SQL, matched by identifier tokens
//
// # Scoring
//
// Every column row carries a tier, a match kind and a confidence capped at
// the tier ceiling (GOLD 1.0, SILVER 0.90, BRONZE 0.85). BRONZE rows are
// always flagged low confidence.
//
// # Basic Usage
//
//	ex := lineage.NewExtractor(lineage.WithAliasTable(map[string]string{
//	    "cust_id": "customer_id",
//	}))
//	res, err := ex.Extract(lineage.ResolvedFact{
//	    Fact:    fact,
//	    FileID:  file.ID,
//	    Target:  target,
//	    Sources: sources,
//	})
//
// Extraction is a pure function of a fact whose assets have already been
// resolved against the registry. SQL is read lexically; it is never executed
// or fully parsed.
package lineage
