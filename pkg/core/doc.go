// Package core defines the shared language of the LeapGraph system.
//
// This package contains:
//   - Domain entities (Asset, Column, AssetLineage, ColumnLineage, ProcessingJob)
//   - Enumerations (asset types, extraction tiers, transformation and job phases)
//   - The error taxonomy shared by every component
//   - Service interfaces (Store and its parts)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
