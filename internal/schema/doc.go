// Package schema is the static description of every collection the data
// layer knows about.
//
// Everything that varies by collection lives in one table (see Lookup):
//   - KeyFields: natural-key priority used by the sync queue and the remote
//   - MatchFields: fields the merge engine tries when folding a remote row
//   - Unique: duplicate-detection rules applied on create
//   - Indexed: fields that ReadAll may filter on
//
// Field shapes are declared in collections.cue and enforced by Validate.
// Natural keys are derived by one pure function, NaturalKeyOf, so no caller
// ever re-implements the priority rules.
package schema
