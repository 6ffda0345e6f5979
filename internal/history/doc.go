// Package history keeps the installation history as a git commit graph.
//
// A bare repository (Store) is the durable record. Every mutation happens in
// a disposable working clone (Clone) and reaches the store only by Push, so
// a failed transaction is discarded by deleting its clone.
//
// The package drives the git binary rather than reimplementing merge. A
// failing git invocation surfaces as a *RepositoryError; cherry-pick and
// revert conflicts are not errors and are reported as PickConflicting with
// the conflicting stages left in the index.
//
// Naming:
//   - main                 the installation main line
//   - patch-<id> (branch)  a tracked patch, forked from a baseline
//   - patch-<id> (tag)     an installed non-rollup patch
//   - baseline-<version>   an established baseline
//   - patch-install-<ts>   an ephemeral transaction branch
//
// Branch and tag names of one patch collide, so callers pass full refs.
package history
