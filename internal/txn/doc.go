// Package txn runs installation transactions and post-commit rollbacks.
//
// A transaction owns a working clone of the history store and a
// "patch-install-<timestamp>" branch. Begin opens it, Install applies
// patches, and exactly one of Commit or Rollback closes it. Nothing reaches
// the store or the live installation before Commit.
//
// The two patch kinds take separate paths:
//
//	ROLLUP      branch from the baseline commit, pick the patch preferring
//	            it, tag the new baseline, replay user changes preferring the
//	            user, drop the tags of superseded patches
//	NON_ROLLUP  branch from the main line head, pick the patch preferring
//	            it, rewrite module references, merge overrides, tag
//	            "patch-<id>"
//
// RollbackPatch and RollbackRollup undo committed installs on the main line.
package txn
