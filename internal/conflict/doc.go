// Package conflict resolves the conflicts a cherry-pick or revert leaves in a
// working clone.
//
// The caller decides which side wins (prefer-patch or prefer-user) and which
// git side holds the patch. The losing content of every conflicting path is
// written below the backup directory, addressed by patch id, conflict
// sequence number and loser ("patch" or "user"), so a later rollback can
// restore it. Property files are merged line by line instead: the winner is
// kept and only the loser's additional keys are appended.
package conflict
