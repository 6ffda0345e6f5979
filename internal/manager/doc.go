// Package manager is the entry point of the patch engine.
//
// A Manager owns the history store, the record store and the registries of
// one installation and exposes the operator operations: init, add, list,
// show, simulate, install, rollback and resume. Every operation takes the
// consistency lock and records outstanding user changes before it starts.
//
// Installs run in three phases:
//   - validate and resolve the batch (nothing mutated)
//   - run one transaction and commit it onto the live tree
//   - persist records, then activate the updates through the registries
//
// Rollup installs and rollbacks write a pending marker before the live tree
// changes and remove it after activation, so an interrupted activation is
// resumed on the next start.
package manager
