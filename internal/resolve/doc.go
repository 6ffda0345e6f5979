// Package resolve computes which installed modules and features a patch
// replaces.
//
// Installed modules are grouped by update key: the name without manifest
// qualifiers plus the floor version (major.minor.0). Core modules are keyed
// by name alone. A module reference of a patch replaces the installed module
// of the same key whose version lies in [floor, target), or in the declared
// range when the reference carries one.
//
// Updates of several patches installed together are merged per key by a
// Batch, keeping the newest target version.
package resolve
