// Package store provides SQLite-backed durable storage for patch records and
// for the module and feature registry used by the command line.
//
// Tables:
//   - patch_records: one row per installed patch, the record stored as
//     canonical JSON with its content hash
//   - modules: installed modules keyed by canonical location, so release
//     lines of one module are separate rows
//   - repositories, features, installed_features: feature registry state
//   - activity: append-only log of registry mutations
//
// The database runs in WAL mode with synchronous=NORMAL and a five second
// busy timeout. The user_version pragma tracks applied migrations.
//
// Listings are ordered deterministically: records by insertion seq, then
// patch id.
package store
