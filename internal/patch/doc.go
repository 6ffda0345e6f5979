// Package patch defines patch descriptors, patch records and their storage
// encoding.
//
// A Descriptor is loaded once from the "<id>.patch" file of a patch archive
// and never changes. A Record is the mutable outcome of installing a patch:
// the module and feature updates that were computed for it, a pending marker
// for rollups whose activation is still outstanding, and report counters.
//
// Records are stored as canonical JSON (sorted keys, NFC strings, no floats)
// so their content hash is stable across writes.
package patch
