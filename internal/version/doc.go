// Package version implements module versions, version ranges, update keys and
// maven coordinate handling.
//
// An update key is "name|major.minor.0". Every micro release of one release
// line maps to the same key, which is how several patches shipping 1.3.1,
// 1.3.2 and 1.3.4 of a module collapse into a single update record.
//
// The default range a patch version may replace is [floor(target), target).
package version
