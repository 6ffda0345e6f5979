// Package config loads the patchkit configuration file.
//
// The file is YAML. It is unified with an embedded CUE schema that closes the
// set of fields, validates values and supplies defaults, then decoded into
// Config. A missing file yields the defaults.
package config
