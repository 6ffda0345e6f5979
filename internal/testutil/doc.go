// Package testutil provides deterministic clocks, id generators and
// installation tree helpers shared by package tests.
package testutil
