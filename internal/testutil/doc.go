// Package testutil provides fixtures, a controllable clock and a shared
// conformance suite for storage.RevocationStore implementations.
package testutil
