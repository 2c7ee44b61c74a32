// Package util holds small helpers shared by the issuer packages.
package util
