// Package common contains logging setup and build metadata shared by the binaries
// and packages of this module.
package common

var (
	// PackageName is used as the metrics namespace prefix and in user agents.
	PackageName = "github.com/ruteri/managed-identity-credentials"

	// Version is set at build time with -ldflags "-X .../common.Version=...".
	Version = "dev"
)
