package version

import (
	"fmt"
)

// version is set at build time via -ldflags.
var version = "dev"

// GetVersionString returns a standard version header
func GetVersionString(binary string) string {
	return fmt.Sprintf("%s, version %v", binary, version)
}

// GetVersion returns the semver compatible version number
func GetVersion() string {
	return version
}
