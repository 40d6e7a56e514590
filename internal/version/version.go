// Package version reports the module version embedded by the Go toolchain.
package version

import "runtime/debug"

// version is the default when built outside a module context (e.g. air-gapped
// source builds).
var version = "dev"

// GetVersion returns the module version, e.g. "v1.2.3".
func GetVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return version
}
