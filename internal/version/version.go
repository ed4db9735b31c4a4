package version

import "runtime/debug"

// Version can be set at build time with
// -ldflags "-X github.com/spachava753/datastep/internal/version.Version=v1.2.3".
var Version = ""

// Get returns the module version, falling back to the build info and then "dev".
func Get() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
