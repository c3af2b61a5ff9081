// Package version exposes the service version and build metadata
// embedded by the Go toolchain.
package version

import "runtime/debug"

// Version is the service version, overridable at build time with
// -ldflags "-X github.com/amitspk/blogwidget/version.Version=v1.2.3".
var Version = "dev"

// Info is the build metadata reported by the version command and the
// health endpoint.
type Info struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

// Get reads build metadata from the running binary.
func Get() Info {
	out := Info{Version: Version}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.modified":
			out.Modified = setting.Value == "true"
		}
	}
	return out
}
