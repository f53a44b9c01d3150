package version

import "runtime"

// Set at build time with -ldflags "-X github.com/labwall/labwall/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String formats the version for --version and startup logs.
func (i Info) String() string {
	s := "labwall " + i.Version
	if i.Commit != "unknown" {
		s += " (commit: " + i.Commit + ")"
	}
	return s
}
