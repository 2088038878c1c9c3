// Package version reports the build version of the datadance binary.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Populated at build time, e.g.
//
//	-ldflags "-X github.com/tis24dev/datadance/internal/version.Version=v0.3.0
//	          -X github.com/tis24dev/datadance/internal/version.Commit=abcdef1"
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

var readBuildInfo = debug.ReadBuildInfo

// String returns the version without a leading "v". The ldflags value wins
// over the module version from the build info; "0.0.0-dev" is the fallback.
func String() string {
	v := strings.TrimSpace(Version)

	if v == "" {
		if info, ok := readBuildInfo(); ok && info != nil {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
	}

	if v == "" {
		v = "0.0.0-dev"
	}
	return strings.TrimPrefix(v, "v")
}

// Describe renders the version with the optional commit and build date.
func Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "datadance %s", String())
	if c := strings.TrimSpace(Commit); c != "" {
		fmt.Fprintf(&b, " (commit %s)", c)
	}
	if d := strings.TrimSpace(Date); d != "" {
		fmt.Fprintf(&b, " built %s", d)
	}
	return b.String()
}
