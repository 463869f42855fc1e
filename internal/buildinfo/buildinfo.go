// Package buildinfo derives version strings from Go build metadata.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version for the running binary.
//
// Tagged builds (go install from a tag) report the tag. Development
// builds report "dev-<hash>" or "dev-<hash>-dirty" from VCS stamps,
// "dev" when no VCS info was embedded, "unknown" when build info is
// unreadable.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}

	return devVersion(info)
}

// UserAgent returns the User-Agent header value used by outbound HTTP
// clients (embedding, chat and bundle downloads).
func UserAgent() string {
	return "claimlens/" + Version()
}

func devVersion(info *debug.BuildInfo) string {
	var revision string
	var modified bool

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}

	if revision == "" {
		return "dev"
	}

	if len(revision) > 12 {
		revision = revision[:12]
	}

	version := fmt.Sprintf("dev-%s", revision)
	if modified {
		version += "-dirty"
	}

	return version
}
