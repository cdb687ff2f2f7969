package version

import (
	"fmt"
	"regexp"
	"strings"
)

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// gitDescribeSuffix matches the trailing "-N-gHASH" added by git describe
// (e.g., "0.3.0-5-gabcdef" → strip "-5-gabcdef").
var gitDescribeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

// normalizeVersion strips the "v" prefix and any git-describe suffix so that
// versions like "v0.3.0-5-gabcdef" and "0.3.0" compare as equal.
func normalizeVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	return gitDescribeSuffix.ReplaceAllString(v, "")
}

// FormatVersion returns a display-friendly version string. For normal versions
// it ensures a "v" prefix (e.g. "0.3.0" → "v0.3.0"). Special values like
// "dev" and empty strings are returned as-is.
func FormatVersion(v string) string {
	if v == "" || v == "dev" {
		return v
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// CheckVersionMismatch compares the local build version with the version a
// peer reports (the native host in SYSTEM_ACK, or the daemon for the CLI).
// It returns a warning when they differ and "" when they match or either
// side is a development build.
func CheckVersionMismatch(peer, peerVersion string) string {
	if peerVersion == "" || version == "" {
		return ""
	}
	local := version
	if local == "dev" || peerVersion == "dev" {
		return ""
	}
	// 0.0.0 is what untagged builds report.
	if local == "0.0.0" || peerVersion == "0.0.0" {
		return ""
	}
	if normalizeVersion(local) == normalizeVersion(peerVersion) {
		return ""
	}
	if peer == "" {
		peer = "peer"
	}
	return fmt.Sprintf(
		"WARNING: synapse %s talking to %s %s: version mismatch, restart or reinstall the older side",
		FormatVersion(local), peer, FormatVersion(peerVersion),
	)
}
