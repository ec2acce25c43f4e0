// Package version carries build metadata stamped in via -ldflags.
package version

var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

func Info() string {
	return Version
}

func FullInfo() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
