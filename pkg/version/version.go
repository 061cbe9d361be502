// Package version carries build information set via ldflags:
//
//	go build -ldflags "-X gatekeeper/pkg/version.Version=v1.2.3"
package version

//nolint:gochecknoglobals // package-level vars for ldflags injection.
var (
	// Version is the semantic version, "dev" for development builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String formats the build information for -version output.
func String() string {
	return Version + " (" + Commit + ", " + Date + ")"
}
