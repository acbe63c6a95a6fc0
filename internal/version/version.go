// Package version exposes the version stamped into the guild binaries.
package version

// value is overwritten at link time:
//
//	-ldflags "-X guild/internal/version.value=v0.3.0"
var value = "dev" //nolint:gochecknoglobals // ldflags target

// String reports the stamped version, "dev" for local builds.
func String() string {
	return value
}
