package version

// EmptyValue is the value used when running a binary that wasn't built
// via the release process, e.g. in a unit test or a local `go build`.
const EmptyValue = "set-by-build"

// Version is set at build time via -ldflags to the release tag, or left
// at EmptyValue for local builds.
var Version = EmptyValue
