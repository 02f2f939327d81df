// Package buildinfo holds build-time metadata that is not part of the user
// configuration.
package buildinfo

import "fmt"

// UnknownValue is reported for metadata not set at build time.
const UnknownValue = "unknown"

// Set through -ldflags "-X github.com/tphakala/aedbatch/internal/buildinfo.version=..."
var (
	version   string
	buildDate string
	commit    string
)

// Context contains build-time metadata
type Context struct {
	Version   string // git version tag
	BuildDate string
	Commit    string
}

// NewContext creates a build context from explicit values.
func NewContext(version, buildDate, commit string) *Context {
	return &Context{Version: version, BuildDate: buildDate, Commit: commit}
}

// Current returns the metadata linked into the binary.
func Current() *Context {
	return NewContext(version, buildDate, commit)
}

// GetVersion returns the version or UnknownValue.
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date or UnknownValue.
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// GetCommit returns the commit hash or UnknownValue.
func (c *Context) GetCommit() string {
	if c == nil || c.Commit == "" {
		return UnknownValue
	}
	return c.Commit
}

// Release is the release name reported with error events.
func (c *Context) Release(service string) string {
	return fmt.Sprintf("%s@%s", service, c.GetVersion())
}

func (c *Context) String() string {
	return fmt.Sprintf("version %s (commit %s, built %s)", c.GetVersion(), c.GetCommit(), c.GetBuildDate())
}
