// Package buildinfo holds the release/commit identifiers both output
// formats stamp into their trailing metadata block/table. Values are
// overridden at build time via -ldflags
// "-X github.com/eprosima/ddsrecorder/internal/buildinfo.Release=v1.2.3
//  -X github.com/eprosima/ddsrecorder/internal/buildinfo.Commit=abcdef0".
package buildinfo

var (
	Release = "dev"
	Commit  = "unknown"
)
