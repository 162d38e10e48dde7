// Package version holds build metadata stamped in via ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String returns the one-line version banner.
func String() string {
	return fmt.Sprintf("roost %s (%s) built %s %s/%s",
		Version, GitCommit, BuildDate, runtime.GOOS, runtime.GOARCH)
}
