package infra

import (
	"fmt"
	"runtime"
)

const (
	programName = "relay"
)

// Set by the linker
var (
	Version   = "latest"
	CommitSHA = "development build"
	BuiltTime = "Mon Jan 1 00:00:00 UTC 0001"
)

// GetVersionInfo return version information
func GetVersionInfo() string {
	return fmt.Sprintf(
		"%s:\n Version: %s\n Go version: %s\n Git commit: %s\n Built: %s\n OS/Arch: %s\n",
		programName,
		Version,
		runtime.Version(),
		CommitSHA,
		BuiltTime,
		fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	)
}
