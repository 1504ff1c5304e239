//go:build !windows

package progress

import "os"

// enableANSIOnWindows is a no-op outside Windows, where terminals already
// interpret ANSI escapes natively.
func enableANSIOnWindows(f *os.File) {}
