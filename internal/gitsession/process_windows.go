//go:build windows

package gitsession

import "os"

// processAlive on Windows relies on FindProcess failing for a pid that no
// longer exists; Signal(0) isn't meaningfully supported there.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
