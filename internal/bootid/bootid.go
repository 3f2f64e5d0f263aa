// Package bootid resolves the opaque per-boot identifier the trip ledger
// tags every trip with, so trips recorded before and after a reboot can be
// told apart without relying on wall-clock time alone.
package bootid

import (
	"os"
	"strings"
)

const fallback = "unknown_boot_id"

const path = "/proc/sys/kernel/random/boot_id"

// Current reads the kernel's per-boot UUID. It is never parsed or
// validated as a UUID by callers, only stored and compared as an opaque
// string. Falls back to a fixed sentinel on non-Linux hosts or containers
// without procfs.
func Current() string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return fallback
	}
	return id
}
