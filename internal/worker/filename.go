// ABOUTME: Filesystem-safety check for test ids
// ABOUTME: Test ids name per-test scratch files, so they must be a single safe path element

package worker

import (
	"strings"
	"unicode"
)

const maxFileNameLength = 255

// IsValidFileName reports whether name can be used as a single file name on
// every platform the harness runs on.
func IsValidFileName(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > maxFileNameLength {
		return false
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return false
	}
	for _, r := range name {
		if r > unicode.MaxASCII || unicode.IsControl(r) {
			return false
		}
		if strings.ContainsRune(`/\:*?"<>|`, r) {
			return false
		}
	}
	return true
}
