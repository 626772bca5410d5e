//go:build !windows

package process

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// scriptCommand wraps shell scripts with /bin/sh so they run even without
// the executable bit. It returns nil for anything else.
func scriptCommand(path string, args []string) *exec.Cmd {
	if strings.ToLower(filepath.Ext(path)) != ".sh" {
		return nil
	}
	// #nosec G204
	return exec.Command("/bin/sh", append([]string{path}, args...)...)
}
