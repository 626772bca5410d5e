//go:build windows

package process

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// scriptCommand wraps batch files with cmd /C. It returns nil for anything
// else.
func scriptCommand(path string, args []string) *exec.Cmd {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bat", ".cmd":
		// #nosec G204
		return exec.Command("cmd", append([]string{"/C", path}, args...)...)
	}
	return nil
}
