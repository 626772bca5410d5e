package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// Spec describes an executable launch.
type Spec struct {
	FileName string   `json:"file_name"`
	Args     string   `json:"args"`     // single argument string, split shell-style
	WorkDir  string   `json:"work_dir"` // defaults to the directory of FileName
	Env      []string `json:"env"`      // merged environment; nil inherits the parent's
}

// Valid reports whether path names an existing regular file.
func Valid(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !fi.IsDir()
}

// SplitArgs splits the argument string honouring quotes. Unbalanced quoting
// falls back to whitespace splitting so a typo never blocks a launch.
func SplitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts, err := shlex.Split(s)
	if err != nil {
		return strings.Fields(s)
	}
	return parts
}

// BuildCommand constructs the *exec.Cmd described by s. Scripts are routed
// through the platform shell, everything else is executed directly.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	if strings.TrimSpace(s.FileName) == "" {
		return nil, fmt.Errorf("empty file name")
	}
	abs, err := filepath.Abs(s.FileName)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", s.FileName, err)
	}
	args := SplitArgs(s.Args)
	cmd := scriptCommand(abs, args)
	if cmd == nil {
		// #nosec G204 -- launching operator-configured executables is the purpose
		cmd = exec.Command(abs, args...)
	}
	cmd.Dir = s.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(abs)
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd, nil
}
