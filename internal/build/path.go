package build

import (
	"path/filepath"
	"runtime"
	"strings"
)

const DefaultSuffix = "_Build"

// DefaultExt is the build script extension for the host platform.
func DefaultExt() string {
	if runtime.GOOS == "windows" {
		return ".bat"
	}
	return ".sh"
}

// ScriptPath derives the build script for exe: same directory, base name
// without extension, then suffix and ext. "/srv/app/server.exe" with
// "_Build" and ".sh" gives "/srv/app/server_Build.sh".
func ScriptPath(exe, suffix, ext string) string {
	dir := filepath.Dir(exe)
	base := filepath.Base(exe)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(dir, base+suffix+ext)
}
