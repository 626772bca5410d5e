package server

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeAbsPath ensures the provided path is absolute and does not contain traversal.
// It must be already cleaned (no ".." segments). The daemon's working
// directory is not the caller's, so relative paths are refused.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	sep := string(filepath.Separator)
	trimmed := strings.TrimRight(p, sep)
	if trimmed == "" {
		trimmed = p // keep root like "/" on Unix
	}
	// Reject if cleaning changes more than just trailing separators
	if !(clean == p || clean == trimmed) {
		return false
	}
	return true
}

// checkPaths returns a client-facing message for the first unsafe path,
// or "" when both are acceptable. Empty paths are skipped.
func checkPaths(fileName, workDir string) string {
	if !isSafeAbsPath(fileName) {
		return "invalid file_name: must be absolute path without traversal"
	}
	if !isSafeAbsPath(workDir) {
		return "invalid work_dir: must be absolute path without traversal"
	}
	return ""
}

// queryBool accepts the strconv.ParseBool spellings; anything else is false.
func queryBool(c *gin.Context, key string) bool {
	b, err := strconv.ParseBool(c.Query(key))
	return err == nil && b
}

// queryInt returns def when key is absent and false when it is malformed.
func queryInt(c *gin.Context, key string, def int) (int, bool) {
	s := c.Query(key)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
