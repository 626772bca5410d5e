package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/loykin/svcmon/internal/slot"
)

const slotsKey = "slots"

// Store keeps the slot list in a TOML file as an array of [[slots]] tables.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a store for path. "file://" prefixes are stripped. The file
// is created on the first Save.
func New(path string) (*Store, error) {
	p := strings.TrimPrefix(strings.TrimSpace(path), "file://")
	if p == "" {
		return nil, errors.New("empty slot file path")
	}
	return &Store{path: p}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Load(_ context.Context) ([]slot.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read slot file %s: %w", s.path, err)
	}
	var ds []slot.Descriptor
	if err := v.UnmarshalKey(slotsKey, &ds); err != nil {
		return nil, fmt.Errorf("decode slot file %s: %w", s.path, err)
	}
	return ds, nil
}

// Save writes ds to a temporary file in the same directory and renames it
// over the target.
func (s *Store) Save(_ context.Context, ds []slot.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]map[string]any, 0, len(ds))
	for _, d := range ds {
		rows = append(rows, map[string]any{
			"file_name":      d.FileName,
			"args":           d.Args,
			"work_dir":       d.WorkDir,
			"manual_control": d.ManualControl,
			"auto_scroll":    d.AutoScroll,
		})
	}
	v := viper.New()
	v.Set(slotsKey, rows)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create slot file dir: %w", err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(s.path)+".tmp.toml")
	if err := v.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("write slot file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace slot file: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return nil }
