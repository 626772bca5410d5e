package logstore

import (
	"fmt"
	"regexp"
	"strings"
)

// Query selects entries by their text.
type Query struct {
	Text          string `json:"text"`
	Regex         bool   `json:"regex"`
	CaseSensitive bool   `json:"case_sensitive"`
}

// Matcher reports whether a line matches a compiled query.
type Matcher func(string) bool

// Compile validates q and returns its matcher. An empty query matches nothing.
func (q Query) Compile() (Matcher, error) {
	if q.Text == "" {
		return func(string) bool { return false }, nil
	}
	if q.Regex {
		expr := q.Text
		if !q.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid search pattern %q: %w", q.Text, err)
		}
		return re.MatchString, nil
	}
	if q.CaseSensitive {
		needle := q.Text
		return func(s string) bool { return strings.Contains(s, needle) }, nil
	}
	needle := strings.ToLower(q.Text)
	return func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }, nil
}

// Search returns the indexes of every matching entry in order.
func (s *Store) Search(q Query) ([]int, error) {
	match, err := q.Compile()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for i, e := range s.entries {
		if match(e.Text) {
			out = append(out, i)
		}
	}
	return out, nil
}

// Find returns the first matching index strictly after from (or strictly
// before it when backward is set). Passing -1 forward or Len() backward
// searches from the edge. The search wraps around once.
func (s *Store) Find(q Query, from int, backward bool) (int, bool, error) {
	match, err := q.Compile()
	if err != nil {
		return -1, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.entries)
	if n == 0 {
		return -1, false, nil
	}
	step := 1
	if backward {
		step = -1
	}
	i := from
	for k := 0; k < n; k++ {
		i += step
		if i >= n {
			i = 0
		} else if i < 0 {
			i = n - 1
		}
		if match(s.entries[i].Text) {
			return i, true, nil
		}
	}
	return -1, false, nil
}
