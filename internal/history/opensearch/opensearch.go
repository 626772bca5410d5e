package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/svcmon/internal/history"
)

// document is the indexed shape of one lifecycle event. Fields are flat so
// dashboards can aggregate on slot and type without nested mappings.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	Type      string    `json:"type"`
	Slot      string    `json:"slot"`
	File      string    `json:"file"`
	Index     int       `json:"index"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Message   string    `json:"message,omitempty"`
}

func toDocument(e history.Event) document {
	return document{
		Timestamp: e.OccurredAt,
		Type:      string(e.Type),
		Slot:      e.Record.Slot,
		File:      e.Record.File,
		Index:     e.Record.Index,
		PID:       e.Record.PID,
		ExitCode:  e.Record.ExitCode,
		Message:   e.Record.Message,
	}
}

// Sink indexes events into an OpenSearch (or Elasticsearch) index, one
// document per event.
type Sink struct {
	client  *http.Client
	docURL  string
	user    *url.Userinfo
	timeout time.Duration
}

// New returns a sink posting to baseURL/index/_doc. Credentials embedded in
// baseURL are sent as basic auth.
func New(baseURL, index string) *Sink {
	s := &Sink{client: &http.Client{}, timeout: 5 * time.Second}
	base := strings.TrimRight(baseURL, "/")
	if u, err := url.Parse(base); err == nil && u.User != nil {
		s.user = u.User
		u.User = nil
		base = u.String()
	}
	s.docURL = base + "/" + url.PathEscape(index) + "/_doc"
	return s
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(toDocument(e))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.docURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != nil {
		pass, _ := s.user.Password()
		req.SetBasicAuth(s.user.Username(), pass)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.docURL, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
