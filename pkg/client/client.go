package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to a running svcmon daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is an API 404, typically an unknown slot.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 60 * time.Second,
	}
}

// New creates a new svcmon API client with TLS support. Stop and build
// requests wait for process groups, so the default timeout is generous.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("TLS setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/slots", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func slotPath(id string, parts ...string) string {
	p := "/slots/" + url.PathEscape(id)
	for _, s := range parts {
		p += "/" + s
	}
	return p
}

func (c *Client) List(ctx context.Context) ([]SlotStatus, error) {
	var out []SlotStatus
	err := c.do(ctx, http.MethodGet, "/slots", nil, nil, &out)
	return out, err
}

// Add creates a slot and returns its handle.
func (c *Client) Add(ctx context.Context, req AddRequest) (string, error) {
	var out addResponse
	if err := c.do(ctx, http.MethodPost, "/slots", nil, req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) Status(ctx context.Context, id string) (SlotStatus, error) {
	var out SlotStatus
	err := c.do(ctx, http.MethodGet, slotPath(id), nil, nil, &out)
	return out, err
}

func (c *Client) Patch(ctx context.Context, id string, req PatchRequest) (SlotStatus, error) {
	var out SlotStatus
	err := c.do(ctx, http.MethodPatch, slotPath(id), nil, req, &out)
	return out, err
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, slotPath(id), nil, nil, nil)
}

func (c *Client) Start(ctx context.Context, id string) (SlotStatus, error) {
	var out SlotStatus
	err := c.do(ctx, http.MethodPost, slotPath(id, "start"), nil, nil, &out)
	return out, err
}

// Stop stops a slot; force also stops slots that refuse a normal stop.
func (c *Client) Stop(ctx context.Context, id string, force bool) (SlotStatus, error) {
	var out SlotStatus
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	err := c.do(ctx, http.MethodPost, slotPath(id, "stop"), q, nil, &out)
	return out, err
}

// Copy duplicates a slot next to the original and returns the new handle.
func (c *Client) Copy(ctx context.Context, id string) (string, error) {
	var out addResponse
	if err := c.do(ctx, http.MethodPost, slotPath(id, "copy"), nil, nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// MoveBy shifts a slot delta positions.
func (c *Client) MoveBy(ctx context.Context, id string, delta int) error {
	q := url.Values{"delta": {strconv.Itoa(delta)}}
	return c.do(ctx, http.MethodPost, slotPath(id, "move"), q, nil, nil)
}

// MoveTo places a slot at index to.
func (c *Client) MoveTo(ctx context.Context, id string, to int) error {
	q := url.Values{"to": {strconv.Itoa(to)}}
	return c.do(ctx, http.MethodPost, slotPath(id, "move"), q, nil, nil)
}

// Build starts the slot's build chain. It returns once the chain is
// running, not when it completes.
func (c *Client) Build(ctx context.Context, id string, run bool) error {
	q := url.Values{"run": {strconv.FormatBool(run)}}
	return c.do(ctx, http.MethodPost, slotPath(id, "build"), q, nil, nil)
}

// Logs returns the entries from index from onwards.
func (c *Client) Logs(ctx context.Context, id string, from int) ([]LogEntry, error) {
	var out []LogEntry
	q := url.Values{"from": {strconv.Itoa(from)}}
	err := c.do(ctx, http.MethodGet, slotPath(id, "logs"), q, nil, &out)
	return out, err
}

// WriteLog appends an operator line with the given severity name.
func (c *Client) WriteLog(ctx context.Context, id, severity, text string) error {
	body := map[string]string{"severity": severity, "text": text}
	return c.do(ctx, http.MethodPost, slotPath(id, "logs"), nil, body, nil)
}

func (c *Client) ClearLog(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, slotPath(id, "logs"), nil, nil, nil)
}

// ExportLog streams the full log as text to w.
func (c *Client) ExportLog(ctx context.Context, id string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, slotPath(id, "logs", "text"), nil, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.Copy(w, resp.Body)
}

func (c *Client) Search(ctx context.Context, id string, sq SearchQuery) (SearchResult, error) {
	q := url.Values{"q": {sq.Text}}
	if sq.Regex {
		q.Set("regex", "true")
	}
	if sq.CaseSensitive {
		q.Set("case", "true")
	}
	if sq.From != nil {
		q.Set("from", strconv.Itoa(*sq.From))
		if sq.Backward {
			q.Set("backward", "true")
		}
	}
	var out SearchResult
	err := c.do(ctx, http.MethodGet, slotPath(id, "logs", "search"), q, nil, &out)
	return out, err
}

func (c *Client) Selection(ctx context.Context, id string) (Selection, error) {
	var out Selection
	err := c.do(ctx, http.MethodGet, slotPath(id, "selection"), nil, nil, &out)
	return out, err
}

func (c *Client) Select(ctx context.Context, id string, index int) (Selection, error) {
	var out Selection
	err := c.do(ctx, http.MethodPut, slotPath(id, "selection"), nil, map[string]int{"index": index}, &out)
	return out, err
}

func (c *Client) ClearSelection(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, slotPath(id, "selection"), nil, nil, nil)
}

func (c *Client) Resources(ctx context.Context, id string) (Resources, error) {
	var out Resources
	err := c.do(ctx, http.MethodGet, slotPath(id, "resources"), nil, nil, &out)
	return out, err
}

func (c *Client) StartAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/start-all", nil, nil, nil)
}

func (c *Client) StopAll(ctx context.Context, force bool) error {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	return c.do(ctx, http.MethodPost, "/stop-all", q, nil, nil)
}

func (c *Client) ClearAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/clear-all", nil, nil, nil)
}

// Save asks the daemon to persist its slot list now.
func (c *Client) Save(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/save", nil, nil, nil)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	// Handle insecure mode (skip verification)
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicitly requested
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 explicitly requested
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// send performs the request and returns the response for any 2xx status.
// Other statuses are turned into an *APIError.
func (c *Client) send(ctx context.Context, method, path string, q url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	var er ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&er)
	c.logger.Debug("API request failed", "method", method, "path", path, "status", resp.StatusCode, "error", er.Error)
	return nil, &APIError{Status: resp.StatusCode, Message: er.Error}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
