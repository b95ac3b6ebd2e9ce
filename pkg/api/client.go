// Package api is the client for the control-plane backend: it reports
// router statistics, fetches flows by status, and acknowledges flow status
// changes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/util"
	"github.com/flowagent-network/flowagent/pkg/version"
)

// Success range, inclusive.
const (
	minSuccessStatus = 200
	maxSuccessStatus = 210
)

// DefaultTimeout bounds each request.
const DefaultTimeout = 30 * time.Second

var identifierPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// ValidIdentifier reports whether s is a 24 hex digit device identifier.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Endpoint locates the backend.
type Endpoint struct {
	Scheme   string `yaml:"scheme" json:"scheme"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// BaseURL renders the endpoint. Any scheme other than "http" means https;
// credentials are embedded only when both are set.
func (e Endpoint) BaseURL() (*url.URL, error) {
	if strings.TrimSpace(e.Host) == "" {
		return nil, fmt.Errorf("backend host is not set")
	}
	u := &url.URL{Scheme: "https", Host: e.Host}
	if e.Scheme == "http" {
		u.Scheme = "http"
	}
	if e.Port > 0 {
		u.Host = e.Host + ":" + strconv.Itoa(e.Port)
	}
	if e.Username != "" && e.Password != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u, nil
}

// Backend is what the reconcile and stats workers need from the API.
// GetFlows may return decoded flows together with a
// *util.PartialFailureError when some records did not decode.
type Backend interface {
	SendStats(ctx context.Context, report *StatsReport) error
	GetFlows(ctx context.Context, t flow.Type) ([]*flow.Flow, error)
	SetFlowStatus(ctx context.Context, flowID string, status flow.Status) error
}

// StatsReport is the SEND_STATS body.
type StatsReport struct {
	Success   bool     `json:"success"`
	Data      []string `json:"data,omitempty"`
	LocalTime string   `json:"local_time,omitempty"`
}

// Client is the HTTP implementation of Backend.
type Client struct {
	base       *url.URL
	identifier string
	httpClient *http.Client
	userAgent  string
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New creates a client for the device identified by identifier.
func New(ep Endpoint, identifier string, opts ...Option) (*Client, error) {
	if !ValidIdentifier(identifier) {
		return nil, fmt.Errorf("invalid identifier: %q", identifier)
	}
	base, err := ep.BaseURL()
	if err != nil {
		return nil, err
	}
	c := &Client{
		base:       base,
		identifier: strings.ToLower(identifier),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  version.UserAgent(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Identifier returns the device identifier.
func (c *Client) Identifier() string { return c.identifier }

func (c *Client) url(segments ...string) string {
	u := *c.base
	parts := append([]string{"fstats", c.identifier}, segments...)
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	u.Path = "/" + strings.Join(parts, "/")
	return u.String()
}

// response is a successful reply. JSON is true when the content type was
// application/json; otherwise Body is plain text.
type response struct {
	Body []byte
	JSON bool
}

func (c *Client) do(ctx context.Context, op, method, target string, payload interface{}) (*response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, util.NewAPIError(op, 0, fmt.Errorf("encoding payload: %w", err))
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, util.NewAPIError(op, 0, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	util.WithField("op", op).Debugf("sending %s %s", method, redact(target))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, util.NewAPIError(op, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, util.NewAPIError(op, resp.StatusCode, fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode < minSuccessStatus || resp.StatusCode > maxSuccessStatus {
		return nil, util.NewAPIError(op, resp.StatusCode, fmt.Errorf("unexpected status: %s", snippet(data)))
	}
	return &response{
		Body: data,
		JSON: strings.Contains(resp.Header.Get("Content-Type"), "application/json"),
	}, nil
}

// SendStats reports router output (PUT /fstats/{id}/flows/stat).
func (c *Client) SendStats(ctx context.Context, report *StatsReport) error {
	_, err := c.do(ctx, "send_stats", http.MethodPut, c.url("flows", "stat"), report)
	return err
}

// GetFlows fetches flows of type t (GET /fstats/{id}/flows/{t}). A non-JSON
// reply is an error. Records that do not decode are skipped: the decoded
// flows are returned together with a *util.PartialFailureError counting
// the skipped ones.
func (c *Client) GetFlows(ctx context.Context, t flow.Type) ([]*flow.Flow, error) {
	resp, err := c.do(ctx, "get_flows", http.MethodGet, c.url("flows", string(t)), nil)
	if err != nil {
		return nil, err
	}
	if !resp.JSON {
		return nil, util.NewAPIError("get_flows", 0, fmt.Errorf("expected JSON, got %q", snippet(resp.Body)))
	}
	var records []json.RawMessage
	if err := json.Unmarshal(resp.Body, &records); err != nil {
		return nil, util.NewAPIError("get_flows", 0, fmt.Errorf("decoding flows: %w", err))
	}
	out := make([]*flow.Flow, 0, len(records))
	bad := 0
	for i, rec := range records {
		if string(rec) == "null" {
			continue
		}
		f := &flow.Flow{}
		if err := json.Unmarshal(rec, f); err != nil {
			bad++
			util.WithField("op", "get_flows").Warnf("skipping flow record %d: %v: %s", i, err, snippet(rec))
			continue
		}
		out = append(out, f)
	}
	if bad > 0 {
		return out, util.NewPartialFailureError("decoding "+string(t)+" flows", len(out)+bad, bad)
	}
	return out, nil
}

// SetFlowStatus acknowledges a status change
// (POST /fstats/{id}/flows/{flow}/status/{status}).
func (c *Client) SetFlowStatus(ctx context.Context, flowID string, status flow.Status) error {
	if flowID == "" {
		return util.NewAPIError("set_flow", 0, fmt.Errorf("empty flow id"))
	}
	_, err := c.do(ctx, "set_flow", http.MethodPost, c.url("flows", flowID, "status", string(status)), nil)
	return err
}

func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	return u.Redacted()
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

var _ Backend = (*Client)(nil)
