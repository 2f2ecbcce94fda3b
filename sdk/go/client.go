package flagdecksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flagdeck/flags"
)

// Client is a minimal Flagdeck HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Flag is a flag as served by the API. Int values decode as json.Number.
type Flag struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Channel      string `json:"channel"`
	State        string `json:"state,omitempty"`
	Description  string `json:"description"`
	Default      any    `json:"default"`
	Value        any    `json:"value"`
	Overridden   bool   `json:"overridden"`
	OverriddenBy string `json:"overridden_by,omitempty"`
	OverriddenAt string `json:"overridden_at,omitempty"`
}

// Toggler reports whether overrides can be written.
type Toggler struct {
	Visible          bool `json:"visible"`
	DebugDevice      bool `json:"debug_device"`
	DeveloperOptions bool `json:"developer_options"`
	AllowRelease     bool `json:"allow_release"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListFlags returns every flag in catalog order.
func (c *Client) ListFlags(ctx context.Context) ([]Flag, error) {
	var resp struct {
		Items []Flag `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/flags", nil, &resp)
	return resp.Items, err
}

// GetFlag fetches one flag by name.
func (c *Client) GetFlag(ctx context.Context, name string) (Flag, error) {
	var resp Flag
	err := c.do(ctx, http.MethodGet, c.flagPath(name), nil, &resp)
	return resp, err
}

// SetOverride writes a developer override. value is sent as text and parsed
// by the server for the flag's kind.
func (c *Client) SetOverride(ctx context.Context, name string, value any) (Flag, error) {
	var resp Flag
	body := map[string]any{"value": fmt.Sprint(value)}
	err := c.do(ctx, http.MethodPut, c.flagPath(name)+"/override", body, &resp)
	return resp, err
}

// ClearOverride removes a developer override.
func (c *Client) ClearOverride(ctx context.Context, name string) (Flag, error) {
	var resp Flag
	err := c.do(ctx, http.MethodDelete, c.flagPath(name)+"/override", nil, &resp)
	return resp, err
}

// Toggler returns the developer toggler state.
func (c *Client) Toggler(ctx context.Context) (Toggler, error) {
	var resp Toggler
	err := c.do(ctx, http.MethodGet, "v0/toggler", nil, &resp)
	return resp, err
}

// Snapshot fetches every flag value once. The result is a flags.Source, so a
// local registry can resolve against the server's current values.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	items, err := c.ListFlags(ctx)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{bools: map[string]bool{}, ints: map[string]int{}}
	for _, f := range items {
		switch v := f.Value.(type) {
		case bool:
			s.bools[f.Name] = v
		case json.Number:
			n, err := strconv.ParseInt(v.String(), 10, strconv.IntSize)
			if err != nil {
				return nil, fmt.Errorf("flag %s: %w", f.Name, err)
			}
			s.ints[f.Name] = int(n)
		}
	}
	return s, nil
}

// Snapshot is a point-in-time copy of served flag values. Flags missing from
// the snapshot, or served with a different kind, read as their default.
type Snapshot struct {
	bools map[string]bool
	ints  map[string]int
}

var _ flags.Source = (*Snapshot)(nil)

func (s *Snapshot) Bool(f *flags.BoolFlag) bool {
	if v, ok := s.bools[f.Name()]; ok {
		return v
	}
	return f.Default()
}

func (s *Snapshot) Int(f *flags.IntFlag) int {
	if v, ok := s.ints[f.Name()]; ok {
		return v
	}
	return f.Default()
}

// Len returns the number of flags captured.
func (s *Snapshot) Len() int { return len(s.bools) + len(s.ints) }

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		return dec.Decode(out)
	}
	return nil
}

func (c *Client) flagPath(name string) string {
	return "v0/flags/" + url.PathEscape(name)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
