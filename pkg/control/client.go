package control

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

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/tp"
)

// APIClient talks to the control API of a node.
type APIClient struct {
	base string
	http *http.Client
}

// NewAPIClient creates a client for the API at addr (host:port or URL).
func NewAPIClient(addr string) *APIClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &APIClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{},
	}
}

// apiError is returned for non-2xx responses.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &apiError{Code: resp.StatusCode, Message: e.Error}
	}
	return resp.StatusCode, nil
}

// StartTest runs a test towards peer and waits for its result. A refused
// test returns the error result together with an error.
func (c *APIClient) StartTest(ctx context.Context, peer core.Addr, duration time.Duration) (TestResponse, error) {
	var res TestResponse
	_, err := c.do(ctx, http.MethodPost, "/v1/tests", TestRequest{
		Peer:       peer,
		DurationMS: duration.Milliseconds(),
	}, &res)
	return res, err
}

// StopTest stops the test with peer.
func (c *APIClient) StopTest(ctx context.Context, peer core.Addr) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/tests/"+url.PathEscape(peer.String()), nil, nil)
	return err
}

// Sessions lists the sessions of the node.
func (c *APIClient) Sessions(ctx context.Context) ([]tp.SessionInfo, error) {
	var out []tp.SessionInfo
	_, err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out)
	return out, err
}

// Results lists up to limit stored results, newest first.
func (c *APIClient) Results(ctx context.Context, limit int) ([]Record, error) {
	var out []Record
	_, err := c.do(ctx, http.MethodGet, "/v1/results?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

// Health returns the node health.
func (c *APIClient) Health(ctx context.Context) (Health, error) {
	var out Health
	_, err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}
