package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neurolov/swarmd/internal/daemon"
)

// apiError is a non-2xx coordinator response.
type apiError struct {
	Status     int
	Kind       string
	Message    string
	RetryAfter string
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Kind)
	if e.RetryAfter != "" {
		msg += ", retry after " + e.RetryAfter + "s"
	}
	return msg
}

// apiClient talks to a running coordinator.
type apiClient struct {
	base  string
	actor string
	http  *http.Client
}

// newAPIClient resolves the coordinator URL from --server, then config.
func newAPIClient() (*apiClient, error) {
	base := serverURL
	if base == "" {
		cfg, err := daemon.LoadConfig()
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Addr()
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		actor: actorID,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	if body == nil {
		body = struct{}{}
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor-ID", c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func decodeAPIError(resp *http.Response, data []byte) error {
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	e := &apiError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		e.Kind, e.Message = body.Error.Kind, body.Error.Message
	} else {
		e.Message = strings.TrimSpace(string(data))
	}
	return e
}
