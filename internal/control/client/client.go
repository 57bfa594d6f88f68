// Package client talks to a running daemon's control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"loopd/internal/control"
	"loopd/internal/loop"
	"loopd/internal/storage"
)

// ErrUnauthorized is returned when the daemon rejects the token.
var ErrUnauthorized = errors.New("control api: unauthorized")

type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for addr ("127.0.0.1:7767" or a full URL).
func New(addr, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if base == "" {
		base = control.DefaultAddr
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, token: token, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *Client) List(ctx context.Context) ([]loop.Loop, error) {
	var out []loop.Loop
	return out, c.do(ctx, http.MethodGet, "/v1/loops", nil, &out)
}

func (c *Client) Get(ctx context.Context, id loop.ID) (loop.Loop, error) {
	var out loop.Loop
	return out, c.do(ctx, http.MethodGet, loopPath(id), nil, &out)
}

func (c *Client) Create(ctx context.Context, l loop.Loop) (loop.Loop, error) {
	var out loop.Loop
	return out, c.do(ctx, http.MethodPost, "/v1/loops", l, &out)
}

func (c *Client) Update(ctx context.Context, l loop.Loop) (loop.Loop, error) {
	var out loop.Loop
	return out, c.do(ctx, http.MethodPut, loopPath(l.ID), l, &out)
}

func (c *Client) SetEnabled(ctx context.Context, id loop.ID, enabled bool) (loop.Loop, error) {
	verb := "/disable"
	if enabled {
		verb = "/enable"
	}
	var out loop.Loop
	return out, c.do(ctx, http.MethodPost, loopPath(id)+verb, nil, &out)
}

func (c *Client) Delete(ctx context.Context, id loop.ID) error {
	return c.do(ctx, http.MethodDelete, loopPath(id), nil, nil)
}

func (c *Client) Respond(ctx context.Context, id loop.ID, day loop.Day, state loop.ResponseState) error {
	return c.do(ctx, http.MethodPost, loopPath(id)+"/responses", control.ResponseRequest{Date: day, State: state}, nil)
}

func (c *Client) History(ctx context.Context, id loop.ID, from, to loop.Day) ([]loop.Response, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.String())
	}
	if !to.IsZero() {
		q.Set("to", to.String())
	}
	path := loopPath(id) + "/responses"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []loop.Response
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) Sync(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/sync", nil, nil)
}

func (c *Client) Status(ctx context.Context) (control.Status, error) {
	var out control.Status
	return out, c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
}

func loopPath(id loop.ID) string { return "/v1/loops/" + id.String() }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		var eb control.ErrorBody
		_ = json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&eb)
		return statusError(res.StatusCode, eb.Error)
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// statusError rebuilds the daemon's sentinel so callers can use errors.Is.
func statusError(code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", loop.ErrInvalid, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", storage.ErrNotFound, msg)
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("control api: status %d: %s", code, msg)
	}
}
