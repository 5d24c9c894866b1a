package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rbaker/internal/storage"
	"rbaker/internal/task"
	"rbaker/internal/task/scheduler"
)

// ErrUnavailable means the scheduler answered but cannot serve the request
// right now (stopping or not started).
var ErrUnavailable = errors.New("scheduler unavailable")

// APIError is a non-2xx answer from the admin server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("admin: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("admin: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Unwrap maps server error codes back to the task error taxonomy.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case codeUnknownTask:
		return task.ErrUnknownTask
	case codeDuplicate:
		return task.ErrDuplicateSchedule
	case codeInvalid:
		return task.ErrInvalidEntry
	case codeUnavailable:
		return ErrUnavailable
	}
	return nil
}

// Client talks to a running scheduler's admin server.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient accepts "host:port" or a full http URL.
func NewClient(addr, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{base: base, token: strings.TrimSpace(token), http: &http.Client{}}
}

// WithHTTPClient swaps the underlying client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	cp := *c
	cp.http = h
	return &cp
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *Client) Schedules(ctx context.Context) ([]scheduler.ScheduleInfo, error) {
	var out []scheduler.ScheduleInfo
	err := c.do(ctx, http.MethodGet, "/schedules", nil, &out)
	return out, err
}

func (c *Client) AddSchedule(ctx context.Context, e task.Entry) error {
	return c.do(ctx, http.MethodPost, "/schedules", e, nil)
}

func (c *Client) RemoveSchedule(ctx context.Context, name string) (int, error) {
	var out RemoveResponse
	err := c.do(ctx, http.MethodDelete, "/schedules/"+url.PathEscape(name), nil, &out)
	return out.Removed, err
}

func (c *Client) ReloadSchedules(ctx context.Context) (int, error) {
	var out ReloadResponse
	err := c.do(ctx, http.MethodPost, "/schedules/reload", nil, &out)
	return out.Schedules, err
}

// Run triggers a task. With wait the call blocks until the executor is done
// with it (finished or abandoned) or ctx ends.
func (c *Client) Run(ctx context.Context, name string, timeout time.Duration, wait bool) (RunResponse, error) {
	q := url.Values{}
	if timeout > 0 {
		q.Set("timeout", timeout.String())
	}
	if wait {
		q.Set("wait", "1")
	}
	path := "/tasks/" + url.PathEscape(name) + "/run"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out RunResponse
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, q storage.RunQuery) ([]storage.RunRecord, error) {
	v := url.Values{}
	if q.Task != "" {
		v.Set("task", q.Task)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/history"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []storage.RunRecord
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

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
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			apiErr.Code, apiErr.Message = er.Code, er.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("admin: decode %s: %w", path, err)
	}
	return nil
}
