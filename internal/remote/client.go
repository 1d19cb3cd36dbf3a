// Package remote is the HTTP client for the court scheduling service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"courtline/internal/domain"
)

// Client talks to the scheduling service. It keeps the login session in a
// cookie jar that can be persisted across processes.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Session     *Session
	Log         *zap.Logger
}

type Options struct {
	BaseURL     string
	Timeout     time.Duration
	SessionPath string
	BearerToken string
	Log         *zap.Logger
}

// New creates a client and restores a saved session when SessionPath holds one.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid service base url %q", opts.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	sess := &Session{Path: opts.SessionPath, base: base, jar: jar}
	if err := sess.restore(); err != nil {
		log.Warn("ignoring unreadable session file", zap.String("path", opts.SessionPath), zap.Error(err))
	}
	return &Client{
		BaseURL:     base.String(),
		BearerToken: opts.BearerToken,
		HTTPClient:  &http.Client{Timeout: timeout, Jar: jar},
		Timeout:     timeout,
		Session:     sess,
		Log:         log,
	}, nil
}

type reservationRequest struct {
	UserID     string `json:"user_id"`
	TargetDate string `json:"target_date"`
	Duration   int    `json:"duration"`
}

// Login authenticates and persists the session cookie. It returns the user id
// the service assigned.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, "login", http.MethodPost, "auth/login", body, &resp); err != nil {
		return "", err
	}
	if resp.UserID == "" {
		return "", &domain.RequestError{Op: "login", Err: errors.New("response has no user_id")}
	}
	if err := c.Session.save(resp.UserID); err != nil {
		return resp.UserID, fmt.Errorf("save session: %w", err)
	}
	return resp.UserID, nil
}

// Logout ends the server session and forgets the local one. The server call
// is best effort.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, "logout", http.MethodPost, "auth/logout", nil, nil); err != nil {
		c.Log.Debug("logout request failed", zap.Error(err))
	}
	return c.Session.clear()
}

func (c *Client) CheckAvailability(ctx context.Context, ownerID, targetDate string, duration int) ([]string, error) {
	var resp struct {
		AvailableCourts []string `json:"available_courts"`
	}
	req := reservationRequest{UserID: ownerID, TargetDate: targetDate, Duration: duration}
	if err := c.do(ctx, "available_courts", http.MethodPost, "available_courts", req, &resp); err != nil {
		return nil, err
	}
	if resp.AvailableCourts == nil {
		return []string{}, nil
	}
	return resp.AvailableCourts, nil
}

func (c *Client) SubmitReservation(ctx context.Context, ownerID, targetDate string, duration int) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	req := reservationRequest{UserID: ownerID, TargetDate: targetDate, Duration: duration}
	if err := c.do(ctx, "start_task", http.MethodPost, "start_task", req, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", &domain.RequestError{Op: "start_task", Err: errors.New("response has no task_id")}
	}
	return resp.TaskID, nil
}

func (c *Client) DeleteRemoteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, "delete", http.MethodDelete, "delete_task/"+url.PathEscape(taskID), nil, nil)
}

// wireTask is a task entry as the service reports it. The id arrives as
// either id or task_id. Result may be any JSON value; non-strings are kept
// as their JSON text.
type wireTask struct {
	ID     string          `json:"id"`
	TaskID string          `json:"task_id"`
	Status *string         `json:"status"`
	Result json.RawMessage `json:"result"`
}

func (w wireTask) id() string {
	if w.ID != "" {
		return w.ID
	}
	return w.TaskID
}

func (w wireTask) snapshot(fallback domain.Status) domain.Snapshot {
	s := domain.Snapshot{ID: w.id(), Status: fallback, Result: resultText(w.Result)}
	if w.Status != nil {
		s.Status = domain.ParseStatus(*w.Status)
	}
	return s
}

func resultText(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	text := string(raw)
	return &text
}

func (c *Client) FetchTaskStatus(ctx context.Context, taskID string) (domain.Snapshot, error) {
	var resp wireTask
	if err := c.do(ctx, "task_status", http.MethodGet, "task_status/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return domain.Snapshot{}, err
	}
	if resp.Status == nil {
		return domain.Snapshot{}, &domain.RequestError{Op: "task_status", Err: errors.New("response has no status")}
	}
	resp.ID = taskID
	return resp.snapshot(domain.Status{}), nil
}

// FetchAllKnownTasks lists every task the service tracks. Entries without a
// status take the one implied by the list they appear in.
func (c *Client) FetchAllKnownTasks(ctx context.Context) ([]domain.Snapshot, error) {
	var resp struct {
		Progress []wireTask `json:"progress_tasks"`
		Pending  []wireTask `json:"pending_tasks"`
		Done     []wireTask `json:"done_tasks"`
	}
	if err := c.do(ctx, "all_progress_tasks", http.MethodGet, "all_progress_tasks", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Snapshot, 0, len(resp.Progress)+len(resp.Pending)+len(resp.Done))
	for _, list := range []struct {
		items  []wireTask
		status domain.Status
	}{
		{resp.Pending, domain.Pending},
		{resp.Progress, domain.InProgress},
		{resp.Done, domain.Done},
	} {
		for _, w := range list.items {
			if w.id() == "" {
				continue
			}
			out = append(out, w.snapshot(list.status))
		}
	}
	return out, nil
}

// Health pings the service.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "health", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return &domain.RequestError{Op: op, Err: err}
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return &domain.RequestError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	c.Log.Debug("request", zap.String("op", op), zap.String("method", method), zap.String("url", target))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &domain.RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &domain.RequestError{Op: op, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.RequestError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
