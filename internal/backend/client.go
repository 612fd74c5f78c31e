// Package backend talks to the job queue HTTP API: paginated job listing and
// the submit/confirm/retry actions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jobdeck/internal/config"
	"jobdeck/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	defaultOrder    = "desc"
	defaultTimeout  = 10 * time.Second
)

// Client is a backend API client. It is safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	pageSize int
	order    string
	timeout  time.Duration
	log      *zap.Logger
}

// Page is one listing response.
type Page struct {
	Jobs       []model.Job
	NextCursor string
	HasMore    bool
}

// RequestError is returned for non-success HTTP responses.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("http %d: %s: %s", e.StatusCode, code, message)
	case code != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// RateLimited reports whether the backend rejected the call with 429.
func (e *RequestError) RateLimited() bool {
	return e != nil && e.StatusCode == http.StatusTooManyRequests
}

// Retryable reports whether the same call may succeed later.
func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// New creates a client for cfg.APIURL. A nil httpClient gets a default one
// with a cookie jar, so session cookies set by the backend are sent back.
func New(cfg config.Config, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		jar, _ := cookiejar.New(nil)
		httpClient = &http.Client{Jar: jar}
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		baseURL:  strings.TrimRight(cfg.APIURL, "/"),
		client:   httpClient,
		pageSize: cfg.PageSize,
		order:    strings.TrimSpace(cfg.PageOrder),
		timeout:  cfg.RequestTimeout,
		log:      log,
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.order == "" {
		c.order = defaultOrder
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	return c
}

// FetchPage requests one page of jobs. An empty cursor asks for the newest
// page. Rows without an identifier are dropped.
func (c *Client) FetchPage(ctx context.Context, cursor string) (Page, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.pageSize))
	query.Set("order", c.order)
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		query.Set("cursor", cursor)
	}

	body, err := c.request(ctx, http.MethodGet, "/jobs", query, nil)
	if err != nil {
		return Page{}, err
	}

	rows, meta, err := decodeListing(body)
	if err != nil {
		return Page{}, err
	}

	page := Page{
		Jobs:       make([]model.Job, 0, len(rows)),
		NextCursor: meta.NextCursor,
		HasMore:    meta.HasMore,
	}
	for _, row := range rows {
		job := model.Normalize(row)
		if job.ID == "" {
			c.log.Debug("Dropping job row without identifier", zap.Any("row", row))
			continue
		}
		page.Jobs = append(page.Jobs, job)
	}
	return page, nil
}

// SubmitRequest is the body of the submit endpoints.
type SubmitRequest struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
}

var submitPaths = map[model.ActionKind]string{
	model.ActionSend:   "/jobs/ingest",
	model.ActionPickup: "/jobs/pickup",
	model.ActionReply:  "/jobs/reply",
}

// Submit posts a new job for the given action. When the backend answers with a
// job row, it is returned; otherwise the row is nil.
func (c *Client) Submit(ctx context.Context, kind model.ActionKind, req SubmitRequest) (map[string]interface{}, error) {
	path, ok := submitPaths[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported submit action %q", kind)
	}
	body, err := c.request(ctx, http.MethodPost, path, nil, req)
	if err != nil {
		return nil, err
	}
	return decodeRow(body), nil
}

// Confirm marks a processing job as confirmed.
func (c *Client) Confirm(ctx context.Context, id string) error {
	return c.patchWorker(ctx, "confirm", id)
}

// Retry re-queues a job.
func (c *Client) Retry(ctx context.Context, id string) error {
	return c.patchWorker(ctx, "retry", id)
}

func (c *Client) patchWorker(ctx context.Context, op, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	_, err := c.request(ctx, http.MethodPatch, "/worker/"+op+"/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	requestID := ulid.Make().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("Backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	c.log.Debug("Backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
		zap.String("request_id", requestID),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, requestError(resp.StatusCode, payload)
	}
	return payload, nil
}

func requestError(status int, payload []byte) *RequestError {
	re := &RequestError{StatusCode: status}
	var env map[string]interface{}
	if err := json.Unmarshal(payload, &env); err == nil {
		switch e := env["error"].(type) {
		case map[string]interface{}:
			re.Code, _ = e["code"].(string)
			re.Message, _ = e["message"].(string)
		case string:
			re.Code = e
			re.Message, _ = env["message"].(string)
		}
		if re.Code != "" || re.Message != "" {
			return re
		}
	}
	re.Code = fmt.Sprintf("HTTP_%d", status)
	re.Message = strings.TrimSpace(string(payload))
	return re
}
