package httpstore

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

	"github.com/Wyydra/yacall/internal/core/domain"
)

const defaultTimeout = 10 * time.Second

// ErrorBody is the error shape the call API responds with.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes shared with the server handlers.
const (
	CodeNotFound     = "not_found"
	CodeRegression   = "status_regression"
	CodeInvalid      = "invalid"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// CodeErrors maps API codes onto domain sentinels.
var CodeErrors = map[string]error{
	CodeNotFound:     domain.ErrCallNotFound,
	CodeRegression:   domain.ErrStatusRegression,
	CodeInvalid:      domain.ErrInvalidCall,
	CodeUnauthorized: domain.ErrUnauthorized,
}

// Client is a port.CallStore backed by the signaling server's call API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New builds a client for baseURL. token, if set, is sent as a bearer token.
func New(baseURL, token string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("store url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("store url %q: scheme must be http or https", baseURL)
	}
	return &Client{base: u, token: token, http: &http.Client{Timeout: defaultTimeout}}, nil
}

func (c *Client) Create(ctx context.Context, call domain.CallAttempt) error {
	return c.do(ctx, http.MethodPost, "/calls", call, nil)
}

func (c *Client) Update(ctx context.Context, id domain.CallID, u domain.StatusUpdate) (domain.CallAttempt, error) {
	var call domain.CallAttempt
	err := c.do(ctx, http.MethodPatch, "/calls/"+id.String(), u, &call)
	return call, err
}

func (c *Client) Get(ctx context.Context, id domain.CallID) (domain.CallAttempt, error) {
	var call domain.CallAttempt
	err := c.do(ctx, http.MethodGet, "/calls/"+id.String(), nil, &call)
	return call, err
}

func (c *Client) ActiveByChat(ctx context.Context, chatID domain.ChatID) (domain.CallAttempt, error) {
	var call domain.CallAttempt
	err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID.String())+"/calls/active", nil, &call)
	return call, err
}

func (c *Client) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallAttempt, error) {
	var calls []domain.CallAttempt
	path := "/users/" + url.PathEscape(userID.String()) + "/calls?limit=" + strconv.Itoa(limit)
	err := c.do(ctx, http.MethodGet, path, nil, &calls)
	return calls, err
}

func (c *Client) Delete(ctx context.Context, id domain.CallID) error {
	return c.do(ctx, http.MethodDelete, "/calls/"+id.String(), nil, nil)
}

func (c *Client) AppendSignal(ctx context.Context, sig domain.SignalRecord) error {
	return c.do(ctx, http.MethodPost, "/calls/"+sig.CallID.String()+"/signals", sig, nil)
}

func (c *Client) Signals(ctx context.Context, id domain.CallID) ([]domain.SignalRecord, error) {
	var sigs []domain.SignalRecord
	err := c.do(ctx, http.MethodGet, "/calls/"+id.String()+"/signals", nil, &sigs)
	return sigs, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
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
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		if sentinel, ok := CodeErrors[e.Code]; ok {
			return fmt.Errorf("%s %s: %s: %w", method, path, e.Error, sentinel)
		}
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
