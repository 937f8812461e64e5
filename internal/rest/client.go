// Package rest is the HTTP client for the chat server endpoints the sync
// core depends on: message pages, mark-read, edit, delete, public keys and
// device key escrow.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/matheus3301/sealdm/internal/keys"
	"github.com/matheus3301/sealdm/internal/model"
	"github.com/matheus3301/sealdm/internal/wire"
)

const defaultTimeout = 15 * time.Second

// ErrUnauthorized is returned on 401/403 responses.
var ErrUnauthorized = errors.New("rest: unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to the REST API with a bearer token.
type Client struct {
	base   string
	http   *fasthttp.Client
	logger *zap.Logger

	mu    sync.RWMutex
	token string
}

// New creates a client for baseURL (scheme://host[:port]).
func New(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &fasthttp.Client{
			Name:                "sealdm",
			ReadTimeout:         defaultTimeout,
			WriteTimeout:        defaultTimeout,
			MaxIdleConnDuration: time.Minute,
		},
		logger: logger,
	}
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ListMessages fetches one page of a room's history. fresh bypasses any
// intermediate HTTP cache.
func (c *Client) ListMessages(ctx context.Context, room string, page, pageSize int, fresh bool) (model.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	path := "/api/chat/rooms/" + url.PathEscape(room) + "/messages/?" + q.Encode()

	var out wire.Page
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &out, fresh); err != nil {
		return model.Page{}, err
	}
	return out.ToModel(), nil
}

// MarkRead flags ids read on the server.
func (c *Client) MarkRead(ctx context.Context, room string, ids []string) error {
	path := "/api/chat/rooms/" + url.PathEscape(room) + "/mark_read/"
	return c.do(ctx, fasthttp.MethodPost, path, wire.MarkReadRequest{MessageIDs: ids}, nil, false)
}

// EditMessage replaces a message body and returns the server's copy.
func (c *Client) EditMessage(ctx context.Context, id string, edit model.Edit) (*model.Message, error) {
	var out wire.Message
	if err := c.do(ctx, fasthttp.MethodPatch, messagePath(id), wire.NewEditRequest(edit), &out, false); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return out.ToModel(), nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, fasthttp.MethodDelete, messagePath(id), nil, nil, false)
}

// PublicKey returns a user's PEM public key.
func (c *Client) PublicKey(ctx context.Context, userID string) (string, error) {
	var out wire.PublicKeyResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/api/users/"+url.PathEscape(userID)+"/public_key/", nil, &out, false); err != nil {
		return "", err
	}
	if out.PublicKey == "" {
		return "", fmt.Errorf("rest: user %s has no public key", userID)
	}
	return out.PublicKey, nil
}

// RegisterDevice uploads a device's public key and wrapped private key.
func (c *Client) RegisterDevice(ctx context.Context, reg keys.DeviceRegistration) error {
	return c.do(ctx, fasthttp.MethodPost, "/api/devices/", reg, nil, false)
}

// FetchPrivateKey downloads another device's wrapped private key.
func (c *Client) FetchPrivateKey(ctx context.Context, deviceID string) (keys.Blob, error) {
	var out keys.Blob
	if err := c.do(ctx, fasthttp.MethodGet, "/api/devices/"+url.PathEscape(deviceID)+"/private_key/", nil, &out, false); err != nil {
		return keys.Blob{}, err
	}
	return out, nil
}

func messagePath(id string) string {
	return "/api/chat/messages/" + url.PathEscape(id) + "/"
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, fresh bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if tok := c.bearer(); tok != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+tok)
	}
	if fresh {
		req.Header.Set(fasthttp.HeaderCacheControl, "no-cache")
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("rest: encode %s %s: %w", method, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(body)
	}

	deadline := time.Now().Add(defaultTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	start := time.Now()
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	code := resp.StatusCode()
	c.logger.Debug("rest call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", code),
		zap.Duration("took", time.Since(start)))

	if code == fasthttp.StatusUnauthorized || code == fasthttp.StatusForbidden {
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	}
	if code < 200 || code >= 300 {
		return &StatusError{Method: method, Path: path, Code: code, Body: truncate(string(resp.Body()), 200)}
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("rest: decode %s %s: %w", method, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
