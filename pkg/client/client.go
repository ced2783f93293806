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
	"strconv"
	"sync"
	"time"
)

// adminHeader carries the operator secret; it matches the controller.
const adminHeader = "X-Casa-Admin"

// ErrNoSession is returned by Submit before Identify has been called.
var ErrNoSession = errors.New("no session: call Identify first")

// Session is an open controller session.
type Session struct {
	ID      string `json:"session_id"`
	ActorID string `json:"actor"`
	Token   string `json:"token,omitempty"`
}

// Command is a device-control command.
type Command struct {
	Room      string `json:"room"`
	Device    string `json:"device"`
	Value     uint8  `json:"value"`
	ForceSeal bool   `json:"force_seal,omitempty"`
}

// Decision is the controller's verdict on a command.
type Decision struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason"`
	ActorID    string `json:"actor_id,omitempty"`
}

// Transaction is one recorded command.
type Transaction struct {
	Actor      string    `json:"actor"`
	Room       string    `json:"room"`
	Device     string    `json:"device"`
	Value      uint8     `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Authorized bool      `json:"authorized"`
}

// Receipt says where a command was recorded.
type Receipt struct {
	BlockIndex  uint64      `json:"block_index"`
	Slot        int         `json:"slot"`
	Transaction Transaction `json:"transaction"`
}

// CommandResult is the outcome of Submit.
type CommandResult struct {
	Decision Decision `json:"decision"`
	Receipt  *Receipt `json:"receipt,omitempty"`
	Actuated bool     `json:"actuated"`
}

// Block is one ledger block as reported by the controller.
type Block struct {
	Index        uint64        `json:"index"`
	SealedAt     time.Time     `json:"sealed_at"`
	Hash         string        `json:"hash"`
	Sealed       bool          `json:"sealed"`
	Count        int           `json:"count"`
	Transactions []Transaction `json:"transactions,omitempty"`
	Previous     *Block        `json:"previous,omitempty"`
}

// Overview summarises the controller's ledger.
type Overview struct {
	Height           uint64 `json:"height"`
	Root             string `json:"root"`
	OpenTransactions int    `json:"open_transactions"`
	Capacity         int    `json:"capacity"`
	Archived         *int   `json:"archived,omitempty"`
}

// Client talks to one casad instance.
type Client struct {
	base        string
	httpClient  *http.Client
	adminSecret string

	mu      sync.Mutex
	session *Session
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithAdminSecret attaches the operator secret to admin calls.
func WithAdminSecret(secret string) Option {
	return func(c *Client) error {
		c.adminSecret = secret
		return nil
	}
}

// WithSession reuses a session obtained earlier, for example one saved by
// the CLI between invocations.
func WithSession(s Session) Option {
	return func(c *Client) error {
		if s.ID == "" {
			return fmt.Errorf("session id is empty")
		}
		c.session = &s
		return nil
	}
}

// New creates a Client for the controller at base.
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Session returns the current session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Identify opens a session for actor and keeps it for later calls.
func (c *Client) Identify(ctx context.Context, actor string) (*Session, error) {
	var s Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/sessions", map[string]string{"actor": actor}, &s); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()
	return &s, nil
}

// Close ends the current session on the controller.
func (c *Client) Close(ctx context.Context) error {
	s := c.Session()
	if s == nil {
		return ErrNoSession
	}
	path := "/api/v1/sessions"
	if s.Token == "" {
		path += "/" + url.PathEscape(s.ID)
	}
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return nil
}

// Submit sends cmd under the current session. Denied commands are returned
// without an error; check Decision.Authorized.
func (c *Client) Submit(ctx context.Context, cmd Command) (*CommandResult, error) {
	s := c.Session()
	if s == nil {
		return nil, ErrNoSession
	}

	body := struct {
		Command
		Session string `json:"session_id,omitempty"`
	}{Command: cmd}
	if s.Token == "" {
		body.Session = s.ID
	}

	return c.submit(ctx, "/api/v1/commands", body)
}

// SubmitAs records cmd on behalf of actor without a session. It requires
// the admin secret (WithAdminSecret).
func (c *Client) SubmitAs(ctx context.Context, actor string, cmd Command) (*CommandResult, error) {
	body := struct {
		Command
		Actor string `json:"actor"`
	}{Command: cmd, Actor: actor}
	return c.submit(ctx, "/api/v1/admin/commands", body)
}

func (c *Client) submit(ctx context.Context, path string, body any) (*CommandResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	status, raw, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusForbidden {
		return nil, statusError(status, req.URL.Path, raw)
	}
	var res CommandResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode command result: %w", err)
	}
	return &res, nil
}

// Overview returns the ledger summary.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var o Overview
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Verify asks the controller to check its chain. It returns nil when the
// chain is intact.
func (c *Client) Verify(ctx context.Context) error {
	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/verify", nil, &resp); err != nil {
		return err
	}
	if !resp.Valid {
		return fmt.Errorf("ledger integrity violation: %s", resp.Error)
	}
	return nil
}

// Snapshot returns the chain from the head block.
func (c *Client) Snapshot(ctx context.Context, ancestors, transactions bool) (*Block, error) {
	q := url.Values{}
	q.Set("ancestors", strconv.FormatBool(ancestors))
	q.Set("transactions", strconv.FormatBool(transactions))

	var b Block
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/snapshot?"+q.Encode(), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBlock returns one block with its transactions.
func (c *Client) GetBlock(ctx context.Context, index uint64) (*Block, error) {
	var b Block
	path := "/api/v1/ledger/blocks/" + strconv.FormatUint(index, 10)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Seal closes the open block. It returns nil when the block was empty.
// Requires WithAdminSecret.
func (c *Client) Seal(ctx context.Context) (*Block, error) {
	var resp struct {
		Sealed *Block `json:"sealed"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/ledger/seal", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sealed, nil
}

// Rooms lists the rooms in which actor may operate at least one device.
func (c *Client) Rooms(ctx context.Context, actor string) ([]string, error) {
	var resp struct {
		Rooms []string `json:"rooms"`
	}
	path := "/api/v1/actors/" + url.PathEscape(actor) + "/rooms"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// Check evaluates a command without recording it.
func (c *Client) Check(ctx context.Context, actor, room, device string) (*Decision, error) {
	var d Decision
	path := fmt.Sprintf("/api/v1/actors/%s/rooms/%s/devices/%s",
		url.PathEscape(actor), url.PathEscape(room), url.PathEscape(device))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	raw, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, statusError(status, req.URL.Path, body)
	}
	return body, nil
}

// doStatusBody performs the call and returns (statusCode, body, error)
// without failing on 4xx responses. The caller interprets the status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	if s := c.Session(); s != nil && s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	if c.adminSecret != "" {
		req.Header.Set(adminHeader, c.adminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func statusError(status int, path string, body []byte) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s", path)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("unauthorized: %s", string(body))
	default:
		return fmt.Errorf("server error %d: %s", status, string(body))
	}
}
