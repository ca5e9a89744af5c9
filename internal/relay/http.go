package relay

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
	"sync"

	"murmur/internal/domain"
	"murmur/internal/protocol/api"
	"murmur/internal/protocol/wire"
)

// HTTP is the request/response client of the relay: account registry,
// HTTP message fallback and the store-and-forward object namespace.
type HTTP struct {
	Base string
	HTTP *http.Client

	mu      sync.RWMutex
	session domain.Session
}

// NewHTTP returns a client for the relay at base. A nil hc uses http.DefaultClient.
func NewHTTP(base string, hc *http.Client) *HTTP {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTP{Base: strings.TrimRight(base, "/"), HTTP: hc}
}

// Session returns the current relay session, if any.
func (c *HTTP) Session() (domain.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.session.Token != ""
}

// ClearSession forgets the session token.
func (c *HTTP) ClearSession() {
	c.mu.Lock()
	c.session = domain.Session{}
	c.mu.Unlock()
}

// Health reports whether the relay answers at all. It is the connectivity
// probe of the client runtime.
func (c *HTTP) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, api.PathHealth, false, nil, nil)
}

// Register creates an account. The returned secret is the only credential
// for Authenticate and must be stored by the caller.
func (c *HTTP) Register(ctx context.Context, reg domain.Registration) (domain.RegistrationResult, error) {
	var out domain.RegistrationResult
	err := c.do(ctx, http.MethodPost, api.PathRegister, false, reg, &out)
	return out, err
}

// Authenticate exchanges credentials for a session token and keeps it for
// subsequent authenticated calls.
func (c *HTTP) Authenticate(ctx context.Context, creds domain.Credentials) (domain.Session, error) {
	var out domain.Session
	if err := c.do(ctx, http.MethodPost, api.PathAuthenticate, false, creds, &out); err != nil {
		return domain.Session{}, err
	}
	c.mu.Lock()
	c.session = out
	c.mu.Unlock()
	return out, nil
}

// LookupUser resolves a handle. A missing account fails with
// domain.ErrRegistryLookupFailed.
func (c *HTTP) LookupUser(ctx context.Context, handle domain.Handle) (domain.PeerRecord, error) {
	var out domain.PeerRecord
	err := c.do(ctx, http.MethodGet, api.PathUsers+"/"+url.PathEscape(handle.String()), false, nil, &out)
	return out, err
}

// SearchUsers matches query against handles and display names.
func (c *HTTP) SearchUsers(ctx context.Context, query string) ([]domain.PeerRecord, error) {
	var out api.UsersResponse
	err := c.do(ctx, http.MethodGet, api.PathUsers+"?q="+url.QueryEscape(query), false, nil, &out)
	return out.Users, err
}

// SendMessage posts an envelope through the HTTP fallback.
func (c *HTTP) SendMessage(ctx context.Context, env domain.Envelope) (domain.AckStatus, error) {
	var out api.SendMessageResponse
	if err := c.do(ctx, http.MethodPost, api.PathMessages, true, wire.FromEnvelope(env), &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// FetchPending drains the server-side queue of messages for this account.
func (c *HTTP) FetchPending(ctx context.Context) ([]domain.Envelope, error) {
	var out api.PendingResponse
	if err := c.do(ctx, http.MethodGet, api.PathPending, true, nil, &out); err != nil {
		return nil, err
	}
	envs := make([]domain.Envelope, 0, len(out.Messages))
	for _, m := range out.Messages {
		envs = append(envs, m.Envelope())
	}
	return envs, nil
}

// PutObject uploads obj.Blob under obj.Key.
func (c *HTTP) PutObject(ctx context.Context, obj domain.StoredObject) error {
	return c.do(ctx, http.MethodPut, objectPath(obj.Key), true, api.PutObjectRequest{Blob: obj.Blob}, nil)
}

// ListObjects returns object metadata under prefix.
func (c *HTTP) ListObjects(ctx context.Context, prefix string) ([]domain.StoredObject, error) {
	var out api.ObjectsResponse
	err := c.do(ctx, http.MethodGet, api.PathObjects+"?prefix="+url.QueryEscape(prefix), true, nil, &out)
	return out.Objects, err
}

// GetObject downloads one object including its blob.
func (c *HTTP) GetObject(ctx context.Context, key string) (domain.StoredObject, error) {
	var out domain.StoredObject
	err := c.do(ctx, http.MethodGet, objectPath(key), true, nil, &out)
	return out, err
}

// DeleteObject removes one object.
func (c *HTTP) DeleteObject(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, objectPath(key), true, nil, nil)
}

func objectPath(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return api.PathObjects + "/" + strings.Join(parts, "/")
}

func (c *HTTP) do(ctx context.Context, method, path string, authed bool, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		sess, ok := c.Session()
		if !ok {
			return fmt.Errorf("relay %s %s: %w", strings.ToLower(method), path, domain.ErrNotAuthenticated)
		}
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s %s: %w: %v", strings.ToLower(method), path, domain.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	var env api.Response
	decErr := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env)
	if resp.StatusCode/100 != 2 || decErr != nil || !env.Success {
		return c.failure(method, path, resp, env, decErr)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *HTTP) failure(method, path string, resp *http.Response, env api.Response, decErr error) error {
	op := fmt.Sprintf("relay %s %s", strings.ToLower(method), path)
	if env.Error != nil {
		if mapped := api.Err(env.Error.Code); mapped != nil {
			if errors.Is(mapped, domain.ErrNotAuthenticated) {
				c.ClearSession()
			}
			return fmt.Errorf("%s: %w", op, mapped)
		}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", op, domain.ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized:
		c.ClearSession()
		return fmt.Errorf("%s: %w", op, domain.ErrNotAuthenticated)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: %w: %s", op, domain.ErrTransportUnavailable, resp.Status)
	case decErr != nil:
		return fmt.Errorf("%s: %s: %v", op, resp.Status, decErr)
	case env.Error != nil:
		return fmt.Errorf("%s: %s: %s", op, resp.Status, env.Error.Message)
	}
	return fmt.Errorf("%s: %s", op, resp.Status)
}

// Compile-time assertions that HTTP implements the relay client interfaces.
var (
	_ domain.RelayAPI     = (*HTTP)(nil)
	_ domain.ObjectClient = (*HTTP)(nil)
)
