// Package backend implements the gateway's one outbound collaborator: the
// CMS backend that issues authentication decisions and receives presence
// webhooks. It purposefully does nothing clever — one POST, one constant
// time secret comparison — the caller owns all retry policy.
package backend

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/casmbu/nodejs-gateway/internal/resilience"
	"github.com/casmbu/nodejs-gateway/internal/telemetry"
	"github.com/pitabwire/util"
)

// Config describes how to reach the backend and how to guard the call.
type Config struct {
	// URL is the full backend message endpoint, e.g.
	// "http://localhost:80/nodejs/message".
	URL string

	// ServiceKey is compared in constant time against the
	// NodejsServiceKey header on every inbound admin request. An empty
	// ServiceKey disables the check (accept everything).
	ServiceKey string

	// BasicAuthUser / BasicAuthPass, if both non-empty, attach a Basic
	// Authorization header to the outbound POST.
	BasicAuthUser string
	BasicAuthPass string

	// StrictSSL, when the backend URL is HTTPS, controls whether
	// certificate verification is enforced.
	StrictSSL bool

	// RequestTimeout bounds a single outbound call.
	RequestTimeout time.Duration

	// CircuitBreaker guards the call against a backend that has gone
	// fully unresponsive, see Client doc comment.
	CircuitBreaker resilience.Settings
}

// Response is the backend's decoded JSON reply to a message POST.
type Response struct {
	// Error, when non-empty, marks the call as rejected regardless of
	// HTTP status.
	Error string `json:"error,omitempty"`

	// NodejsValidAuthToken must be exactly true for an authenticate call
	// to be considered accepted.
	NodejsValidAuthToken bool `json:"nodejsValidAuthToken"`

	// ClientID echoes the socket id the backend was told about.
	ClientID string `json:"clientId,omitempty"`

	// UID is the numeric user id; 0 means anonymous.
	UID int64 `json:"uid,omitempty"`

	// Channels is the set of channel names this identity may join.
	Channels []string `json:"channels,omitempty"`

	// PresenceUids is the set of uids this identity is allowed to
	// observe presence for.
	PresenceUids []int64 `json:"presenceUids,omitempty"`

	// ContentTokens maps a token channel name to the one-use token this
	// identity was issued for it.
	ContentTokens map[string]string `json:"contentTokens,omitempty"`

	// AuthToken is the opaque token this identity was authenticated
	// under; echoed back so it can key the identity cache.
	AuthToken string `json:"authToken,omitempty"`

	// Attachments preserves any field the backend sent that the gateway
	// does not itself interpret, so extensions can still see it.
	Attachments map[string]any `json:"-"`
}

// UnmarshalJSON decodes the known fields and stashes everything else in
// Attachments, per the "dynamically shaped auth payload" design note: the
// backend's response schema is owned by the CMS, not the gateway.
func (r *Response) UnmarshalJSON(data []byte) error {
	type known Response
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for _, field := range []string{
		"error", "nodejsValidAuthToken", "clientId", "uid", "channels",
		"presenceUids", "contentTokens", "authToken",
	} {
		delete(raw, field)
	}

	*r = Response(k)
	r.Attachments = raw
	return nil
}

// Client POSTs messages to the backend and checks the shared service key.
//
// Every call is wrapped in a CircuitBreaker (see internal/resilience): after
// a run of consecutive failed calls (a transport error, a non-2xx status, a
// body that is not JSON, or a reply carrying an error field) the breaker
// opens and further
// calls fail fast with resilience.ErrCircuitOpen until the reset timeout
// elapses. This never retries a call on the caller's behalf — it only
// short-circuits later, independent calls — so it does not contradict the
// "never retries" contract; callers treat a circuit-open error exactly like
// any other sendToBackend failure.
type Client struct {
	cfg    Config
	http   *http.Client
	breaker *resilience.CircuitBreaker
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{}
	if strings.HasPrefix(strings.ToLower(cfg.URL), "https://") {
		//nolint:gosec // StrictSSL is an explicit operator opt-out, not a default
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.StrictSSL}
	}

	settings := cfg.CircuitBreaker
	if settings.Name == "" {
		settings = resilience.DefaultSettings("backend-client")
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout, Transport: transport},
		breaker: resilience.NewCircuitBreaker(settings),
	}
}

// Send POSTs message, JSON-encoded into the messageJson form field, along
// with the configured service key, to the backend. It never retries; a
// caller that wants a retry issues a second Send.
func (c *Client) Send(ctx context.Context, message any) (*Response, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	form := url.Values{}
	form.Set("messageJson", string(body))
	form.Set("serviceKey", c.cfg.ServiceKey)

	start := time.Now()
	var resp *Response
	err = c.breaker.Execute(func() error {
		var sendErr error
		resp, sendErr = c.doSend(ctx, form)
		return sendErr
	})
	telemetry.BackendLatencyHistogram.Record(ctx, float64(time.Since(start).Milliseconds()))

	if err != nil {
		util.Log(ctx).WithError(err).Warn("backend call failed")
		return nil, err
	}
	return resp, nil
}

func (c *Client) doSend(ctx context.Context, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.URL, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if c.cfg.BasicAuthUser != "" && c.cfg.BasicAuthPass != "" {
		req.SetBasicAuth(c.cfg.BasicAuthUser, c.cfg.BasicAuthPass)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer httpResp.Body.Close()

	rawBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading backend response: %w", err)
	}

	switch httpResp.StatusCode {
	case http.StatusNotFound, http.StatusMovedPermanently:
		return nil, fmt.Errorf("backend responded with status %d", httpResp.StatusCode)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend responded with status %d", httpResp.StatusCode)
	}

	var decoded Response
	if err := json.Unmarshal(rawBody, &decoded); err != nil {
		return nil, fmt.Errorf("backend response was not JSON: %w", err)
	}

	if decoded.Error != "" {
		return &decoded, fmt.Errorf("backend returned error: %s", decoded.Error)
	}

	return &decoded, nil
}

// CheckServiceKey compares presented against the configured service key in
// constant time. If no service key is configured the check always passes —
// that is an operator choice to disable admin auth, not a gateway default.
//
// crypto/subtle.ConstantTimeCompare already implements exactly the
// XOR-accumulate-across-equal-length-positions algorithm a timing-safe
// secret comparison needs; it is the standard library's dedicated
// primitive for this, so it is used directly rather than hand-rolled
// (see DESIGN.md).
func (c *Client) CheckServiceKey(presented string) bool {
	if c.cfg.ServiceKey == "" {
		return true
	}
	if len(presented) != len(c.cfg.ServiceKey) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(c.cfg.ServiceKey)) == 1
}
