package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/authsdk"
	"github.com/aussiebroadwan/tabconsole/pkg/slogx"
	"golang.org/x/time/rate"
)

// Executor sends API requests with the current access token attached. Before
// sending it makes sure the token is fresh; if the server still says no, it
// renews once and tries again.
type Executor struct {
	Coordinator *Coordinator
	HTTPClient  *http.Client

	// BaseURL is prepended to relative paths passed to DoJSON.
	BaseURL string

	// Limiter, if set, is waited on before every outgoing request (retries
	// included).
	Limiter *rate.Limiter

	// IsRejected decides whether a response means the token was refused.
	// Defaults to a plain 401 check.
	IsRejected func(*http.Response) bool

	Logger  *slog.Logger
	Metrics *Metrics
}

func NewExecutor(c *Coordinator, baseURL string) *Executor {
	return &Executor{
		Coordinator: c,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Logger:      c.logger,
		Metrics:     c.opts.Metrics,
	}
}

// Do sends req with a bearer token. The request body (if any) is read up
// front so it can be replayed on the retry.
//
// A second rejection in a row returns ErrAuthFailure wrapping
// ErrCredentialRejected and leaves the store alone; the session is only
// cleared by a failed refresh.
func (e *Executor) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := replayable(req); err != nil {
		return nil, err
	}

	cred, err := e.Coordinator.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := e.send(ctx, req, cred)
	if err != nil {
		return nil, err
	}
	if !e.rejected(resp) {
		return resp, nil
	}
	drain(resp)

	e.Metrics.reactiveRetry()
	e.logger(ctx).Debug("access token rejected, renewing",
		"method", req.Method, "url", req.URL.String())

	cred, err = e.Coordinator.Renew(ctx, cred)
	if err != nil {
		return nil, err
	}

	resp, err = e.send(ctx, req, cred)
	if err != nil {
		return nil, err
	}
	if e.rejected(resp) {
		drain(resp)
		return nil, fmt.Errorf("%w: %w", ErrAuthFailure, ErrCredentialRejected)
	}
	return resp, nil
}

// DoJSON is Do for JSON APIs. in is encoded as the body when non-nil, and a
// 2xx response is decoded into out when out is non-nil. Non-2xx responses
// come back as *authsdk.OAuth2Error.
func (e *Executor) DoJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = e.BaseURL + "/" + strings.TrimLeft(path, "/")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// DecodeJSON turns a status mismatch into the typed error
		return authsdk.DecodeJSON(resp, nil, http.StatusOK)
	}
	return authsdk.DecodeJSON(resp, out, resp.StatusCode)
}

func (e *Executor) send(ctx context.Context, req *http.Request, cred Credential) (*http.Response, error) {
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+cred.AccessToken())

	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(r)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}
	return resp, nil
}

func (e *Executor) rejected(resp *http.Response) bool {
	if e.IsRejected != nil {
		return e.IsRejected(resp)
	}
	return resp.StatusCode == http.StatusUnauthorized
}

// logger prefers a request-scoped logger carried in ctx.
func (e *Executor) logger(ctx context.Context) *slog.Logger {
	if l := slogx.FromContext(ctx); l != slog.Default() {
		return l
	}
	return slogx.OrDefault(e.Logger)
}

// replayable makes sure req.GetBody is set so the body can be sent twice.
// http.NewRequest already does this for the common in-memory readers.
func replayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}

	buf, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}

	req.Body = io.NopCloser(bytes.NewReader(buf))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	return nil
}

// drain lets the connection be reused before we throw the response away.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
