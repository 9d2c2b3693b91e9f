package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/timelinesync/internal/models"
	"example.com/timelinesync/internal/syncerr"
	"golang.org/x/time/rate"
)

// ClientOptions configures the HTTP client shared by the adapters.
type ClientOptions struct {
	BaseURL     string
	HTTPClient  *http.Client
	RatePerSec  float64
	Burst       int
	Credentials *Credentials
	// StaticToken is used when no per-account token is registered.
	StaticToken string
}

type client struct {
	baseURL string
	hc      *http.Client
	limiter *rate.Limiter
	creds   *Credentials
	static  string
}

func newClient(opts ClientOptions) *client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		hc:      hc,
		limiter: rate.NewLimiter(limit, burst),
		creds:   opts.Credentials,
		static:  opts.StaticToken,
	}
}

func (c *client) tokenFor(ctx context.Context, account models.AccountKey) string {
	if c.creds != nil {
		if t := c.creds.Token(ctx, account); t != "" {
			return t
		}
	}
	return c.static
}

type call struct {
	op          string
	method      string
	path        string
	query       url.Values
	token       string
	body        io.Reader
	contentType string
}

// do performs one request and decodes a 2xx JSON body into out. Failures come
// back as *syncerr.TransportError or *syncerr.DecodeError; there is no retry
// here.
func (c *client) do(ctx context.Context, r call, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &syncerr.TransportError{Op: r.op, Err: err}
	}

	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, r.body)
	if err != nil {
		return nil, &syncerr.TransportError{Op: r.op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &syncerr.TransportError{Op: r.op, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp.Header, &syncerr.TransportError{Op: r.op, StatusCode: resp.StatusCode, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		msg := errPayload.Error
		if msg == "" {
			msg = errPayload.Detail
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return resp.Header, &syncerr.TransportError{Op: r.op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	if out == nil || len(payload) == 0 {
		return resp.Header, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return resp.Header, &syncerr.DecodeError{Op: r.op, Err: err}
	}
	return resp.Header, nil
}

func (c *client) getJSON(ctx context.Context, op, path string, q url.Values, token string, out any) (http.Header, error) {
	return c.do(ctx, call{op: op, method: http.MethodGet, path: path, query: q, token: token}, out)
}

// retry runs fn up to attempts times while it fails with a retryable
// transport error, backing off exponentially between attempts.
func retry(ctx context.Context, attempts int, base time.Duration, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var te *syncerr.TransportError
		if !errors.As(err, &te) || !te.Retryable() || attempt == attempts {
			return err
		}
		logg.Warn("backend", fmt.Sprintf("%s failed, retrying (attempt %d/%d)", op, attempt, attempts), err)
		select {
		case <-ctx.Done():
			return &syncerr.TransportError{Op: op, Err: ctx.Err()}
		case <-time.After(base << (attempt - 1)):
		}
	}
	return err
}
