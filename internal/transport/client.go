// FilePath: internal/transport/client.go
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-resty/resty/v2"
	"github.com/hqbc/devrec/internal/config"
	"github.com/hqbc/devrec/internal/errors"
	"github.com/hqbc/devrec/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

// Client wraps every outbound call to the backend: it injects the
// bearer token from the session store, validates the response envelope
// at the boundary and maps failures onto the client error taxonomy.
// A 401 clears the session before the error is returned.
type Client struct {
	rc      *resty.Client
	session TokenSession
}

// TokenSession is the slice of the session store the transport needs
type TokenSession interface {
	Token() string
	Clear() error
}

// New creates a client against the configured backend
func New(cfg config.APIConfig, session TokenSession) *Client {
	c := &Client{session: session}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if token := session.Token(); token != "" {
			req.SetHeader("Authorization", "Bearer "+token)
		}
		return nil
	})

	c.rc = rc
	return c
}

// Get performs a GET request and decodes the envelope data into out
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post performs a POST request and decodes the envelope data into out
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	req := c.rc.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		// No response received: connection refused, DNS, timeout.
		return errors.NewNetworkError("no response from server", err)
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		return c.expireSession()
	}

	var env models.Envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return errors.NewServerError("malformed response envelope", err)
	}
	if env.Code == 0 {
		return errors.NewServerError("response envelope missing code", nil)
	}

	switch {
	case env.OK():
		if out == nil || len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.NewServerError("malformed response data", err)
		}
		return nil
	case env.Code == models.EnvelopeAuthExpired:
		return c.expireSession()
	case len(env.Errors) > 0:
		return errors.NewValidationError(messageOr(env.Message, "validation failed"), nil).
			WithFields(env.Errors).WithCode(env.Code)
	default:
		return errors.NewServerError(messageOr(env.Message, "server error"), nil).WithCode(env.Code)
	}
}

// expireSession clears the stored token so isAuthenticated flips false;
// there is no redirect here, callers observe the state on next check.
func (c *Client) expireSession() error {
	if err := c.session.Clear(); err != nil {
		nuts.L.Warnf("[Transport] Failed to clear session after 401: %v", err)
	}
	return errors.NewAuthExpiredError("session expired, please log in again", nil).
		WithCode(models.EnvelopeAuthExpired)
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
