package collateral

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
)

// CallerHeader carries the identity a gateway call is made under
const CallerHeader = "X-Caller-ID"

// HTTPClient talks to a remote collateral holder over JSON/HTTP
type HTTPClient struct {
	baseURL string
	timeout time.Duration
	client  *fasthttp.Client
}

// NewHTTPClient creates a client for the collateral holder at baseURL
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:                "installment-service",
			MaxConnsPerHost:     64,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

type sharesRequest struct {
	User   string          `json:"user"`
	Shares decimal.Decimal `json:"shares"`
	To     string          `json:"to,omitempty"`
}

type sharesResponse struct {
	Shares decimal.Decimal `json:"shares"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Error codes returned by the collateral holder
const (
	remoteUnauthorized          = "unauthorized"
	remoteInvalidAmount         = "invalid_amount"
	remoteInsufficientAvailable = "insufficient_available"
	remoteInsufficientProtected = "insufficient_protected"
)

// GetBalance returns the user's share position
func (c *HTTPClient) GetBalance(ctx context.Context, user string) (*Balance, error) {
	var bal Balance
	if err := c.do(ctx, fasthttp.MethodGet, "/balances/"+url.PathEscape(user), "", nil, &bal); err != nil {
		return nil, err
	}
	return &bal, nil
}

// GetValues returns the user's position in token units
func (c *HTTPClient) GetValues(ctx context.Context, user string) (*Values, error) {
	var vals Values
	if err := c.do(ctx, fasthttp.MethodGet, "/values/"+url.PathEscape(user), "", nil, &vals); err != nil {
		return nil, err
	}
	return &vals, nil
}

// SharesForAmount converts a token amount to shares at the current rate
func (c *HTTPClient) SharesForAmount(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	var resp sharesResponse
	path := "/shares-for-amount?amount=" + url.QueryEscape(amount.String())
	if err := c.do(ctx, fasthttp.MethodGet, path, "", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Shares, nil
}

// LockShares moves shares from available to protected
func (c *HTTPClient) LockShares(ctx context.Context, caller, user string, shares decimal.Decimal) (*LockResult, error) {
	var res LockResult
	if err := c.do(ctx, fasthttp.MethodPost, "/lock", caller, sharesRequest{User: user, Shares: shares}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UnlockShares moves shares from protected back to available
func (c *HTTPClient) UnlockShares(ctx context.Context, caller, user string, shares decimal.Decimal) (*LockResult, error) {
	var res LockResult
	if err := c.do(ctx, fasthttp.MethodPost, "/unlock", caller, sharesRequest{User: user, Shares: shares}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DebitAvailable burns available shares and pays their value to to
func (c *HTTPClient) DebitAvailable(ctx context.Context, caller, user string, shares decimal.Decimal, to string) (*WithdrawResult, error) {
	var res WithdrawResult
	if err := c.do(ctx, fasthttp.MethodPost, "/debit/available", caller, sharesRequest{User: user, Shares: shares, To: to}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DebitProtected burns protected shares and pays their value to to
func (c *HTTPClient) DebitProtected(ctx context.Context, caller, user string, shares decimal.Decimal, to string) (*WithdrawResult, error) {
	var res WithdrawResult
	if err := c.do(ctx, fasthttp.MethodPost, "/debit/protected", caller, sharesRequest{User: user, Shares: shares, To: to}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, caller string, body, out interface{}) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.client.DoDeadline(req, resp, deadline)
	} else {
		err = c.client.DoTimeout(req, resp, c.timeout)
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}

	status := resp.StatusCode()
	if status >= 300 {
		return decodeRemoteError(status, resp.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, path, err)
	}
	return nil
}

func decodeRemoteError(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)

	switch er.Error {
	case remoteUnauthorized:
		return ErrUnauthorized
	case remoteInvalidAmount:
		return ErrInvalidAmount
	case remoteInsufficientAvailable:
		return ErrInsufficientAvailable
	case remoteInsufficientProtected:
		return ErrInsufficientProtected
	}
	if status == fasthttp.StatusForbidden || status == fasthttp.StatusUnauthorized {
		return ErrUnauthorized
	}
	return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, er.Error)
}
