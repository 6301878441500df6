package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"qfit-chat/internal/domain"
	qfit_errors "qfit-chat/pkg/errors"
	"qfit-chat/pkg/logger"
)

// Client talks to the chat backend's REST surface. Paths and payload
// shapes are preserved exactly as the mobile app consumed them. GETs
// retry transport errors and 5xx with exponential backoff; POSTs do
// not, since none of them are idempotent. A circuit breaker guards all
// calls so a dead backend degrades to fast ErrFetchFailed instead of
// piling up timeouts.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger

	retryMaxElapsed time.Duration
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Used in tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetryMaxElapsed bounds how long a GET keeps retrying.
func WithRetryMaxElapsed(d time.Duration) Option {
	return func(c *Client) { c.retryMaxElapsed = d }
}

func NewClient(baseURL string, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		base:            baseURL,
		http:            &http.Client{Timeout: 15 * time.Second},
		log:             log,
		retryMaxElapsed: 10 * time.Second,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "chat-backend",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiEnvelope is the common {success, message} wrapper every endpoint
// returns; endpoint-specific payloads sit alongside it.
type apiEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type messagesResponse struct {
	apiEnvelope
	Messages []domain.Message `json:"messages"`
}

type membersResponse struct {
	apiEnvelope
	Members []domain.Member `json:"members"`
}

type groupsResponse struct {
	apiEnvelope
	Groups []domain.Group `json:"groups"`
}

// Messages fetches history replay for a group. Superseded by the local
// cache, retained as fallback when the cache is empty.
func (c *Client) Messages(ctx context.Context, groupID string) ([]domain.Message, error) {
	var resp messagesResponse
	err := c.getJSON(ctx, "/messages", url.Values{"groupId": {groupID}}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", qfit_errors.ErrFetchFailed, resp.Message)
	}
	return resp.Messages, nil
}

// GroupMembers fetches the member list for a group.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]domain.Member, error) {
	var resp membersResponse
	err := c.getJSON(ctx, "/group-members", url.Values{"groupId": {groupID}}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", qfit_errors.ErrFetchFailed, resp.Message)
	}
	return resp.Members, nil
}

// UserGroups lists the groups the user belongs to.
func (c *Client) UserGroups(ctx context.Context, email string) ([]domain.Group, error) {
	var resp groupsResponse
	err := c.getJSON(ctx, "/user-groups", url.Values{"email": {email}}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", qfit_errors.ErrFetchFailed, resp.Message)
	}
	return resp.Groups, nil
}

// CreateGroupInput mirrors the /create-group request body.
type CreateGroupInput struct {
	UserEmail        string `json:"userEmail"`
	GroupAdmin       string `json:"groupAdmin"`
	GroupName        string `json:"groupName"`
	GroupDescription string `json:"groupDescription"`
	GroupProfile     string `json:"groupProfile"`
}

// CreateGroup creates a new group with the caller as admin.
func (c *Client) CreateGroup(ctx context.Context, input CreateGroupInput) error {
	return c.postJSON(ctx, "/create-group", input)
}

// JoinGroup registers membership for the user.
func (c *Client) JoinGroup(ctx context.Context, groupID, userEmail string) error {
	return c.postJSON(ctx, "/join-group", map[string]string{
		"groupId":   groupID,
		"userEmail": userEmail,
	})
}

// LeaveGroup removes the user's membership.
func (c *Client) LeaveGroup(ctx context.Context, groupID, userEmail string) error {
	return c.postJSON(ctx, "/leave-group", map[string]string{
		"groupId":   groupID,
		"userEmail": userEmail,
	})
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		body, err := c.do(req)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: malformed response: %v", qfit_errors.ErrFetchFailed, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.retryMaxElapsed
	notify := func(err error, wait time.Duration) {
		c.log.Warnf("GET %s failed: %v (retry in %s)", path, err, wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			err = perm.Err
		}
		return wrapFetchErr(err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", qfit_errors.ErrInvalidInput, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return wrapFetchErr(err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return wrapFetchErr(err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("%w: malformed response: %v", qfit_errors.ErrFetchFailed, err)
	}
	if !env.Success {
		return fmt.Errorf("%w: %s", qfit_errors.ErrFetchFailed, env.Message)
	}
	return nil
}

// do runs one request through the breaker and returns the body of a
// 2xx-4xx response. 5xx and transport errors count as failures (and are
// retryable for GETs); 4xx bodies flow through so the caller can read
// the server's {success:false, message} envelope.
func (c *Client) do(req *http.Request) ([]byte, error) {
	body, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("server returned %d", resp.StatusCode)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

func wrapFetchErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", qfit_errors.ErrFetchFailed, err)
}
