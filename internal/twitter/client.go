package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

const (
	defaultAPIBase        = "https://api.twitter.com/2"
	defaultRequestTimeout = 10 * time.Second
	apiRetryMax           = 3
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitter api %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// Client talks to the v2 API with a bearer token. Rate-limit responses and
// transport errors are retried with exponential backoff.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   logx.Logger
}

func NewClient(base, token string, timeout time.Duration, log logx.Logger) (*Client, error) {
	if token == "" {
		return nil, errors.New("twitter: bearer token is required")
	}
	if base == "" {
		base = defaultAPIBase
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < apiRetryMax; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if !sleepCtx(ctx, backoffFor(attempt)) {
				return ctx.Err()
			}
			continue
		}

		body := json.NewDecoder(resp.Body)
		switch {
		case resp.StatusCode == http.StatusOK:
			err := body.Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = &APIError{StatusCode: resp.StatusCode, Message: "rate limited"}
			c.log.Warn("twitter rate limit hit", logx.Int("attempt", attempt+1))
			if !sleepCtx(ctx, backoffFor(attempt)) {
				return ctx.Err()
			}
			continue
		default:
			var apiErr struct {
				Errors []struct {
					Message string `json:"message"`
				} `json:"errors"`
				Title string `json:"title"`
			}
			_ = body.Decode(&apiErr)
			resp.Body.Close()
			msg := apiErr.Title
			if len(apiErr.Errors) > 0 {
				msg = apiErr.Errors[0].Message
			}
			return &APIError{StatusCode: resp.StatusCode, Message: msg}
		}
	}
	return fmt.Errorf("twitter request: retries exhausted: %w", lastErr)
}

func backoffFor(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// UserByUsername resolves a handle to its numeric id. Returns (nil, nil) when
// the account does not exist.
func (c *Client) UserByUsername(ctx context.Context, username string) (*User, error) {
	q := url.Values{"user.fields": {"id,name,username"}}
	var resp struct {
		Data *User `json:"data"`
	}
	err := c.get(ctx, "/users/by/username/"+url.PathEscape(username), q, &resp)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// UserTweets fetches tweets for a user id, newest first. sinceID bounds the
// page at the previous cursor (exclusive); empty means no bound.
func (c *Client) UserTweets(ctx context.Context, userID, sinceID string, max int) ([]Tweet, error) {
	if max < 5 {
		max = 5
	}
	if max > 100 {
		max = 100
	}
	q := url.Values{
		"tweet.fields": {"id,text,created_at,public_metrics"},
		"max_results":  {strconv.Itoa(max)},
	}
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	var resp struct {
		Data []Tweet `json:"data"`
	}
	if err := c.get(ctx, "/users/"+url.PathEscape(userID)+"/tweets", q, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Data {
		resp.Data[i].AuthorID = userID
	}
	return resp.Data, nil
}
