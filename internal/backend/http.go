package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTP posts the payload as text/plain to a fixed URL and returns the body.
type HTTP struct {
	url    string
	client *resty.Client
	closed atomic.Bool
}

// NewHTTP builds an HTTP backend. Retries happen only when retries > 0.
func NewHTTP(url string, timeout time.Duration, retries int, retryWait time.Duration) (*HTTP, error) {
	if url == "" {
		return nil, errors.New("http backend: url is empty")
	}
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	if retries > 0 {
		if retryWait <= 0 {
			retryWait = 100 * time.Millisecond
		}
		client.SetRetryCount(retries).
			SetRetryWaitTime(retryWait).
			SetRetryMaxWaitTime(retryWait * time.Duration(retries+1))
	}
	return &HTTP{url: url, client: client}, nil
}

func (h *HTTP) Call(ctx context.Context, payload string) (string, error) {
	if h.closed.Load() {
		return "", ErrClosed
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetBody(payload).
		Post(h.url)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", h.url, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("post %s: status %d: %s", h.url, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return resp.String(), nil
}

func (h *HTTP) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.client.GetClient().CloseIdleConnections()
	return nil
}
