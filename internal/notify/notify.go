// Package notify posts plain-text alerts to an ntfy-style endpoint.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if endpoint == "" {
		return errors.New("ntfy endpoint is empty")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// Notifier rate-limits alerts to a single endpoint. A zero endpoint
// disables it.
type Notifier struct {
	client   *http.Client
	endpoint string
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewNotifier(client *http.Client, endpoint string, interval time.Duration) *Notifier {
	return &Notifier{client: client, endpoint: endpoint, interval: interval, now: time.Now}
}

// Enabled reports whether an endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.endpoint != ""
}

// Alert sends message unless another alert went out within the interval.
// It returns false when the alert was suppressed.
func (n *Notifier) Alert(ctx context.Context, message string) (bool, error) {
	if !n.Enabled() {
		return false, nil
	}
	n.mu.Lock()
	now := n.now()
	if !n.last.IsZero() && now.Sub(n.last) < n.interval {
		n.mu.Unlock()
		return false, nil
	}
	n.last = now
	n.mu.Unlock()

	if err := Send(ctx, n.client, n.endpoint, message); err != nil {
		return true, err
	}
	return true, nil
}
