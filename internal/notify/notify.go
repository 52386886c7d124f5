// Package notify posts best-effort updates to the upstream service that owns
// the subject: one update per stored item and one status update per job.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/asset-orderer/internal/metrics"
)

// Status codes reported to the upstream at job end.
const (
	StatusEmpty   = 0
	StatusSuccess = 1
	StatusPartial = 2
)

const (
	maxConcurrent = 50
	retries       = 3
)

type Config struct {
	TokenURIURL string
	StatusURL   string
	Timeout     time.Duration
}

// Item is one stored item: its upstream id and its own content id.
type Item struct {
	ID  string
	CID string
}

// Notifier sends upstream updates. Errors are logged and counted, never returned.
type Notifier interface {
	Committed(ctx context.Context, subject, orderCID string, items []Item)
	Finished(ctx context.Context, subject string, status int)
}

// New returns an HTTP notifier, or a no-op one when no URL is configured.
func New(cfg Config) Notifier {
	if cfg.TokenURIURL == "" && cfg.StatusURL == "" {
		return noop{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    slog.With("component", "notify"),
		delay:  time.Second,
	}
}

type noop struct{}

func (noop) Committed(context.Context, string, string, []Item) {}
func (noop) Finished(context.Context, string, int)             {}

// HTTPNotifier posts form-encoded updates.
type HTTPNotifier struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	delay  time.Duration
}

// Committed posts the token URI of every item in a committed order.
func (n *HTTPNotifier) Committed(ctx context.Context, subject, orderCID string, items []Item) {
	if n.cfg.TokenURIURL == "" || len(items) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for _, it := range items {
		form := url.Values{
			"nft_address":        {subject},
			"nft_token_id":       {it.ID},
			"nft_tokenuri":       {it.CID},
			"nft_token_order_id": {orderCID},
		}
		g.Go(func() error {
			if err := n.postWithRetry(gctx, n.cfg.TokenURIURL, form); err != nil {
				n.log.Warn("token uri update failed", "subject", subject, "item_id", form.Get("nft_token_id"), "error", err)
				if m := metrics.Get(); m != nil {
					m.IncNotifyErrors()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Finished posts the job's terminal status code.
func (n *HTTPNotifier) Finished(ctx context.Context, subject string, status int) {
	if n.cfg.StatusURL == "" {
		return
	}
	form := url.Values{
		"nft_address":     {subject},
		"nft_save_status": {strconv.Itoa(status)},
	}
	if err := n.postWithRetry(ctx, n.cfg.StatusURL, form); err != nil {
		n.log.Warn("status update failed", "subject", subject, "status", status, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncNotifyErrors()
		}
	}
}

func (n *HTTPNotifier) postWithRetry(ctx context.Context, endpoint string, form url.Values) error {
	var lastErr error
	delay := n.delay

	for attempt := 1; attempt <= retries; attempt++ {
		err := n.post(ctx, endpoint, form)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < retries {
			n.log.Debug("notify attempt failed", "attempt", attempt, "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", retries, lastErr)
}

func (n *HTTPNotifier) post(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
}
