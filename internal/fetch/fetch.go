// Package fetch downloads asset bytes for a single AssetRef.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/withObsrvr/asset-orderer/internal/source"
)

var (
	// ErrRetryable marks a transient failure: non-200, connection error or
	// timeout. The item goes back into the retry ledger.
	ErrRetryable = errors.New("retryable fetch failure")

	// ErrUnsupportedLocator marks a locator that is neither a URL nor a CID.
	// Retrying cannot help.
	ErrUnsupportedLocator = errors.New("unsupported locator")
)

// Fetcher downloads the bytes behind an AssetRef. Implementations never
// write to disk.
type Fetcher interface {
	Fetch(ctx context.Context, ref source.AssetRef) ([]byte, error)
}

type Config struct {
	Timeout    time.Duration
	UserAgent  string
	GatewayURL string
	// MaxBytes caps a single response body; 0 means no cap.
	MaxBytes int64
}

// HTTPFetcher fetches http(s) locators directly and CID locators through an
// IPFS gateway.
type HTTPFetcher struct {
	cfg    Config
	client *http.Client
}

func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	return &HTTPFetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: gzhttp.Transport(http.DefaultTransport),
		},
	}
}

// Resolve maps a locator to the URL that will be downloaded.
func (f *HTTPFetcher) Resolve(locator string) (string, error) {
	loc := strings.TrimSpace(locator)
	switch {
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		return loc, nil
	case strings.HasPrefix(loc, "ipfs://"):
		path := strings.TrimPrefix(loc, "ipfs://")
		path = strings.TrimPrefix(path, "ipfs/")
		root, _, _ := strings.Cut(path, "/")
		if _, err := cid.Decode(root); err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrUnsupportedLocator, locator, err)
		}
		return f.gatewayURL(path)
	default:
		if _, err := cid.Decode(loc); err != nil {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedLocator, locator)
		}
		return f.gatewayURL(loc)
	}
}

func (f *HTTPFetcher) gatewayURL(path string) (string, error) {
	if f.cfg.GatewayURL == "" {
		return "", fmt.Errorf("%w: no gateway configured for %q", ErrUnsupportedLocator, path)
	}
	return strings.TrimRight(f.cfg.GatewayURL, "/") + "/ipfs/" + path, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref source.AssetRef) ([]byte, error) {
	target, err := f.Resolve(ref.Locator)
	if err != nil {
		return nil, err
	}

	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedLocator, ref.Locator, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrRetryable, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: get %s: status %d", ErrRetryable, target, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if f.cfg.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.cfg.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrRetryable, target, err)
	}
	if f.cfg.MaxBytes > 0 && int64(len(data)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("asset %s exceeds %d bytes", ref.ID, f.cfg.MaxBytes)
	}
	return data, nil
}

// IsPermanent reports whether err should skip the retry passes.
func IsPermanent(err error) bool {
	return err != nil && !errors.Is(err, ErrRetryable)
}
