package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzhttp"
)

// AssetRef identifies one remote asset. Locator is either a fetchable URL or
// an already-resolved content identifier.
type AssetRef struct {
	ID      string `json:"id"`
	Locator string `json:"locator"`
}

// Key is the identity used to track an item across retry passes.
func (r AssetRef) Key() string {
	return r.ID + "\x00" + r.Locator
}

// Page is one page of the metadata listing.
type Page struct {
	Total int
	Items []AssetRef
}

// MetadataSource lists asset descriptors for a subject, one page at a time.
// Page indexes start at 1.
type MetadataSource interface {
	FetchPage(ctx context.Context, subject string, pageIndex, pageSize int) (Page, error)
}

type SourceConfig struct {
	ListURL      string
	Method       string // "GET" | "POST"
	SubjectParam string
	ListField    string
	IDField      string
	LocatorField string
	Timeout      time.Duration
}

var (
	ErrInvalidSourceMethod = errors.New("invalid source method")
	ErrBadStatus           = errors.New("metadata source returned non-200 status")
	ErrMalformedPage       = errors.New("malformed metadata page")
)

// NewMetadataSource constructs a metadata source for the configured method.
func NewMetadataSource(cfg SourceConfig) (MetadataSource, error) {
	switch cfg.Method {
	case "GET", "POST":
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceMethod, cfg.Method)
	}
	if cfg.ListURL == "" {
		return nil, errors.New("metadata list URL is required")
	}
	return &HTTPSource{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: gzhttp.Transport(http.DefaultTransport),
		},
	}, nil
}

// HTTPSource reads pages from a JSON endpoint shaped as
// {"data": {"total": N, "<list field>": [{...}, ...]}}.
type HTTPSource struct {
	cfg    SourceConfig
	client *http.Client
}

func (s *HTTPSource) FetchPage(ctx context.Context, subject string, pageIndex, pageSize int) (Page, error) {
	req, err := s.newRequest(ctx, subject, pageIndex, pageSize)
	if err != nil {
		return Page{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("request page %d: %w", pageIndex, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Page{}, fmt.Errorf("%w: page %d: %d", ErrBadStatus, pageIndex, resp.StatusCode)
	}

	return s.decodePage(resp.Body)
}

func (s *HTTPSource) newRequest(ctx context.Context, subject string, pageIndex, pageSize int) (*http.Request, error) {
	if s.cfg.Method == "POST" {
		body, err := json.Marshal(map[string]any{
			s.cfg.SubjectParam: subject,
			"page_index":       pageIndex,
			"page_size":        pageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal page request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ListURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create page request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	u, err := url.Parse(s.cfg.ListURL)
	if err != nil {
		return nil, fmt.Errorf("parse list URL: %w", err)
	}
	q := u.Query()
	q.Set(s.cfg.SubjectParam, subject)
	q.Set("page_index", strconv.Itoa(pageIndex))
	q.Set("page_size", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create page request: %w", err)
	}
	return req, nil
}

func (s *HTTPSource) decodePage(r io.Reader) (Page, error) {
	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrMalformedPage, err)
	}
	if envelope.Data == nil {
		return Page{}, fmt.Errorf("%w: missing data object", ErrMalformedPage)
	}

	var page Page
	if raw, ok := envelope.Data["total"]; ok {
		if err := json.Unmarshal(raw, &page.Total); err != nil {
			return Page{}, fmt.Errorf("%w: total: %v", ErrMalformedPage, err)
		}
	}

	raw, ok := envelope.Data[s.cfg.ListField]
	if !ok || string(raw) == "null" {
		return page, nil
	}

	var entries []map[string]any
	entryDec := json.NewDecoder(bytes.NewReader(raw))
	entryDec.UseNumber()
	if err := entryDec.Decode(&entries); err != nil {
		return Page{}, fmt.Errorf("%w: %s: %v", ErrMalformedPage, s.cfg.ListField, err)
	}
	for _, e := range entries {
		page.Items = append(page.Items, AssetRef{
			ID:      scalarString(e[s.cfg.IDField]),
			Locator: scalarString(e[s.cfg.LocatorField]),
		})
	}
	return page, nil
}

// scalarString renders a JSON scalar as a string; ids may arrive as numbers.
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
