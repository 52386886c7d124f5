package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

func testConfig(url, method string) SourceConfig {
	return SourceConfig{
		ListURL:      url,
		Method:       method,
		SubjectParam: "nft_address",
		ListField:    "nft_message_list",
		IDField:      "nft_asset_id",
		LocatorField: "nft_content_uri",
	}
}

func TestHTTPSourceGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("nft_address") != "0xabc" || q.Get("page_index") != "2" || q.Get("page_size") != "20" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"data":{"total":41,"nft_message_list":[
			{"nft_asset_id":12345678901234567,"nft_content_uri":"https://x/1.png"},
			{"nft_asset_id":"b","nft_content_uri":"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"}]}}`)
	}))
	defer srv.Close()

	src, err := NewMetadataSource(testConfig(srv.URL, "GET"))
	if err != nil {
		t.Fatalf("NewMetadataSource: %v", err)
	}
	page, err := src.FetchPage(context.Background(), "0xabc", 2, 20)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if page.Total != 41 {
		t.Errorf("total = %d, want 41", page.Total)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}
	if page.Items[0].ID != "12345678901234567" {
		t.Errorf("numeric id = %q", page.Items[0].ID)
	}
	if page.Items[1].Locator != "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG" {
		t.Errorf("locator = %q", page.Items[1].Locator)
	}
}

func TestHTTPSourcePOST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["nft_address"] != "0xabc" {
			t.Errorf("body = %v", body)
		}
		fmt.Fprint(w, `{"data":{"total":0,"nft_message_list":[]}}`)
	}))
	defer srv.Close()

	src, err := NewMetadataSource(testConfig(srv.URL, "POST"))
	if err != nil {
		t.Fatal(err)
	}
	page, err := src.FetchPage(context.Background(), "0xabc", 1, 20)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if page.Total != 0 || len(page.Items) != 0 {
		t.Errorf("page = %+v", page)
	}
}

func TestHTTPSourceErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"non-200", http.StatusBadGateway, "", ErrBadStatus},
		{"not json", http.StatusOK, "<html>", ErrMalformedPage},
		{"no data", http.StatusOK, `{"code":500}`, ErrMalformedPage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			src, _ := NewMetadataSource(testConfig(srv.URL, "GET"))
			_, err := src.FetchPage(context.Background(), "s", 1, 20)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewMetadataSourceRejectsMethod(t *testing.T) {
	_, err := NewMetadataSource(testConfig("http://x", "PUT"))
	if !errors.Is(err, ErrInvalidSourceMethod) {
		t.Errorf("expected ErrInvalidSourceMethod, got %v", err)
	}
}

// fakeSource serves n items in pages and records which pages were requested.
type fakeSource struct {
	mu        sync.Mutex
	total     int
	reported  int
	failPages map[int]int // page -> remaining failures
	requests  []int
}

func newFakeSource(total int) *fakeSource {
	return &fakeSource{total: total, reported: total, failPages: map[int]int{}}
}

func (f *fakeSource) FetchPage(ctx context.Context, subject string, pageIndex, pageSize int) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, pageIndex)
	if f.failPages[pageIndex] > 0 {
		f.failPages[pageIndex]--
		return Page{}, errors.New("connection reset")
	}
	page := Page{Total: f.reported}
	start := (pageIndex - 1) * pageSize
	for i := start; i < start+pageSize && i < f.total; i++ {
		page.Items = append(page.Items, AssetRef{ID: strconv.Itoa(i), Locator: "https://x/" + strconv.Itoa(i)})
	}
	return page, nil
}

func (f *fakeSource) pageRequests() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.requests...)
}

func drain(t *testing.T, c *Cursor, n int) []AssetRef {
	t.Helper()
	var all []AssetRef
	for c.HasNext(context.Background()) {
		batch := c.NextBatch(context.Background(), n)
		if len(batch) == 0 {
			t.Fatal("HasNext true but NextBatch empty")
		}
		all = append(all, batch...)
	}
	return all
}

func TestCursorYieldsEverythingOnce(t *testing.T) {
	src := newFakeSource(55)
	c := NewCursor(src, "s", 20)
	total, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if total != 55 {
		t.Fatalf("total = %d", total)
	}

	all := drain(t, c, 50)
	if len(all) != 55 {
		t.Fatalf("yielded %d items, want 55", len(all))
	}
	seen := map[string]bool{}
	for _, r := range all {
		if seen[r.ID] {
			t.Errorf("duplicate item %s", r.ID)
		}
		seen[r.ID] = true
	}

	// Pages 1..3 cover 55 items; none may be requested twice.
	reqs := src.pageRequests()
	counts := map[int]int{}
	for _, p := range reqs {
		counts[p]++
	}
	for p, n := range counts {
		if n > 1 {
			t.Errorf("page %d requested %d times", p, n)
		}
	}
}

func TestCursorBoundedByTotal(t *testing.T) {
	src := newFakeSource(30)
	src.reported = 25 // listing grew after the first page
	c := NewCursor(src, "s", 20)
	if _, err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	all := drain(t, c, 50)
	if len(all) != 25 {
		t.Errorf("yielded %d, want 25", len(all))
	}
}

func TestCursorOpenFailureIsFatal(t *testing.T) {
	src := newFakeSource(10)
	src.failPages[1] = 1
	c := NewCursor(src, "s", 20)
	if _, err := c.Open(context.Background()); err == nil {
		t.Fatal("expected error from Open")
	}
	if c.HasNext(context.Background()) {
		t.Error("unopened cursor must report no items")
	}
}

func TestCursorHasNextFailsClosed(t *testing.T) {
	src := newFakeSource(40)
	src.failPages[2] = 5
	c := NewCursor(src, "s", 20)
	if _, err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := c.NextBatch(context.Background(), 20)
	if len(first) != 20 {
		t.Fatalf("first batch = %d", len(first))
	}
	if c.HasNext(context.Background()) {
		t.Error("HasNext should fail closed on transport error")
	}
	if c.Yielded() != 20 {
		t.Errorf("yielded = %d", c.Yielded())
	}
}

func TestCursorShortBatchThenRecover(t *testing.T) {
	src := newFakeSource(40)
	src.failPages[2] = 1
	c := NewCursor(src, "s", 20)
	if _, err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	short := c.NextBatch(context.Background(), 30)
	if len(short) != 20 {
		t.Fatalf("expected short batch of 20, got %d", len(short))
	}
	rest := c.NextBatch(context.Background(), 30)
	if len(rest) != 20 {
		t.Fatalf("expected recovered batch of 20, got %d", len(rest))
	}
	if rest[0].ID != "20" {
		t.Errorf("recovered batch starts at %s", rest[0].ID)
	}
}

func TestAssetRefKey(t *testing.T) {
	a := AssetRef{ID: "1", Locator: "https://x/a"}
	b := AssetRef{ID: "1", Locator: "https://x/b"}
	if a.Key() == b.Key() {
		t.Error("keys for different locators must differ")
	}
}
