package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/withObsrvr/asset-orderer/internal/catalog"
	"github.com/withObsrvr/asset-orderer/internal/orderer"
)

type fakeRunner struct {
	startErr  error
	started   []orderer.StartRequest
	running   bool
	snap      *orderer.Snapshot
	replicas  int
	replErr   error
	stopCalls int
}

func (f *fakeRunner) Start(_ context.Context, req orderer.StartRequest) (orderer.StartResponse, error) {
	f.started = append(f.started, req)
	resp := orderer.StartResponse{JobID: "job-1"}
	if req.Sync {
		resp.Result = &orderer.Snapshot{JobID: "job-1", Subject: req.Subject, Outcome: orderer.OutcomeSuccess}
	}
	return resp, f.startErr
}

func (f *fakeRunner) Stop() bool {
	f.stopCalls++
	return f.running
}

func (f *fakeRunner) Progress() (orderer.Snapshot, bool) {
	if f.snap == nil {
		return orderer.Snapshot{}, false
	}
	return *f.snap, true
}

func (f *fakeRunner) Replicas(_ context.Context, _ string) (int, error) {
	return f.replicas, f.replErr
}

func do(t *testing.T, r *fakeRunner, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	NewHandler(r).Router().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func TestProcessStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"accepted", "/process?subject=0xabc", nil, http.StatusOK},
		{"address alias", "/process?address=0xabc", nil, http.StatusOK},
		{"missing subject", "/process", nil, http.StatusInternalServerError},
		{"bad quota", "/process?subject=a&orderNumLimit=ten", nil, http.StatusInternalServerError},
		{"bad size", "/process?subject=a&orderSizeLimit=1x", nil, http.StatusInternalServerError},
		{"conflict", "/process?subject=a", fmt.Errorf("%w: job abc running", orderer.ErrConflict), http.StatusBadRequest},
		{"config", "/process?subject=a", fmt.Errorf("%w: bad", orderer.ErrConfig), http.StatusInternalServerError},
		{"fatal", "/process?subject=a&sync=true", fmt.Errorf("%w: source down", orderer.ErrFatal), http.StatusBadGateway},
		{"other", "/process?subject=a", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, &fakeRunner{startErr: tt.err}, http.MethodPost, tt.target)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestProcessParsesLimits(t *testing.T) {
	r := &fakeRunner{}
	rec, body := do(t, r, http.MethodPost, "/process?subject=0xabc&orderNumLimit=7&orderSizeLimit=1024&sync=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(r.started) != 1 {
		t.Fatalf("started = %d", len(r.started))
	}
	req := r.started[0]
	if req.OrderNumLimit == nil || *req.OrderNumLimit != 7 {
		t.Errorf("OrderNumLimit = %v", req.OrderNumLimit)
	}
	if req.OrderSizeLimit == nil || *req.OrderSizeLimit != 1024 {
		t.Errorf("OrderSizeLimit = %v", req.OrderSizeLimit)
	}
	if !req.Sync {
		t.Error("sync not parsed")
	}
	if body["job_id"] != "job-1" || body["result"] == nil {
		t.Errorf("body = %v", body)
	}
}

func TestProcessRejectsGet(t *testing.T) {
	rec, _ := do(t, &fakeRunner{}, http.MethodGet, "/process?subject=a")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestProgress(t *testing.T) {
	_, body := do(t, &fakeRunner{}, http.MethodGet, "/progress")
	if body["message"] != "no task running" {
		t.Errorf("idle body = %v", body)
	}

	r := &fakeRunner{snap: &orderer.Snapshot{JobID: "j", Subject: "s", Total: 10, Completed: 4}}
	rec, body := do(t, r, http.MethodGet, "/progress")
	if rec.Code != http.StatusOK || body["job_id"] != "j" {
		t.Errorf("body = %v", body)
	}
}

func TestStop(t *testing.T) {
	r := &fakeRunner{running: true}
	_, body := do(t, r, http.MethodPost, "/stop")
	if body["stopped"] != true || r.stopCalls != 1 {
		t.Errorf("body = %v", body)
	}
	_, body = do(t, &fakeRunner{}, http.MethodPost, "/stop")
	if body["stopped"] != false {
		t.Errorf("idle stop body = %v", body)
	}
}

func TestReplica(t *testing.T) {
	const good = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	tests := []struct {
		name   string
		target string
		runner *fakeRunner
		want   int
	}{
		{"missing", "/replica", &fakeRunner{}, http.StatusBadRequest},
		{"invalid", "/replica?cid=not-a-cid", &fakeRunner{}, http.StatusBadRequest},
		{"ok", "/replica?cid=" + good, &fakeRunner{replicas: 3}, http.StatusOK},
		{"ledger down", "/replica?cid=" + good, &fakeRunner{replErr: errors.New("dial")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, tt.runner, http.MethodGet, tt.target)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusOK && body["replicas"] != float64(3) {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	rec, _ := do(t, &fakeRunner{}, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

type fakeOrders struct {
	recs []catalog.OrderRecord
	err  error
}

func (f fakeOrders) ListOrders(_ context.Context, subject string) ([]catalog.OrderRecord, error) {
	var out []catalog.OrderRecord
	for _, r := range f.recs {
		if r.Subject == subject {
			out = append(out, r)
		}
	}
	return out, f.err
}

func TestOrders(t *testing.T) {
	reader := fakeOrders{recs: []catalog.OrderRecord{
		{JobID: "j", Subject: "0xabc", CID: "bafy1", ItemCount: 2},
		{JobID: "j", Subject: "0xdef", CID: "bafy2", ItemCount: 1},
	}}
	h := NewHandler(&fakeRunner{}).WithOrders(reader)

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders?subject=0xabc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Orders []catalog.OrderRecord `json:"orders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Orders) != 1 || body.Orders[0].CID != "bafy1" {
		t.Errorf("orders = %+v", body.Orders)
	}

	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing subject status = %d", rec.Code)
	}

	rec, _ = do(t, &fakeRunner{}, http.MethodGet, "/orders?subject=0xabc")
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled catalog status = %d", rec.Code)
	}
}
