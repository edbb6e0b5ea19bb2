package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"TokenSwarm/internal/observability/metrics"
	"TokenSwarm/internal/storage/mysql"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T) (*Server, *mysql.MemoryRunRepository) {
	t.Helper()
	repo, err := mysql.NewMemoryRunRepository(filepath.Join(t.TempDir(), "runs.jsonl"))
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	reg := prometheus.NewRegistry()
	return NewServer(":0", repo, metrics.NewWith(reg, reg)), repo
}

func serve(s *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleRunDetailSuccess(t *testing.T) {
	server, repo := newTestServer(t)
	sample := mysql.RunRecord{
		ID:           "run-success",
		Status:       mysql.StatusSucceeded,
		Funder:       "0xabc",
		AssetAddress: "0xa55e7",
		AccountCount: 3,
		FundedCount:  3,
		Purchases:    []mysql.PurchaseEntry{{Index: 0, Address: "0x1", TxHash: "0xdead", BlockNumber: 7}},
		StartedAt:    1700000000000,
		FinishedAt:   1700000001000,
	}
	if err := repo.Save(context.Background(), sample); err != nil {
		t.Fatalf("save sample run: %v", err)
	}

	rec := serve(server, "/api/v1/runs/run-success")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	var got mysql.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sample.ID || got.AssetAddress != sample.AssetAddress {
		t.Fatalf("unexpected run: %+v", got)
	}
	if len(got.Purchases) != 1 || got.Purchases[0].TxHash != "0xdead" {
		t.Fatalf("unexpected purchases: %+v", got.Purchases)
	}
}

func TestHandleRunDetailNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	rec := serve(server, "/api/v1/runs/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleListRunsRespectsLimit(t *testing.T) {
	server, repo := newTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := repo.Save(context.Background(), mysql.RunRecord{ID: id, Status: mysql.StatusSucceeded}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	rec := serve(server, "/api/v1/runs?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var runs []mysql.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" {
		t.Fatalf("expected the two newest runs, got %+v", runs)
	}
}

func TestHandleListRunsEmpty(t *testing.T) {
	server, _ := newTestServer(t)
	rec := serve(server, "/api/v1/runs?limit=abc")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	server, _ := newTestServer(t)
	if rec := serve(server, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}

	rec := serve(server, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `tokenswarm_http_requests_total{code="200",handler="/healthz",method="GET"} 1`) {
		t.Fatalf("request metric missing:\n%s", rec.Body.String())
	}
}

func TestServerWithoutHistory(t *testing.T) {
	server := NewServer(":0", nil, nil)
	if rec := serve(server, "/api/v1/runs"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec := serve(server, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics should not be routed without a recorder, got %d", rec.Code)
	}
}
