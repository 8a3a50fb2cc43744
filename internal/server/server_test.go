package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mnohosten/driftkv/internal/coordinator"
	"github.com/mnohosten/driftkv/internal/lsm"
	"github.com/mnohosten/driftkv/internal/metrics"
	"github.com/mnohosten/driftkv/internal/topology"
)

func setupTestServer(t *testing.T) (*Server, func()) {
	engine, err := lsm.Open(lsm.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	topoPath := filepath.Join(t.TempDir(), "cluster.yaml")
	body := "nodes:\n  - id: solo\n    addr: 127.0.0.1:1\n"
	if err := os.WriteFile(topoPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write topology: %v", err)
	}
	cluster, err := topology.Load(topoPath, "solo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	reg := metrics.NewRegistry()
	coord := coordinator.New(engine, cluster, reg)
	config := DefaultConfig()
	config.EnableLogging = false
	srv := New(config, engine, coord, reg)

	return srv, func() { engine.Close() }
}

func TestServerRoutesStatusAndEntity(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	statusResp, err := http.Get(ts.URL + "/v0/status")
	if err != nil {
		t.Fatalf("GET /v0/status: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", statusResp.StatusCode)
	}

	putReq, _ := http.NewRequest(http.MethodPut, ts.URL+"/v0/entity?id=a", strings.NewReader("1"))
	putResp, err := http.DefaultClient.Do(putReq)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", putResp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/v0/entity?id=a")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer getResp.Body.Close()
	value, _ := io.ReadAll(getResp.Body)
	if string(value) != "1" {
		t.Fatalf("expected value 1, got %q", value)
	}
}

func TestServerExposesMetricsEndpoint(t *testing.T) {
	srv, cleanup := setupTestServer(t)
	defer cleanup()

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v0/metrics")
	if err != nil {
		t.Fatalf("GET /v0/metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
