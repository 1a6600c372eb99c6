package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"jobline/internal/config"
	"jobline/internal/domain"
)

func TestHTTPWorkerPostsJobAndDecodesResult(t *testing.T) {
	var got domain.Job
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "sekrit" {
			t.Errorf("missing configured header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode job: %v", err)
		}
		actual := 0.07
		json.NewEncoder(w).Encode(Result{
			Output:     map[string]any{"pages": 4.0},
			ActualCost: &actual,
			LatencyMs:  120,
		})
	}))
	defer srv.Close()

	w := NewHTTP("batch", config.WorkerConfig{
		Kind:    "http",
		Service: "pdf_services",
		URL:     srv.URL,
		Headers: map[string]string{"X-Api-Key": "sekrit"},
	}, nil)

	res, err := w.Execute(context.Background(), domain.Job{JobType: "export", User: "tester"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.JobType != "export" {
		t.Fatalf("job not delivered: %+v", got)
	}
	if res.ActualCost == nil || *res.ActualCost != 0.07 {
		t.Fatalf("actual cost not decoded: %+v", res)
	}
	if res.LatencyMs != 120 {
		t.Fatalf("latency not decoded: %+v", res)
	}
}

func TestHTTPWorkerSurfacesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewHTTP("batch", config.WorkerConfig{Kind: "http", Service: "pdf_services", URL: srv.URL}, nil)
	if _, err := w.Execute(context.Background(), domain.Job{JobType: "export"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestRegistryResolvesServiceKeys(t *testing.T) {
	reg, err := NewRegistry(map[string]config.WorkerConfig{
		"interactive": {Kind: "static", Service: "indesign_desktop"},
	}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	w, service, err := reg.Get("interactive")
	if err != nil || w == nil || service != "indesign_desktop" {
		t.Fatalf("get: %v %v %s", w, err, service)
	}
	if _, _, err := reg.Get("missing"); err == nil {
		t.Fatal("expected error for unknown worker")
	}

	reg.Register("custom", "image_services", Func(func(context.Context, domain.Job) (Result, error) {
		return Result{Output: map[string]any{"ok": true}}, nil
	}))
	w, service, err = reg.Get("custom")
	if err != nil || service != "image_services" {
		t.Fatalf("registered worker not resolvable: %v %s", err, service)
	}
	res, err := w.Execute(context.Background(), domain.Job{})
	if err != nil || res.Output["ok"] != true {
		t.Fatalf("func worker: %+v %v", res, err)
	}
}

func TestRegistryRejectsUnknownKind(t *testing.T) {
	if _, err := NewRegistry(map[string]config.WorkerConfig{
		"odd": {Kind: "carrier_pigeon", Service: "x"},
	}, nil); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestStaticWorkerAcks(t *testing.T) {
	w := Static{WorkerID: "batch", Service: "pdf_services"}
	res, err := w.Execute(context.Background(), domain.Job{JobType: "render"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output["accepted"] != true || res.Output["job_type"] != "render" {
		t.Fatalf("unexpected ack: %+v", res)
	}
}
