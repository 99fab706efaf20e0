package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func ok(context.Context) error { return nil }

func get(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "db", Check: func(context.Context) error { return errors.New("down") }})
	code, body := get(t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	down := func(context.Context) error { return errors.New("connection refused") }
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "counter_store", Check: ok}, {Name: "admission", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"counter_store": "ok", "admission": "ok"},
		},
		{
			name:       "critical failure",
			checkers:   []Checker{{Name: "counter_store", Check: down}, {Name: "admission", Check: ok}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"counter_store": "fail: connection refused", "admission": "ok"},
		},
		{
			name:       "optional failure only warns",
			checkers:   []Checker{{Name: "stt", Check: down, Optional: true}, {Name: "counter_store", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"stt": "warn: connection refused", "counter_store": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := get(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for k, want := range tt.wantChecks {
				if body.Checks[k] != want {
					t.Errorf("check %s = %q, want %q", k, body.Checks[k], want)
				}
			}
		})
	}
}

func TestReadyz_Draining(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "db", Check: ok})
	h.SetDraining(true)
	code, body := get(t, h, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("draining readyz = %d, want 503", code)
	}
	if !strings.HasPrefix(body.Checks["draining"], "fail") {
		t.Errorf("checks = %v", body.Checks)
	}
	h.SetDraining(false)
	if code, _ := get(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("readyz after drain cleared = %d", code)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	const n = 3
	var started sync.WaitGroup
	started.Add(n)
	allStarted := make(chan struct{})
	go func() { started.Wait(); close(allStarted) }()

	barrier := func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("missing check deadline")
		}
		started.Done()
		select {
		case <-allStarted:
			return nil
		case <-time.After(time.Second):
			return errors.New("checks ran sequentially")
		}
	}
	h := New(Checker{Name: "a", Check: barrier}, Checker{Name: "b", Check: barrier}, Checker{Name: "c", Check: barrier})
	if checks, ready := h.Check(context.Background()); !ready {
		t.Fatalf("checks = %v", checks)
	}
}
