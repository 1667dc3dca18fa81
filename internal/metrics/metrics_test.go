package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	m.AuthFailuresTotal.Inc()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation("boolean", true)
	m.RecordEvaluation("boolean", true)
	m.RecordEvaluation("none", false)

	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("boolean", "true")); v != 2 {
		t.Fatalf("expected boolean count 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("none", "false")); v != 1 {
		t.Fatalf("expected none count 1, got %v", v)
	}
}

func TestObserveAdapter(t *testing.T) {
	m := New()

	m.ObserveAdapter("postgres", "get", nil, time.Millisecond)
	m.ObserveAdapter("postgres", "get", errors.New("boom"), time.Millisecond)
	m.ObserveAdapter("postgres", "get", context.DeadlineExceeded, time.Millisecond)

	for _, result := range []string{"ok", "error", "canceled"} {
		if v := testutil.ToFloat64(m.AdapterOperationsTotal.WithLabelValues("postgres", "get", result)); v != 1 {
			t.Fatalf("expected %s count 1, got %v", result, v)
		}
	}
	if n := testutil.CollectAndCount(m.AdapterOperationDuration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestObserveCache(t *testing.T) {
	m := New()

	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)

	if v := testutil.ToFloat64(m.CacheRequestsTotal.WithLabelValues("hit")); v != 1 {
		t.Fatalf("expected hits 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.CacheRequestsTotal.WithLabelValues("miss")); v != 2 {
		t.Fatalf("expected misses 2, got %v", v)
	}
}

func TestObserveHTTPRequest(t *testing.T) {
	m := New()

	m.ObserveHTTPRequest("GET", "GET /v1/features/{key}", 200, time.Millisecond)
	m.ObserveHTTPRequest("GET", "", 404, time.Millisecond)

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /v1/features/{key}", "200")); v != 1 {
		t.Fatalf("expected matched route count 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")); v != 1 {
		t.Fatalf("expected unmatched count 1, got %v", v)
	}
}

func TestRecordSeedReload(t *testing.T) {
	m := New()

	m.RecordSeedReload(nil)
	m.RecordSeedReload(errors.New("bad yaml"))

	if v := testutil.ToFloat64(m.SeedReloadsTotal.WithLabelValues("ok")); v != 1 {
		t.Fatalf("expected ok reloads 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.SeedReloadsTotal.WithLabelValues("error")); v != 1 {
		t.Fatalf("expected failed reloads 1, got %v", v)
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	m := New()
	interceptor := m.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/gatez.v1.GateService/Enabled"}

	_, _ = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	_, _ = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "bad")
	})

	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Enabled", "OK")); v != 1 {
		t.Fatalf("expected OK count 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Enabled", "InvalidArgument")); v != 1 {
		t.Fatalf("expected InvalidArgument count 1, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncAuthFailures()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "gatez_auth_failures_total 1") {
		t.Fatal("expected response to contain gatez_auth_failures_total")
	}
}
