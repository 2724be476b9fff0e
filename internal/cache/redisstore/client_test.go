package redisstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/observability"
	"github.com/mohammed-shakir/mongo-shape-source/internal/metrics"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestSetGetDel_HappyPath(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rc.Set(ctx, "k1", []byte("v1"), 5*time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, found, err := rc.Get(ctx, "k1")
	if err != nil || !found || string(got) != "v1" {
		t.Fatalf("Get k1 = %q found=%v err=%v", got, found, err)
	}

	_, found, err = rc.Get(ctx, "missing")
	if err != nil || found {
		t.Fatalf("Get missing found=%v err=%v", found, err)
	}

	if err := rc.Del(ctx, "k1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, found, _ := rc.Get(ctx, "k1"); found {
		t.Fatalf("k1 still present after Del")
	}
}

func TestIncrAndGetInt64(t *testing.T) {
	rc, _ := newMini(t)
	ctx := context.Background()

	n, err := rc.GetInt64(ctx, "gen")
	if err != nil || n != 0 {
		t.Fatalf("GetInt64 on missing key = %d, %v; want 0, nil", n, err)
	}
	for want := int64(1); want <= 3; want++ {
		got, err := rc.Incr(ctx, "gen")
		if err != nil || got != want {
			t.Fatalf("Incr = %d, %v; want %d", got, err, want)
		}
	}
	n, err = rc.GetInt64(ctx, "gen")
	if err != nil || n != 3 {
		t.Fatalf("GetInt64 = %d, %v; want 3", n, err)
	}
}

func TestGetInt64_NotANumber(t *testing.T) {
	rc, mr := newMini(t)
	if err := mr.Set("gen", "abc"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := rc.GetInt64(context.Background(), "gen"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestContextDeadline_IsRespected(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rc.Set(ctx, "k", []byte("v"), time.Second); err == nil {
		t.Fatalf("expected error on Set with canceled context")
	}
	if _, _, err := rc.Get(ctx, "k"); err == nil {
		t.Fatalf("expected error on Get with canceled context")
	}
	if err := rc.Del(ctx, "k"); err == nil {
		t.Fatalf("expected error on Del with canceled context")
	}
	if _, err := rc.Incr(ctx, "k"); err == nil {
		t.Fatalf("expected error on Incr with canceled context")
	}
}

func TestReady_FailsWhenServerGone(t *testing.T) {
	rc, mr := newMini(t)
	if err := rc.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ready(ctx); err == nil {
		t.Fatalf("expected Ready to fail after server close")
	}
}

func TestMetrics_Incremented(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)

	rc, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = rc.Set(ctx, "m1", []byte("x"), time.Minute)
	_, _, _ = rc.Get(ctx, "m1")
	_, _, _ = rc.Get(ctx, "m2")
	_ = rc.Del(ctx, "m1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `cache_op_total{op="set"`) ||
		!strings.Contains(body, `cache_op_total{op="get"`) ||
		!strings.Contains(body, `cache_op_total{op="del"`) {
		t.Fatalf("missing cache_op_total metrics; got:\n%s", body)
	}
	if !strings.Contains(body, `redis_operation_duration_seconds_bucket{op="set"`) {
		t.Fatalf("missing redis_operation_duration_seconds histogram; got:\n%s", body)
	}
	if !strings.Contains(body, `cache_results_total{outcome="hit",tier="redis"}`) ||
		!strings.Contains(body, `cache_results_total{outcome="miss",tier="redis"}`) {
		t.Fatalf("missing cache_results_total; got:\n%s", body)
	}
}
