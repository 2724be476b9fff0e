package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Checker is one dependency that must be reachable before serving.
type Checker interface {
	Name() string
	Ready(ctx context.Context) error
}

// ReadinessReporter is implemented by consumers that know their partition
// assignment.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

type partitionCheck struct {
	name string
	rr   ReadinessReporter
}

// Partitions adapts a ReadinessReporter to a Checker.
func Partitions(name string, rr ReadinessReporter) Checker {
	return partitionCheck{name: name, rr: rr}
}

func (p partitionCheck) Name() string { return p.name }

func (p partitionCheck) Ready(context.Context) error {
	ready, parts := p.rr.Readiness()
	if !ready {
		return fmt.Errorf("no partitions assigned")
	}
	if len(parts) == 0 {
		return fmt.Errorf("assignment empty")
	}
	return nil
}

func (p partitionCheck) partitions() []int32 {
	_, parts := p.rr.Readiness()
	return parts
}

type checkResult struct {
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	Partitions []int32 `json:"partitions,omitempty"`
}

// Readiness runs every check with a shared timeout and answers 503 when
// any of them fails.
func Readiness(timeout time.Duration, checks ...Checker) http.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string                 `json:"status"`
			Checks map[string]checkResult `json:"checks,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		out := resp{Status: "ready", Checks: make(map[string]checkResult, len(checks))}
		for _, c := range checks {
			res := checkResult{Status: "ok"}
			if err := c.Ready(ctx); err != nil {
				res.Status = "not_ready"
				res.Error = err.Error()
				out.Status = "not_ready"
			} else if pc, ok := c.(partitionCheck); ok {
				res.Partitions = pc.partitions()
			}
			out.Checks[c.Name()] = res
		}

		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
