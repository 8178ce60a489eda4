package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "Errand-Desk/internal/errors"
)

const healthCheckTimeout = 5 * time.Second

// 组件健康状态。
const (
	HealthConnected = "connected"
	HealthError     = "error"
	HealthPending   = "pending"
)

// Pinger 是可以探测连通性的外部依赖。
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck 描述一个被检查的组件，Target 为 nil 表示未配置。
type HealthCheck struct {
	Name   string
	Label  string
	Target Pinger
}

// ComponentHealth 是单个组件的检查结果。
type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// HealthReport 汇总所有组件。Status 为 healthy、degraded 或 partial。
type HealthReport struct {
	Status    string                     `json:"status"`
	Services  map[string]ComponentHealth `json:"services"`
	Timestamp time.Time                  `json:"timestamp"`
}

// checkHealth 并发检查所有组件，单个组件的失败不影响其他组件。
func checkHealth(ctx context.Context, checks []HealthCheck, now time.Time) HealthReport {
	var (
		mu       sync.Mutex
		services = make(map[string]ComponentHealth, len(checks))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range checks {
		g.Go(func() error {
			res := runCheck(gctx, c)
			mu.Lock()
			services[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return HealthReport{Status: overallHealth(services), Services: services, Timestamp: now}
}

func runCheck(ctx context.Context, c HealthCheck) ComponentHealth {
	if c.Target == nil {
		return ComponentHealth{Status: HealthPending, Detail: c.Label + " not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	start := time.Now()
	if err := c.Target.Ping(ctx); err != nil {
		detail := "unreachable"
		if _, ok := xerrors.From(err); ok {
			detail = xerrors.PublicMessage(err)
		}
		return ComponentHealth{Status: HealthError, Detail: c.Label + ": " + detail}
	}
	return ComponentHealth{Status: HealthConnected, Detail: fmt.Sprintf("%s OK (%dms)", c.Label, time.Since(start).Milliseconds())}
}

func overallHealth(services map[string]ComponentHealth) string {
	allConnected := true
	for _, s := range services {
		switch s.Status {
		case HealthError:
			return "degraded"
		case HealthConnected:
		default:
			allConnected = false
		}
	}
	if allConnected {
		return "healthy"
	}
	return "partial"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, checkHealth(r.Context(), s.deps.Health, s.now().UTC()))
}
