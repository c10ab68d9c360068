package api

import (
	"context"
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	godisk "github.com/shirou/gopsutil/v4/disk"
	gomem "github.com/shirou/gopsutil/v4/mem"
)

var startTime = time.Now()

const (
	healthOK       = "healthy"
	healthDegraded = "degraded"
	healthBad      = "unhealthy"

	diskDegradedPct = 90.0
	memDegradedPct  = 95.0
)

// handleHealth serves GET /health and /api/health. The overall status
// is the worst individual check: an unreachable database is unhealthy
// (503), resource pressure is degraded but still 200 so orchestrators
// don't restart a working process over a full disk warning.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeMethodNotAllowed(w, req)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	status := healthOK
	checks := map[string]string{}

	if err := r.store.Ping(ctx); err != nil {
		status = healthBad
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}

	probe := "health:probe"
	r.cache.Set(probe, true, time.Second)
	if _, ok := r.cache.Get(probe); ok {
		checks["cache"] = "ok"
	} else {
		checks["cache"] = "probe write not readable"
		if status == healthOK {
			status = healthDegraded
		}
	}

	if usage, err := godisk.UsageWithContext(ctx, filepath.Dir(r.store.Path())); err == nil {
		if usage.UsedPercent > diskDegradedPct {
			checks["disk"] = "low space"
			if status == healthOK {
				status = healthDegraded
			}
		} else {
			checks["disk"] = "ok"
		}
	}
	if vm, err := gomem.VirtualMemoryWithContext(ctx); err == nil {
		if vm.UsedPercent > memDegradedPct {
			checks["memory"] = "pressure"
			if status == healthOK {
				status = healthDegraded
			}
		} else {
			checks["memory"] = "ok"
		}
	}

	body := map[string]any{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(startTime).Seconds(),
		"version":   r.version,
		"checks":    checks,
	}
	if r.hub != nil {
		body["ws_clients"] = r.hub.ClientCount()
	}

	code := http.StatusOK
	if status == healthBad {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

// handleVersion serves GET /api/version.
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeMethodNotAllowed(w, req)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": r.version,
		"runtime": runtime.Version(),
	})
}
