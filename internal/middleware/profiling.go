// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

// ProfilingConfig configures the profiling middleware.
type ProfilingConfig struct {
	// Enabled exposes the pprof endpoints. Heap profiles can contain event
	// payloads and signing material, so this must stay off outside
	// development.
	Enabled bool

	// Environment gates a second check: production environments refuse to
	// serve profiles even when Enabled is set.
	Environment string
}

// Profiling exposes the net/http/pprof handlers under /debug/pprof/* when
// enabled. Requests outside that prefix pass through untouched. The
// middleware refuses to activate when Environment is production, regardless
// of the Enabled flag.
func Profiling(config ProfilingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !config.Enabled {
			return next
		}

		if config.Environment == "production" || config.Environment == "prod" {
			slog.Error("refusing to enable profiling in a production environment",
				"environment", config.Environment,
			)
			return next
		}

		slog.Warn("profiling endpoints enabled",
			"environment", config.Environment,
			"endpoints", "/debug/pprof/*",
		)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/debug/pprof") {
				next.ServeHTTP(w, r)
				return
			}

			switch r.URL.Path {
			case "/debug/pprof/cmdline":
				pprof.Cmdline(w, r)
			case "/debug/pprof/profile":
				pprof.Profile(w, r)
			case "/debug/pprof/symbol":
				pprof.Symbol(w, r)
			case "/debug/pprof/trace":
				pprof.Trace(w, r)
			default:
				// Index also serves the named runtime profiles
				// (heap, goroutine, block, mutex, allocs).
				pprof.Index(w, r)
			}
		})
	}
}

// ProfilingStatus reports whether profiling is active so operators can check
// the flag without hitting a profile endpoint.
func ProfilingStatus(config ProfilingConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		status := "disabled"
		if config.Enabled {
			status = "enabled"
		}

		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(map[string]any{
			"profiling_enabled": config.Enabled,
			"environment":       config.Environment,
			"status":            status,
		})
		if err != nil {
			slog.Error("failed to write profiling status response", "error", err)
		}
	}
}
