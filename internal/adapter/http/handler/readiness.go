package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"wallet-settlement/internal/core/ports"

	"github.com/gin-gonic/gin"
)

const probeTimeout = 2 * time.Second

type componentStatus struct {
	Up        bool   `json:"up"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Readiness handles GET /health. Probes run concurrently under one deadline;
// any failing component makes the whole service not ready.
func Readiness(probes ...ports.ReadinessProbe) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		var (
			mu         sync.Mutex
			wg         sync.WaitGroup
			components = make(map[string]componentStatus, len(probes))
			ready      = true
		)
		for _, p := range probes {
			wg.Add(1)
			go func(p ports.ReadinessProbe) {
				defer wg.Done()
				start := time.Now()
				err := p.Probe(ctx)
				st := componentStatus{Up: err == nil, LatencyMS: time.Since(start).Milliseconds()}
				if err != nil {
					st.Error = err.Error()
				}

				mu.Lock()
				defer mu.Unlock()
				components[p.Component()] = st
				ready = ready && err == nil
			}(p)
		}
		wg.Wait()

		code, status := http.StatusOK, "ready"
		if !ready {
			code, status = http.StatusServiceUnavailable, "not_ready"
		}
		c.JSON(code, gin.H{"status": status, "components": components})
	}
}
