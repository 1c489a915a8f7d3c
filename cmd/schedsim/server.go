package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ranware/macsched/internal/log"
	"github.com/ranware/macsched/internal/metrics"
)

// newServer builds the read-only debug endpoint: Prometheus metrics,
// liveness and a per-user throughput snapshot. Nothing served here feeds
// back into scheduling.
func newServer(addr, runID string, collector *metrics.Collector) *http.Server {
	r := chi.NewRouter()
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"run_id":  runID,
			"version": version,
		})
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		snap := collector.Snapshot()
		users := make([]userStats, 0, len(snap))
		for _, u := range snap {
			users = append(users, userStats{
				RNTI:       u.RNTI.String(),
				DLBytes:    u.DLBytes,
				ULBytes:    u.ULBytes,
				LastActive: uint32(u.LastActive),
			})
		}
		writeJSON(w, http.StatusOK, statsResponse{RunID: runID, Users: users})
	})

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type statsResponse struct {
	RunID string      `json:"run_id"`
	Users []userStats `json:"users"`
}

type userStats struct {
	RNTI       string `json:"rnti"`
	DLBytes    uint64 `json:"dl_bytes"`
	ULBytes    uint64 `json:"ul_bytes"`
	LastActive uint32 `json:"last_active_tti"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srvLog := log.WithComponent("server")
		srvLog.Warn().Err(err).Msg("response encode failed")
	}
}
