package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"vehicle-radar/internal/model"
	"vehicle-radar/internal/monitor"
	"vehicle-radar/internal/storage"
)

// Store 抽象存储的只读接口。
type Store interface {
	VehicleStats(ctx context.Context) (storage.Stats, error)
	Search(ctx context.Context, filters storage.SearchFilters, limit int) ([]model.Vehicle, error)
}

// Monitor 抽象监控循环的状态查询与手动触发。
type Monitor interface {
	Monitoring() bool
	CheckInterval() time.Duration
	Searches() []monitor.SearchConfig
	RunOnce(ctx context.Context) (int, error)
}

// StatusResponse 表示监控状态视图。
type StatusResponse struct {
	Monitoring    bool                   `json:"monitoring"`
	CheckInterval string                 `json:"check_interval"`
	Searches      []monitor.SearchConfig `json:"searches"`
}

// NewHandler 构造运维命令的 HTTP 多路复用器，全部端点为只读视图，
// /api/refresh 除外（手动触发一轮检查）。
func NewHandler(store Store, mon Monitor) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Monitoring:    mon.Monitoring(),
			CheckInterval: mon.CheckInterval().String(),
			Searches:      mon.Searches(),
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.VehicleStats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("/api/vehicles", func(w http.ResponseWriter, r *http.Request) {
		filters := storage.SearchFilters{
			Make: r.URL.Query().Get("make"),
			City: r.URL.Query().Get("city"),
		}
		filters.PriceMin = intParam(r, "price_min")
		filters.PriceMax = intParam(r, "price_max")
		filters.KMMax = intParam(r, "km_max")
		filters.ProductionYearMin = intParam(r, "year_min")

		limit := 50
		if v := intParam(r, "limit"); v != nil && *v > 0 {
			limit = *v
			if limit > 200 {
				limit = 200
			}
		}

		vehicles, err := store.Search(r.Context(), filters, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, vehicles)
	})

	mux.HandleFunc("/api/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		created, err := mon.RunOnce(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"created": created})
	})

	return mux
}

func intParam(r *http.Request, name string) *int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
