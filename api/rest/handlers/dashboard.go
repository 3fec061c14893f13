package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"gpu-render-orchestrator/core/catalog"
	"gpu-render-orchestrator/core/models"
	"gpu-render-orchestrator/core/monitoring"
	"gpu-render-orchestrator/core/placement"
	"gpu-render-orchestrator/core/quota"

	"github.com/gorilla/mux"
)

// AvailabilityChecker probes quota for one placement
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, q quota.Query) models.QuotaSnapshot
}

// CostSource reports accumulated spend per lineage
type CostSource interface {
	GetLineageCost(lineageID string) monitoring.LineageCost
}

// DashboardHandler serves the placement catalog, live quota and spend
type DashboardHandler struct {
	catalog *catalog.Catalog
	checker AvailabilityChecker
	costs   CostSource
	calc    *placement.CostCalculator
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(cat *catalog.Catalog, checker AvailabilityChecker, costs CostSource) *DashboardHandler {
	return &DashboardHandler{
		catalog: cat,
		checker: checker,
		costs:   costs,
		calc:    placement.NewCostCalculator(),
	}
}

// GetCatalog handles GET /v1/catalog. Per-render costs assume a render that takes
// ?cpu_minutes= on the CPU terminal, one hour by default.
func (h *DashboardHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	cpuRenderTime := placement.ReferenceRenderTime
	if raw := r.URL.Query().Get("cpu_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			http.Error(w, "Invalid cpu_minutes", http.StatusBadRequest)
			return
		}
		cpuRenderTime = time.Duration(minutes) * time.Minute
	}

	placements := h.catalog.ListPlacements()
	items := make([]map[string]interface{}, len(placements))
	for i, opt := range placements {
		item := placementResponse(opt)
		item["cpu"] = opt.IsCPU()
		item["speed_factor"] = opt.SpeedFactor
		item["effective_cost_per_render"] = h.calc.EffectiveCostPerRender(opt, cpuRenderTime)
		item["expected_cost_per_render"] = h.calc.ExpectedCostPerRender(opt, cpuRenderTime)
		items[i] = item
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cpu_render_minutes": cpuRenderTime.Minutes(),
		"items":              items,
	})
}

// GetQuota handles GET /v1/quota. Every GPU placement is probed; CPU is never quota-checked.
func (h *DashboardHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	var items []map[string]interface{}
	available := 0
	preemptibleAvailable := 0

	for _, opt := range h.catalog.ListPlacements() {
		if opt.IsCPU() {
			continue
		}
		snap := h.checker.CheckAvailability(r.Context(), quota.QueryFor(opt))
		headroom := snap.HasHeadroom(opt.QuotaDemand())
		if headroom {
			available++
			if opt.Preemptible {
				preemptibleAvailable++
			}
		}

		item := map[string]interface{}{
			"placement":    placementResponse(opt),
			"known":        snap.Known,
			"has_headroom": headroom,
		}
		if snap.Known {
			item["limit"] = snap.Limit
			item["used"] = snap.Used
			item["available"] = snap.Available
		}
		if snap.Err != "" {
			item["error"] = snap.Err
		}
		items = append(items, item)
	}

	status := "ok"
	switch {
	case len(items) > 0 && available == 0:
		status = "no_gpu_quota"
	case available < len(items):
		status = "limited_quota"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                 status,
		"gpu_options_available":  available,
		"spot_options_available": preemptibleAvailable,
		"cpu_fallback":           placementResponse(h.catalog.Terminal()),
		"items":                  items,
	})
}

// GetRenderCost handles GET /v1/renders/{id}/cost
func (h *DashboardHandler) GetRenderCost(w http.ResponseWriter, r *http.Request) {
	cost := h.costs.GetLineageCost(mux.Vars(r)["id"])
	if cost.Attempts == 0 {
		http.Error(w, "No finished attempts for render", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lineage_id": cost.LineageID,
		"attempts":   cost.Attempts,
		"total_usd":  cost.TotalUSD,
		"wasted_usd": cost.WastedUSD,
	})
}
