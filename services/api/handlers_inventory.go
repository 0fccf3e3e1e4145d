package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"invd/services/cache"
)

// inventoryResponse is the wire form of a snapshot. VM-scope responses carry
// a flat record list; host-scope responses keep the per-host map.
type inventoryResponse struct {
	Scope       cache.Scope                         `json:"scope"`
	Hosts       []string                            `json:"hosts"`
	Level       string                              `json:"level"`
	GeneratedAt time.Time                           `json:"generated_at"`
	Source      string                              `json:"source,omitempty"`
	Stale       bool                                `json:"stale"`
	StaleReason string                              `json:"stale_reason,omitempty"`
	TotalHosts  int                                 `json:"total_hosts"`
	HostsStatus map[string]cache.SnapshotHostStatus `json:"hosts_status"`
	Summary     map[string]int                      `json:"summary"`
	Data        any                                 `json:"data"`
}

func toInventoryResponse(p cache.SnapshotPayload) inventoryResponse {
	resp := inventoryResponse{
		Scope:       p.Scope,
		Hosts:       p.Key.Hosts(),
		Level:       p.Level,
		GeneratedAt: p.GeneratedAt,
		Source:      p.Source,
		Stale:       p.Stale,
		StaleReason: p.StaleReason,
		TotalHosts:  p.TotalHosts,
		HostsStatus: p.HostsStatus,
		Summary:     p.Summary,
	}
	if p.Scope == cache.ScopeVMs {
		resp.Data = p.Records()
	} else {
		resp.Data = p.Data
	}
	return resp
}

// resolveRequest turns raw query parameters into a normalized scope key and
// the collector responsible for it. Hosts omitted by the caller come from the
// fleet file's provider entry.
func (a *API) resolveRequest(r *http.Request) (cache.ScopeKey, cache.Collector, error) {
	scope, ok := cache.ParseScope(chi.URLParam(r, "scope"))
	if !ok {
		return cache.ScopeKey{}, nil, fmt.Errorf("unknown scope %q", chi.URLParam(r, "scope"))
	}

	providerName := r.URL.Query().Get("provider")
	provider, found := a.config.Fleet.Lookup(providerName)
	if providerName != "" && !found {
		return cache.ScopeKey{}, nil, fmt.Errorf("unknown provider %q", providerName)
	}

	hosts := queryList(r, "hosts")
	if len(hosts) == 0 {
		hosts = provider.Hosts
	}

	level := r.URL.Query().Get("level")
	if level == "" {
		level = provider.Level
	}

	// Collectors register per provider and scope; a bare provider entry is
	// accepted as a scope-agnostic fallback.
	collector := a.store.Collectors[provider.Name+"/"+string(scope)]
	if collector == nil {
		collector = a.store.Collectors[provider.Name]
	}
	if collector == nil && len(a.store.Collectors) == 1 {
		for _, c := range a.store.Collectors {
			collector = c
		}
	}
	if collector == nil {
		return cache.ScopeKey{}, nil, fmt.Errorf("no collector configured for provider %q", provider.Name)
	}

	return cache.NewScopeKey(scope, hosts, level), collector, nil
}

func (a *API) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	key, collector, err := a.resolveRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.config.RequestTimeout)
	defer cancel()

	force := queryBool(r, "refresh")
	payload, err := a.store.Orchestrator.GetOrRefresh(ctx, key, force, collector)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, toInventoryResponse(payload))
	case errors.Is(err, cache.ErrNoData):
		// First-ever collection failed on every host; expose the statuses.
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":    err.Error(),
			"snapshot": toInventoryResponse(payload),
		})
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		// Refresh continues in the background; serve what we have.
		if payload.GeneratedAt.IsZero() {
			respondError(w, http.StatusGatewayTimeout, err)
			return
		}
		respondJSON(w, http.StatusOK, toInventoryResponse(payload))
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) handleStartRefresh(w http.ResponseWriter, r *http.Request) {
	key, collector, err := a.resolveRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	jobID, _, err := a.store.Orchestrator.StartRefresh(key, collector)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"job_id":    jobID,
		"scope_key": key.String(),
	})
}
