package gateway

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/siamtech/querygate/internal/version"
	"github.com/siamtech/querygate/tenant"
)

// modelCatalog lists every addressable model id: one "<tenant>-<model>"
// entry per enabled tenant, plus the default tenant's bare model.
func (s *Server) modelCatalog() []ModelInfo {
	doc := s.registry.Doc()
	created := s.started.Unix()

	var out []ModelInfo
	for _, id := range s.registry.TenantIDs() {
		cfg := doc.Tenants[id]
		if cfg == nil || cfg.Disabled {
			continue
		}
		out = append(out, ModelInfo{
			ID:          id + "-" + cfg.Model,
			Object:      "model",
			Created:     created,
			OwnedBy:     id,
			Name:        cfg.Name,
			Description: cfg.Description,
		})
	}
	if def := doc.DefaultTenant; def != "" {
		if cfg := doc.Tenants[def]; cfg != nil && !cfg.Disabled {
			out = append(out, ModelInfo{
				ID:      cfg.Model,
				Object:  "model",
				Created: created,
				OwnedBy: def,
				Name:    cfg.Name,
			})
		}
	}
	return out
}

// handleListModels serves GET /v1/models.
func (s *Server) handleListModels(c echo.Context) error {
	catalog := s.modelCatalog()
	if catalog == nil {
		catalog = []ModelInfo{}
	}
	return c.JSON(http.StatusOK, ModelList{Object: "list", Data: catalog})
}

// handleGetModel serves GET /v1/models/:id.
func (s *Server) handleGetModel(c echo.Context) error {
	id := c.Param("id")
	for _, m := range s.modelCatalog() {
		if m.ID == id {
			return c.JSON(http.StatusOK, m)
		}
	}
	return writeError(c, http.StatusNotFound, "model_not_found",
		fmt.Sprintf("model %q is not served by any tenant", id))
}

type healthTenant struct {
	ID        string `json:"id"`
	PoolOpen  bool   `json:"pool_open"`
	OpenConns int    `json:"open_conns,omitempty"`
}

type healthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Mode       string         `json:"mode"`
	Generation int64          `json:"generation"`
	UptimeSec  int64          `json:"uptime_seconds"`
	Tenants    []healthTenant `json:"tenants"`
}

// handleHealth serves GET /health. It never touches tenant databases;
// pool state is reported as observed, not probed.
func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{
		Status:     "ok",
		Version:    version.String(),
		Mode:       s.profile.Mode,
		Generation: s.registry.Generation(),
		UptimeSec:  int64(time.Since(s.started).Seconds()),
	}
	for _, id := range s.registry.TenantIDs() {
		rt, err := s.registry.Runtime(id)
		if err != nil {
			continue
		}
		ht := healthTenant{ID: id, PoolOpen: rt.PoolOpen()}
		if stats, ok := rt.PoolStats(); ok {
			ht.OpenConns = stats.OpenConnections
		}
		resp.Tenants = append(resp.Tenants, ht)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListTenants serves GET /tenants, the credential-free admin view.
// Without a configured admin token the endpoint does not exist.
func (s *Server) handleListTenants(c echo.Context) error {
	token := s.profile.AdminToken
	if token == "" {
		return writeError(c, http.StatusNotFound, "not_found", "not found")
	}
	if subtle.ConstantTimeCompare([]byte(bearerToken(c.Request())), []byte(token)) != 1 {
		return writeError(c, http.StatusUnauthorized, "unauthorized", "invalid admin token")
	}

	doc := s.registry.Doc()
	summaries := make([]tenant.Summary, 0, len(doc.Tenants))
	for _, id := range s.registry.TenantIDs() {
		if cfg := doc.Tenants[id]; cfg != nil {
			summaries = append(summaries, cfg.Summarize())
		}
	}
	return c.JSON(http.StatusOK, summaries)
}
