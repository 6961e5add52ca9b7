package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Runtime wraps one tenant's immutable config with its lazily opened
// connection pool. A Runtime belongs to exactly one registry generation;
// requests that resolved it keep using it even across a reload.
type Runtime struct {
	Config *TenantConfig

	doc    *Document
	gen    int64
	poolMu sync.Mutex
	pool   *sql.DB
}

// Generation returns the registry generation this runtime belongs to.
func (rt *Runtime) Generation() int64 {
	return rt.gen
}

// Policy returns the global settings of this runtime's generation, so a
// request resolved before a reload keeps one coherent view.
func (rt *Runtime) Policy() *GlobalSettings {
	return &rt.doc.GlobalSettings
}

// Flags returns the feature flags of this runtime's generation.
func (rt *Runtime) Flags() *FeatureFlags {
	return &rt.doc.FeatureFlags
}

// Pool returns the tenant's connection pool, opening it on first use.
// Open failures are not cached; the next call retries.
func (rt *Runtime) Pool(ctx context.Context) (*sql.DB, error) {
	rt.poolMu.Lock()
	defer rt.poolMu.Unlock()
	if rt.pool != nil {
		return rt.pool, nil
	}
	db, err := openPool(ctx, rt.Config)
	if err != nil {
		return nil, err
	}
	rt.pool = db
	return db, nil
}

// PoolOpen reports whether the pool has been opened, without opening it.
func (rt *Runtime) PoolOpen() bool {
	rt.poolMu.Lock()
	defer rt.poolMu.Unlock()
	return rt.pool != nil
}

// PoolStats returns database/sql pool statistics when the pool is open.
func (rt *Runtime) PoolStats() (sql.DBStats, bool) {
	rt.poolMu.Lock()
	defer rt.poolMu.Unlock()
	if rt.pool == nil {
		return sql.DBStats{}, false
	}
	return rt.pool.Stats(), true
}

func (rt *Runtime) closePool() {
	rt.poolMu.Lock()
	defer rt.poolMu.Unlock()
	if rt.pool == nil {
		return
	}
	if err := rt.pool.Close(); err != nil {
		slog.Warn("tenant.pool.close_failed", "tenant", rt.Config.ID, "error", err)
	}
	rt.pool = nil
}

// generation is one coherent snapshot of the tenants document.
type generation struct {
	seq      int64
	doc      *Document
	runtimes map[string]*Runtime
}

func (g *generation) closePools() {
	for _, rt := range g.runtimes {
		rt.closePool()
	}
}

// ResolveHint carries every tenant identity clue found in one request.
type ResolveHint struct {
	HeaderID string // value of the tenant header
	APIKey   string // bearer credential, possibly sk-<tenant-id> or a configured key
	Model    string // request model field, possibly <tenant-id>-<model>
	BodyID   string // tenant_id from the request body
}

// ReloadDiff summarizes a configuration reload.
type ReloadDiff struct {
	Added     []string
	Removed   []string
	Unchanged []string
}

// Registry is the single source of truth for tenant identity and pools.
// Reads go through an atomic generation pointer; Reload publishes a fresh
// generation and drains the old one after a grace window.
type Registry struct {
	path       string
	drainGrace time.Duration

	gen  atomic.Pointer[generation]
	seq  atomic.Int64
	mu   sync.Mutex // serializes Reload and Close
	done chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry loads the tenants document at path and builds the first
// generation. Pools open lazily; use SmokeTest for eager verification.
func NewRegistry(path string) (*Registry, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		path:       path,
		drainGrace: defaultDrainGrace,
		done:       make(chan struct{}),
	}
	r.gen.Store(r.newGeneration(doc))

	slog.Info("tenant.registry.loaded",
		"tenants", strings.Join(doc.TenantIDs(), ","),
		"default", doc.DefaultTenant,
	)
	return r, nil
}

func (r *Registry) newGeneration(doc *Document) *generation {
	seq := r.seq.Add(1)
	g := &generation{
		seq:      seq,
		doc:      doc,
		runtimes: make(map[string]*Runtime, len(doc.Tenants)),
	}
	for id, cfg := range doc.Tenants {
		g.runtimes[id] = &Runtime{Config: cfg, doc: doc, gen: seq}
	}
	return g
}

// Doc returns the current generation's document.
func (r *Registry) Doc() *Document {
	return r.gen.Load().doc
}

// Policy returns the current global policy block.
func (r *Registry) Policy() *GlobalSettings {
	return &r.gen.Load().doc.GlobalSettings
}

// Flags returns the current feature flags.
func (r *Registry) Flags() *FeatureFlags {
	return &r.gen.Load().doc.FeatureFlags
}

// Generation returns the current generation sequence number.
func (r *Registry) Generation() int64 {
	return r.gen.Load().seq
}

// TenantIDs returns the current tenant ids in sorted order.
func (r *Registry) TenantIDs() []string {
	return r.gen.Load().doc.TenantIDs()
}

// Runtime returns the named tenant's runtime from the current generation.
func (r *Registry) Runtime(id string) (*Runtime, error) {
	g := r.gen.Load()
	rt, ok := g.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantUnknown, id)
	}
	if rt.Config.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrTenantDisabled, id)
	}
	return rt, nil
}

// Resolve finds the tenant a request belongs to. Precedence: tenant
// header, API key convention, model-name prefix, body tenant id, then the
// default tenant when policy allows it. The standard OpenAI carriers
// (key, model) outrank the body extension field. All clues from one
// request resolve against a single generation.
func (r *Registry) Resolve(hint ResolveHint) (*Runtime, error) {
	g := r.gen.Load()
	sec := &g.doc.GlobalSettings.Security

	if sec.RequireTenantHeader && strings.TrimSpace(hint.HeaderID) == "" {
		return nil, fmt.Errorf("%w: header %s", ErrTenantRequired, sec.TenantHeaderName)
	}

	if id := strings.TrimSpace(hint.HeaderID); id != "" {
		return r.runtimeFrom(g, id)
	}
	if id := tenantFromAPIKey(g, hint.APIKey); id != "" {
		return r.runtimeFrom(g, id)
	}
	if id, _ := splitModelPrefix(g, hint.Model); id != "" {
		return r.runtimeFrom(g, id)
	}
	if id := strings.TrimSpace(hint.BodyID); id != "" {
		return r.runtimeFrom(g, id)
	}

	if sec.DefaultOnMissing() && g.doc.DefaultTenant != "" {
		return r.runtimeFrom(g, g.doc.DefaultTenant)
	}
	return nil, ErrTenantRequired
}

func (r *Registry) runtimeFrom(g *generation, id string) (*Runtime, error) {
	rt, ok := g.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantUnknown, id)
	}
	if rt.Config.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrTenantDisabled, id)
	}
	return rt, nil
}

// tenantFromAPIKey maps an API key to a tenant id. The sk-<tenant-id>
// convention is checked first, then the per-tenant configured key values.
func tenantFromAPIKey(g *generation, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if id, ok := strings.CutPrefix(key, "sk-"); ok {
		if _, exists := g.runtimes[id]; exists {
			return id
		}
	}
	for id, rt := range g.runtimes {
		for _, configured := range rt.Config.APIKeys {
			if configured != "" && configured == key {
				return id
			}
		}
	}
	return ""
}

// splitModelPrefix splits a "<tenant-id>-<model>" model name. Tenant ids may
// themselves contain dashes, so the longest known id wins.
func splitModelPrefix(g *generation, model string) (tenantID, bareModel string) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", ""
	}
	if _, ok := g.runtimes[model]; ok {
		return model, ""
	}
	best := ""
	for id := range g.runtimes {
		if strings.HasPrefix(model, id+"-") && len(id) > len(best) {
			best = id
		}
	}
	if best == "" {
		return "", model
	}
	return best, model[len(best)+1:]
}

// SplitModel resolves a request model name against the current generation.
func (r *Registry) SplitModel(model string) (tenantID, bareModel string) {
	return splitModelPrefix(r.gen.Load(), model)
}

// PoolFor returns the named tenant's connection pool, opening it lazily.
func (r *Registry) PoolFor(ctx context.Context, id string) (*sql.DB, error) {
	rt, err := r.Runtime(id)
	if err != nil {
		return nil, err
	}
	return rt.Pool(ctx)
}

// SmokeTest eagerly opens and pings every enabled tenant's pool. Used by
// strict startup; the pools stay open for subsequent requests.
func (r *Registry) SmokeTest(ctx context.Context) error {
	g := r.gen.Load()
	for _, id := range g.doc.TenantIDs() {
		rt := g.runtimes[id]
		if rt.Config.Disabled || !rt.Config.Settings.PostgresEnabled() {
			continue
		}
		if _, err := rt.Pool(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Reload re-reads the tenants document and atomically publishes a new
// generation. In-flight requests keep the generation they resolved; the old
// generation's pools close after the drain grace window.
func (r *Registry) Reload() (ReloadDiff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return ReloadDiff{}, ErrRegistryClosed
	default:
	}

	doc, err := LoadDocument(r.path)
	if err != nil {
		return ReloadDiff{}, err
	}

	old := r.gen.Load()
	next := r.newGeneration(doc)
	r.gen.Store(next)

	diff := diffGenerations(old, next)
	slog.Info("tenant.registry.reloaded",
		"generation", next.seq,
		"added", strings.Join(diff.Added, ","),
		"removed", strings.Join(diff.Removed, ","),
		"unchanged", len(diff.Unchanged),
	)

	r.retire(old)
	return diff, nil
}

func diffGenerations(old, next *generation) ReloadDiff {
	var diff ReloadDiff
	for _, id := range next.doc.TenantIDs() {
		if _, ok := old.runtimes[id]; ok {
			diff.Unchanged = append(diff.Unchanged, id)
		} else {
			diff.Added = append(diff.Added, id)
		}
	}
	for _, id := range old.doc.TenantIDs() {
		if _, ok := next.runtimes[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	return diff
}

// retire closes a generation's pools after the drain grace window, letting
// requests that still hold the old generation finish.
func (r *Registry) retire(g *generation) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(r.drainGrace):
		case <-r.done:
		}
		g.closePools()
		slog.Info("tenant.registry.generation_drained", "generation", g.seq)
	}()
}

// Close shuts the registry down: pending drains fire immediately and the
// current generation's pools close.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	r.wg.Wait()
	r.gen.Load().closePools()
}
