package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/siamtech/querygate/internal/lrucache"
	"github.com/siamtech/querygate/metrics"
	"github.com/siamtech/querygate/tenant"
)

const (
	snapshotTTL       = 10 * time.Minute
	snapshotCapacity  = 64
	introspectTimeout = 15 * time.Second

	// maxConcurrentRefresh caps introspections across all tenants so a
	// config reload does not stampede every tenant database at once.
	maxConcurrentRefresh = 3
)

// Snapshots caches schema snapshots per tenant and registry generation.
// Refreshes are single-flighted so concurrent cache misses for one
// tenant run a single introspection.
type Snapshots struct {
	cache   *lrucache.Cache[string, *Snapshot]
	group   singleflight.Group
	sem     *semaphore.Weighted
	metrics *metrics.Exporter
	ttl     time.Duration

	introspectFn func(ctx context.Context, db *sql.DB) (*Snapshot, error)
}

// NewSnapshots creates the snapshot cache. The exporter may be nil.
func NewSnapshots(exporter *metrics.Exporter) *Snapshots {
	return &Snapshots{
		cache:        lrucache.New[string, *Snapshot](snapshotCapacity, snapshotTTL),
		sem:          semaphore.NewWeighted(maxConcurrentRefresh),
		metrics:      exporter,
		ttl:          snapshotTTL,
		introspectFn: introspect,
	}
}

// Get returns the tenant's schema snapshot, introspecting over db on a
// cache miss or TTL expiry.
func (s *Snapshots) Get(ctx context.Context, rt *tenant.Runtime, db *sql.DB) (*Snapshot, error) {
	key := snapshotKey(rt)
	if snap, ok := s.cache.Get(key); ok {
		return snap, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		if snap, ok := s.cache.Get(key); ok {
			return snap, nil
		}
		return s.refresh(ctx, rt, db, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate drops the tenant's cached snapshot. Called when execution
// errors reveal schema drift.
func (s *Snapshots) Invalidate(rt *tenant.Runtime) {
	s.cache.Remove(snapshotKey(rt))
	slog.Debug("pg.schema.invalidated", "tenant", rt.Config.ID)
}

func (s *Snapshots) refresh(ctx context.Context, rt *tenant.Runtime, db *sql.DB, key string) (*Snapshot, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("refresh schema for tenant %s: %w", rt.Config.ID, err)
	}
	defer s.sem.Release(1)

	refreshCtx, cancel := context.WithTimeout(ctx, introspectTimeout)
	defer cancel()

	start := time.Now()
	snap, err := s.introspectFn(refreshCtx, db)
	if s.metrics != nil {
		s.metrics.RecordSchemaRefresh(rt.Config.ID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("refresh schema for tenant %s: %w", rt.Config.ID, err)
	}

	s.cache.Set(key, snap, s.ttl)
	slog.Info("pg.schema.refreshed",
		"tenant", rt.Config.ID,
		"tables", len(snap.Tables),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return snap, nil
}

// snapshotKey keys the cache by tenant and registry generation so a
// configuration reload naturally drops stale snapshots.
func snapshotKey(rt *tenant.Runtime) string {
	return fmt.Sprintf("%s:%d", rt.Config.ID, rt.Generation())
}
