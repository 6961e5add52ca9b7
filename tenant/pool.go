package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	// PostgreSQL driver, registered as "postgres".
	_ "github.com/lib/pq"
)

const (
	connectTimeout    = 5 * time.Second
	statementTimeout  = 30 * time.Second
	idleInTxTimeout   = 60 * time.Second
	connMaxLifetime   = 30 * time.Minute
	connMaxIdleTime   = 5 * time.Minute
	defaultDrainGrace = 60 * time.Second
	applicationName   = "querygate"
)

// DSN builds the lib/pq connection string for a tenant database.
// statement_timeout and idle_in_transaction_session_timeout ride along as
// server run-time parameters so every connection of the pool carries them,
// and default_transaction_read_only pins the session read-only.
func (c *DatabaseConfig) DSN() string {
	parts := []string{
		"host=" + quoteDSNValue(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"dbname=" + quoteDSNValue(c.Database),
		"user=" + quoteDSNValue(c.User),
		"password=" + quoteDSNValue(c.Password),
		"sslmode=" + c.SSLMode,
		fmt.Sprintf("connect_timeout=%d", int(connectTimeout.Seconds())),
		"application_name=" + applicationName,
		fmt.Sprintf("statement_timeout=%d", statementTimeout.Milliseconds()),
		fmt.Sprintf("idle_in_transaction_session_timeout=%d", idleInTxTimeout.Milliseconds()),
		"default_transaction_read_only=on",
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue quotes a DSN value when it contains spaces or quotes.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// openPool opens the bounded connection pool for one tenant database.
// The caller owns the returned pool.
func openPool(ctx context.Context, cfg *TenantConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("open pool for tenant %s: %w", cfg.ID, err)
	}

	db.SetMaxOpenConns(cfg.Database.PoolSize)
	db.SetMaxIdleConns(cfg.Database.PoolSize)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect tenant %s database: %w", cfg.ID, err)
	}

	slog.Info("tenant.pool.open",
		"tenant", cfg.ID,
		"host", cfg.Database.Host,
		"database", cfg.Database.Database,
		"pool_size", cfg.Database.PoolSize,
	)
	return db, nil
}
