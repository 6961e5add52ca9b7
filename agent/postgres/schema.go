// Package postgres answers structured questions against the tenant
// database: introspect the schema, generate a parameterized SELECT,
// vet it through the safety gate, execute read-only and render the
// rows in the tenant's language.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"
)

// Column describes one table column.
type Column struct {
	Name     string
	DataType string
	Nullable bool

	// CommonValues samples the most frequent values of low-cardinality
	// columns, taken from planner statistics. Prompt enrichment only.
	CommonValues []string
}

// ForeignKey is one outgoing edge of a table.
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

// Table is one base table of the tenant database.
type Table struct {
	Schema      string
	Name        string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	RowEstimate int64
}

// QualifiedName returns schema.name, or the bare name for public tables.
func (t *Table) QualifiedName() string {
	if t.Schema == "" || t.Schema == "public" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Snapshot is the introspected shape of one tenant database at a point
// in time. It is immutable once built.
type Snapshot struct {
	CapturedAt time.Time
	Tables     []*Table

	byName map[string]*Table
}

// Table finds a table by bare or schema-qualified name.
func (s *Snapshot) Table(name string) *Table {
	return s.byName[name]
}

// Schemas returns the distinct schema names in sorted order.
func (s *Snapshot) Schemas() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range s.Tables {
		if _, ok := seen[t.Schema]; !ok {
			seen[t.Schema] = struct{}{}
			out = append(out, t.Schema)
		}
	}
	sort.Strings(out)
	return out
}

// AllowedSchemas returns the schema allow-list derived from the
// snapshot: every non-system schema the tenant database exposes.
func (s *Snapshot) AllowedSchemas() map[string]struct{} {
	allowed := make(map[string]struct{})
	for _, t := range s.Tables {
		allowed[t.Schema] = struct{}{}
	}
	return allowed
}

const columnsQuery = `
	SELECT c.table_schema, c.table_name, c.column_name, c.data_type, c.is_nullable = 'YES'
	FROM information_schema.columns c
	JOIN information_schema.tables t
	  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	WHERE t.table_type = 'BASE TABLE'
	  AND c.table_schema NOT IN ('pg_catalog', 'information_schema')
	ORDER BY c.table_schema, c.table_name, c.ordinal_position`

const primaryKeysQuery = `
	SELECT n.nspname, c.relname, a.attname
	FROM pg_constraint ct
	JOIN pg_class c ON c.oid = ct.conrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	JOIN unnest(ct.conkey) WITH ORDINALITY AS k(attnum, ord) ON true
	JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
	WHERE ct.contype = 'p'
	  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
	ORDER BY n.nspname, c.relname, k.ord`

const foreignKeysQuery = `
	SELECT n.nspname, c.relname, a.attname, fn.nspname, fc.relname, fa.attname
	FROM pg_constraint ct
	JOIN pg_class c ON c.oid = ct.conrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	JOIN pg_class fc ON fc.oid = ct.confrelid
	JOIN pg_namespace fn ON fn.oid = fc.relnamespace
	JOIN unnest(ct.conkey) WITH ORDINALITY AS k(attnum, ord) ON true
	JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
	JOIN unnest(ct.confkey) WITH ORDINALITY AS fk(attnum, ord) ON fk.ord = k.ord
	JOIN pg_attribute fa ON fa.attrelid = fc.oid AND fa.attnum = fk.attnum
	WHERE ct.contype = 'f'
	  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
	ORDER BY n.nspname, c.relname, ct.conname, k.ord`

const rowEstimatesQuery = `
	SELECT schemaname, relname, n_live_tup FROM pg_stat_user_tables`

const commonValuesQuery = `
	SELECT schemaname, tablename, attname, most_common_vals::text::text[]
	FROM pg_stats
	WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
	  AND n_distinct BETWEEN 1 AND 20
	  AND most_common_vals IS NOT NULL`

// introspect builds a snapshot of every non-system base table: columns
// with types and nullability, primary keys, foreign-key edges and the
// planner's live-row estimates.
func introspect(ctx context.Context, db *sql.DB) (*Snapshot, error) {
	snap := &Snapshot{
		CapturedAt: time.Now(),
		byName:     make(map[string]*Table),
	}

	if err := loadColumns(ctx, db, snap); err != nil {
		return nil, err
	}
	if len(snap.Tables) == 0 {
		return nil, fmt.Errorf("introspect: no base tables visible")
	}
	if err := loadPrimaryKeys(ctx, db, snap); err != nil {
		return nil, err
	}
	if err := loadForeignKeys(ctx, db, snap); err != nil {
		return nil, err
	}
	if err := loadRowEstimates(ctx, db, snap); err != nil {
		return nil, err
	}
	loadCommonValues(ctx, db, snap)
	return snap, nil
}

func loadColumns(ctx context.Context, db *sql.DB, snap *Snapshot) error {
	rows, err := db.QueryContext(ctx, columnsQuery)
	if err != nil {
		return fmt.Errorf("introspect columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, column, dataType string
		var nullable bool
		if err := rows.Scan(&schema, &table, &column, &dataType, &nullable); err != nil {
			return fmt.Errorf("scan column row: %w", err)
		}
		t := snap.table(schema, table)
		t.Columns = append(t.Columns, Column{Name: column, DataType: dataType, Nullable: nullable})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate column rows: %w", err)
	}
	return nil
}

func loadPrimaryKeys(ctx context.Context, db *sql.DB, snap *Snapshot) error {
	rows, err := db.QueryContext(ctx, primaryKeysQuery)
	if err != nil {
		return fmt.Errorf("introspect primary keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, column string
		if err := rows.Scan(&schema, &table, &column); err != nil {
			return fmt.Errorf("scan primary key row: %w", err)
		}
		if t := snap.lookup(schema, table); t != nil {
			t.PrimaryKey = append(t.PrimaryKey, column)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate primary key rows: %w", err)
	}
	return nil
}

func loadForeignKeys(ctx context.Context, db *sql.DB, snap *Snapshot) error {
	rows, err := db.QueryContext(ctx, foreignKeysQuery)
	if err != nil {
		return fmt.Errorf("introspect foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, column, refSchema, refTable, refColumn string
		if err := rows.Scan(&schema, &table, &column, &refSchema, &refTable, &refColumn); err != nil {
			return fmt.Errorf("scan foreign key row: %w", err)
		}
		t := snap.lookup(schema, table)
		if t == nil {
			continue
		}
		ref := refTable
		if refSchema != "" && refSchema != "public" {
			ref = refSchema + "." + refTable
		}
		t.ForeignKeys = append(t.ForeignKeys, ForeignKey{Column: column, RefTable: ref, RefColumn: refColumn})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate foreign key rows: %w", err)
	}
	return nil
}

func loadRowEstimates(ctx context.Context, db *sql.DB, snap *Snapshot) error {
	rows, err := db.QueryContext(ctx, rowEstimatesQuery)
	if err != nil {
		return fmt.Errorf("introspect row estimates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table string
		var liveTuples int64
		if err := rows.Scan(&schema, &table, &liveTuples); err != nil {
			return fmt.Errorf("scan row estimate: %w", err)
		}
		if t := snap.lookup(schema, table); t != nil {
			t.RowEstimate = liveTuples
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate row estimates: %w", err)
	}
	return nil
}

const (
	maxCommonValues   = 5
	maxCommonValueLen = 40
)

// loadCommonValues copies the planner's most frequent values for
// low-cardinality columns. Statistics are enrichment; a database that
// was never analyzed must not block the snapshot.
func loadCommonValues(ctx context.Context, db *sql.DB, snap *Snapshot) {
	rows, err := db.QueryContext(ctx, commonValuesQuery)
	if err != nil {
		slog.Warn("pg.introspect.stats_unavailable", "error", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, column string
		var vals []string
		if err := rows.Scan(&schema, &table, &column, pq.Array(&vals)); err != nil {
			slog.Warn("pg.introspect.stats_unavailable", "error", err)
			return
		}
		t := snap.lookup(schema, table)
		if t == nil {
			continue
		}
		for i := range t.Columns {
			if t.Columns[i].Name == column {
				t.Columns[i].CommonValues = clipValues(vals)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		slog.Warn("pg.introspect.stats_unavailable", "error", err)
	}
}

// clipValues keeps a short, prompt-safe sample of the frequent values.
func clipValues(vals []string) []string {
	var out []string
	for _, v := range vals {
		if len(v) > maxCommonValueLen {
			continue
		}
		out = append(out, v)
		if len(out) == maxCommonValues {
			break
		}
	}
	return out
}

// table returns the named table, creating it in encounter order.
func (s *Snapshot) table(schema, name string) *Table {
	key := schema + "." + name
	if t, ok := s.byName[key]; ok {
		return t
	}
	t := &Table{Schema: schema, Name: name}
	s.Tables = append(s.Tables, t)
	s.byName[key] = t
	if schema == "public" {
		s.byName[name] = t
	}
	return t
}

// lookup finds a table without creating it.
func (s *Snapshot) lookup(schema, name string) *Table {
	return s.byName[schema+"."+name]
}
