// Package postgres implements the NL-to-SQL agent: it introspects the
// tenant database, asks the model for one parameterized SELECT, vets it
// through the safety gate and renders the result rows as prose.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/siamtech/querygate/agent"
	"github.com/siamtech/querygate/llm"
	"github.com/siamtech/querygate/metrics"
	"github.com/siamtech/querygate/tenant"
)

// Agent answers analytical questions by generating and executing a
// single read-only SQL statement against the tenant's database.
type Agent struct {
	gen       *Generator
	snapshots *Snapshots
	metrics   *metrics.Exporter

	poolFn func(ctx context.Context, rt *tenant.Runtime) (*sql.DB, error)
	execFn func(ctx context.Context, db *sql.DB, q *GeneratedQuery, cfg execConfig) (*ResultSet, error)
}

// New creates the agent. The exporter may be nil.
func New(service llm.Service, snapshots *Snapshots, exporter *metrics.Exporter) *Agent {
	return &Agent{
		gen:       NewGenerator(service),
		snapshots: snapshots,
		metrics:   exporter,
		poolFn: func(ctx context.Context, rt *tenant.Runtime) (*sql.DB, error) {
			return rt.Pool(ctx)
		},
		execFn: execute,
	}
}

// Name returns the agent type identifier.
func (a *Agent) Name() string { return agent.TypePostgres }

// Execute runs the full pipeline. Rejected candidates get one corrected
// retry with the gate's reason; a second rejection ends in a refusal for
// hard violations and a clarifying question for soft ones.
func (a *Agent) Execute(ctx context.Context, req *agent.Request) *agent.Outcome {
	rt := req.Tenant
	tenantID := rt.Config.ID

	db, err := a.poolFn(ctx, rt)
	if err != nil {
		return agent.ClassifyDB(a.Name(), fmt.Errorf("open pool: %w", err))
	}
	defer a.reportPool(rt)

	snap, err := a.snapshots.Get(ctx, rt, db)
	if err != nil {
		return agent.ClassifyDB(a.Name(), err)
	}

	question := normalizeBuddhistYears(req.Question)
	summary := Summarize(snap, question, 0)
	allowed := snap.AllowedSchemas()
	settings := req.Settings()

	var (
		accepted      *GeneratedQuery
		lastViolation *Violation
		usage         llm.Usage
		feedback      string
		priorSQL      string
	)

	for attempt := 1; attempt <= maxCandidates; attempt++ {
		q, u, err := a.gen.Generate(ctx, GenerateInput{
			Tenant:    tenantID,
			Model:     rt.Config.Model,
			Question:  question,
			Summary:   summary,
			Language:  req.Language(),
			MaxTokens: settings.MaxTokens,
			Feedback:  feedback,
			PriorSQL:  priorSQL,
		})
		addUsage(&usage, u)
		if err != nil {
			if errors.Is(err, errBadQueryJSON) {
				slog.Warn("pg.generate.undecodable", "tenant", tenantID, "attempt", attempt)
				feedback = "the reply was not a single JSON object with sql, params and rationale"
				priorSQL = ""
				continue
			}
			return agent.ClassifyLLM(a.Name(), err)
		}

		tables, violation := Vet(q.SQL, q.Params, allowed)
		if violation == nil {
			q.Tables = tables
			accepted = q
			break
		}

		lastViolation = violation
		if a.metrics != nil {
			a.metrics.RecordSQLRejected(tenantID, violation.Rule)
		}
		slog.Warn("pg.sql.rejected",
			"tenant", tenantID,
			"attempt", attempt,
			"rule", violation.Rule,
			"detail", violation.Detail,
		)
		feedback = violation.Detail
		priorSQL = q.SQL
	}

	if accepted == nil {
		if lastViolation == nil {
			return agent.Recoverablef(a.Name(), agent.CodeBug,
				"model produced no decodable query in %d attempts", maxCandidates)
		}
		if lastViolation.Hard {
			return agent.Fatal(a.Name(), lastViolation.Code, lastViolation)
		}
		meta := agent.Meta{Usage: usage, Clarification: true}
		return agent.Succeed(a.Name(), clarifyUnsafe(req.Language()), meta)
	}

	if rt.Policy().Logging.LogQueries {
		slog.Info("pg.sql.executing",
			"tenant", tenantID,
			"question", req.Question,
			"sql", accepted.SQL,
			"params", len(accepted.Params),
			"tables", accepted.Tables,
		)
	}

	maxRows := settings.MaxRows
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	cfg := execConfig{
		MaxRows:          maxRows,
		StatementTimeout: defaultStatementTimeout,
		LockTimeout:      defaultLockTimeout,
	}

	rs, err := a.runQuery(ctx, db, accepted, cfg)
	if err != nil {
		switch {
		case isStatementTimeout(err):
			cfg.MaxRows = reducedRows(maxRows)
			slog.Warn("pg.sql.timeout_retry", "tenant", tenantID, "max_rows", cfg.MaxRows)
			rs, err = a.runQuery(ctx, db, accepted, cfg)
			if err != nil {
				if isStatementTimeout(err) {
					return agent.Fatal(a.Name(), agent.CodeQueryTooExpensive, err)
				}
				return agent.ClassifyDB(a.Name(), err)
			}
		case isSchemaDrift(err):
			a.snapshots.Invalidate(rt)
			return agent.ClassifyDB(a.Name(), err)
		default:
			return agent.ClassifyDB(a.Name(), err)
		}
	}

	if a.metrics != nil {
		a.metrics.RecordSQLExecuted(tenantID)
	}

	meta := agent.Meta{
		SQL:       accepted.SQL,
		Tables:    accepted.Tables,
		RowCount:  len(rs.Rows),
		Truncated: rs.Truncated,
		Usage:     usage,
	}

	if len(rs.Rows) == 0 {
		if year := yearHint(question); year != "" {
			meta.Clarification = true
			return agent.Succeed(a.Name(), clarifyEmptyYear(year, req.Language()), meta)
		}
	}

	return agent.Succeed(a.Name(), Render(req.Question, rs, accepted.Tables, req.Language()), meta)
}

// runQuery executes with a context deadline slightly past the server
// side statement_timeout, so the server cancels first and we keep its
// error code.
func (a *Agent) runQuery(ctx context.Context, db *sql.DB, q *GeneratedQuery, cfg execConfig) (*ResultSet, error) {
	execCtx, cancel := context.WithTimeout(ctx, cfg.StatementTimeout+5*time.Second)
	defer cancel()
	return a.execFn(execCtx, db, q, cfg)
}

func (a *Agent) reportPool(rt *tenant.Runtime) {
	if a.metrics == nil {
		return
	}
	if stats, ok := rt.PoolStats(); ok {
		a.metrics.SetPoolOpen(rt.Config.ID, stats.OpenConnections)
	}
}

func reducedRows(maxRows int) int {
	reduced := maxRows / reducedBudgetDivisor
	if reduced < 1 {
		return 1
	}
	return reduced
}

func addUsage(total *llm.Usage, u llm.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	total.TotalMs += u.TotalMs
	if total.FirstTokenMs == 0 {
		total.FirstTokenMs = u.FirstTokenMs
	}
}

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// yearHint extracts the first Gregorian year from the (already
// normalized) question. An empty result set that was filtered by a year
// usually means the data does not cover that period, which warrants a
// clarifying question instead of a bare "no rows".
func yearHint(question string) string {
	return yearPattern.FindString(question)
}

func clarifyUnsafe(lang string) string {
	if lang == "th" {
		return "ขออภัย ยังสร้างคำสั่งค้นหาที่ปลอดภัยสำหรับคำถามนี้ไม่ได้ " +
			"ช่วยระบุตาราง ช่วงเวลา หรือเงื่อนไขให้ชัดเจนขึ้นได้ไหมครับ"
	}
	return "I could not build a safe database query for that question. " +
		"Could you name the table, time period or condition more precisely?"
}

func clarifyEmptyYear(year, lang string) string {
	if lang == "th" {
		return fmt.Sprintf("ไม่พบข้อมูลสำหรับปี %s ข้อมูลอาจยังไม่ครอบคลุมช่วงเวลานั้น "+
			"ลองระบุปีอื่นหรือช่วงเวลาที่กว้างขึ้นได้ไหมครับ", year)
	}
	return fmt.Sprintf("No rows matched for %s; the data may not cover that period. "+
		"Could you try another year or a wider range?", year)
}
