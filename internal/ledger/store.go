// Package ledger 交易计划记录（SQLite）与模板统计（Badger 派生表）。
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/perpexec/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrPlanNotFound planId 不存在
var ErrPlanNotFound = errors.New("trade plan not found")

// LogResult 写入结果
type LogResult struct {
	PlanID    string    `json:"plan_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Created   bool      `json:"created"`
}

// Store trade_plans 表：每个 planId 一条记录，首次创建、之后合并
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore 打开（或创建）SQLite 数据库并迁移
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir ledger dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS trade_plans (
  plan_id TEXT PRIMARY KEY,
  template_id TEXT NOT NULL,
  session TEXT NOT NULL DEFAULT '',
  volatility_regime TEXT NOT NULL DEFAULT '',
  symbol TEXT NOT NULL DEFAULT '',
  side TEXT NOT NULL DEFAULT '',
  inputs_summary TEXT,
  submitted_legs TEXT,
  fills TEXT,
  outcome TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_plans_template ON trade_plans(template_id, session, volatility_regime, symbol);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate trade_plans")
		}
	}
	return nil
}

// Log 创建或合并一条交易计划。
//
// 合并规则：非空标量字段覆盖；非空 legs/fills 整体替换；outcome 与 updated_at 总是覆盖；
// created_at 保留首次写入时间。
func (s *Store) Log(ctx context.Context, in *domain.TradePlanSnapshot) (*domain.TradePlanSnapshot, LogResult, error) {
	if in == nil || in.PlanID == "" {
		return nil, LogResult{}, domain.Errorf(domain.KindValidationFailed, "log trade plan", "", "plan_id required")
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, LogResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getPlan(ctx, tx, in.PlanID)
	created := false
	switch {
	case errors.Is(err, ErrPlanNotFound):
		if in.TemplateID == "" {
			return nil, LogResult{}, domain.Errorf(domain.KindValidationFailed, "log trade plan", in.Symbol, "template_id required for new plan")
		}
		cur = &domain.TradePlanSnapshot{PlanID: in.PlanID, CreatedAt: now}
		created = true
	case err != nil:
		return nil, LogResult{}, err
	}
	merge(cur, in)
	cur.UpdatedAt = now
	if cur.Outcome.Status == "" {
		cur.Outcome.Status = domain.OutcomePending
	}

	if err := putPlan(ctx, tx, cur, created); err != nil {
		return nil, LogResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, LogResult{}, errors.Wrap(err, "commit trade plan")
	}
	return cur, LogResult{PlanID: cur.PlanID, CreatedAt: cur.CreatedAt, UpdatedAt: cur.UpdatedAt, Created: created}, nil
}

func merge(cur, in *domain.TradePlanSnapshot) {
	if in.TemplateID != "" {
		cur.TemplateID = in.TemplateID
	}
	if in.Session != "" {
		cur.Session = in.Session
	}
	if in.VolatilityRegime != "" {
		cur.VolatilityRegime = in.VolatilityRegime
	}
	if in.Symbol != "" {
		cur.Symbol = in.Symbol
	}
	if in.Side != "" {
		cur.Side = in.Side
	}
	if len(in.InputsSummary) > 0 {
		cur.InputsSummary = in.InputsSummary
	}
	if len(in.SubmittedLegs) > 0 {
		cur.SubmittedLegs = in.SubmittedLegs
	}
	if len(in.Fills) > 0 {
		cur.Fills = in.Fills
	}
	cur.Outcome = in.Outcome
}

// Get 读取一条交易计划
func (s *Store) Get(ctx context.Context, planID string) (*domain.TradePlanSnapshot, error) {
	return getPlan(ctx, s.db, planID)
}

// List 按模板与可选维度筛选
func (s *Store) List(ctx context.Context, f domain.StatsFilter) ([]*domain.TradePlanSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, selectPlan+`
WHERE template_id=?
  AND (?='' OR session=?)
  AND (?='' OR volatility_regime=?)
  AND (?='' OR symbol=?)
ORDER BY created_at ASC
`, f.TemplateID, f.Session, f.Session, f.Regime, f.Regime, f.Symbol, f.Symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TradePlanSnapshot
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectPlan = `
SELECT plan_id, template_id, session, volatility_regime, symbol, side,
       inputs_summary, submitted_legs, fills, outcome, created_at, updated_at
FROM trade_plans`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getPlan(ctx context.Context, q queryer, planID string) (*domain.TradePlanSnapshot, error) {
	p, err := scanPlan(q.QueryRowContext(ctx, selectPlan+` WHERE plan_id=?`, planID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	return p, err
}

func scanPlan(row scanner) (*domain.TradePlanSnapshot, error) {
	var (
		p                    domain.TradePlanSnapshot
		side                 string
		inputs, legs, fills  sql.NullString
		outcome              string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.PlanID, &p.TemplateID, &p.Session, &p.VolatilityRegime, &p.Symbol, &side,
		&inputs, &legs, &fills, &outcome, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Side = domain.PositionSide(side)
	if err := unmarshalNull(inputs, &p.InputsSummary); err != nil {
		return nil, errors.Wrap(err, "decode inputs_summary")
	}
	if err := unmarshalNull(legs, &p.SubmittedLegs); err != nil {
		return nil, errors.Wrap(err, "decode submitted_legs")
	}
	if err := unmarshalNull(fills, &p.Fills); err != nil {
		return nil, errors.Wrap(err, "decode fills")
	}
	if err := json.Unmarshal([]byte(outcome), &p.Outcome); err != nil {
		return nil, errors.Wrap(err, "decode outcome")
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

func putPlan(ctx context.Context, tx *sql.Tx, p *domain.TradePlanSnapshot, insert bool) error {
	inputs, err := marshalNull(p.InputsSummary, len(p.InputsSummary) == 0)
	if err != nil {
		return err
	}
	legs, err := marshalNull(p.SubmittedLegs, len(p.SubmittedLegs) == 0)
	if err != nil {
		return err
	}
	fills, err := marshalNull(p.Fills, len(p.Fills) == 0)
	if err != nil {
		return err
	}
	outcome, err := json.Marshal(p.Outcome)
	if err != nil {
		return err
	}
	created := p.CreatedAt.UTC().Format(time.RFC3339Nano)
	updated := p.UpdatedAt.UTC().Format(time.RFC3339Nano)

	if insert {
		_, err = tx.ExecContext(ctx, `
INSERT INTO trade_plans (plan_id, template_id, session, volatility_regime, symbol, side,
                         inputs_summary, submitted_legs, fills, outcome, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, p.PlanID, p.TemplateID, p.Session, p.VolatilityRegime, p.Symbol, string(p.Side),
			inputs, legs, fills, string(outcome), created, updated)
		return errors.Wrap(err, "insert trade plan")
	}
	_, err = tx.ExecContext(ctx, `
UPDATE trade_plans
SET template_id=?, session=?, volatility_regime=?, symbol=?, side=?,
    inputs_summary=?, submitted_legs=?, fills=?, outcome=?, updated_at=?
WHERE plan_id=?
`, p.TemplateID, p.Session, p.VolatilityRegime, p.Symbol, string(p.Side),
		inputs, legs, fills, string(outcome), updated, p.PlanID)
	return errors.Wrap(err, "update trade plan")
}

func marshalNull(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNull(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
