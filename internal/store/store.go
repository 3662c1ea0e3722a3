package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gapeval/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS frameworks (
	id       INTEGER PRIMARY KEY,
	name     TEXT NOT NULL,
	version  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS control_groups (
	id            INTEGER PRIMARY KEY,
	framework_id  INTEGER NOT NULL,
	code          TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	sort_order    INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (framework_id) REFERENCES frameworks(id)
);

CREATE TABLE IF NOT EXISTS controls (
	id                INTEGER PRIMARY KEY,
	control_group_id  INTEGER NOT NULL,
	code              TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	sort_order        INTEGER NOT NULL DEFAULT 0,
	is_active         INTEGER NOT NULL DEFAULT 1,
	FOREIGN KEY (control_group_id) REFERENCES control_groups(id)
);

CREATE TABLE IF NOT EXISTS policies (
	id            INTEGER PRIMARY KEY,
	company_id    INTEGER NOT NULL,
	framework_id  INTEGER NOT NULL,
	control_id    INTEGER,
	number        TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'draft',
	is_active     INTEGER NOT NULL DEFAULT 1,
	FOREIGN KEY (framework_id) REFERENCES frameworks(id)
);
CREATE INDEX IF NOT EXISTS idx_policies_scope ON policies(company_id, framework_id, control_id, status);

CREATE TABLE IF NOT EXISTS control_selections (
	company_id    INTEGER NOT NULL,
	framework_id  INTEGER NOT NULL,
	control_ids   TEXT NOT NULL,
	PRIMARY KEY (company_id, framework_id)
);

CREATE TABLE IF NOT EXISTS knowledge_base_documents (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	framework_id  INTEGER NOT NULL,
	title         TEXT NOT NULL,
	version       TEXT NOT NULL DEFAULT '',
	raw_text      TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (framework_id) REFERENCES frameworks(id)
);

CREATE TABLE IF NOT EXISTS evaluations (
	id            TEXT PRIMARY KEY,
	control_id    INTEGER NOT NULL,
	company_id    INTEGER NOT NULL,
	framework_id  INTEGER NOT NULL,
	status        TEXT NOT NULL,
	severity      TEXT NOT NULL DEFAULT '',
	risk_score    INTEGER NOT NULL,
	reason        TEXT NOT NULL,
	trace_json    TEXT NOT NULL,
	verdict_json  TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_control ON evaluations(company_id, control_id, created_at);

CREATE TABLE IF NOT EXISTS gaps (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	evaluation_id  TEXT NOT NULL,
	framework_id   INTEGER NOT NULL,
	control_id     INTEGER NOT NULL,
	company_id     INTEGER NOT NULL,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL,
	severity       TEXT NOT NULL,
	status         TEXT NOT NULL,
	risk_score     INTEGER NOT NULL,
	root_cause     TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	FOREIGN KEY (evaluation_id) REFERENCES evaluations(id)
);

CREATE TABLE IF NOT EXISTS remediations (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	gap_id       INTEGER NOT NULL,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL,
	action_plan  TEXT NOT NULL,
	status       TEXT NOT NULL,
	FOREIGN KEY (gap_id) REFERENCES gaps(id)
);
`

// Store is the SQLite persistence layer for controls, policies and evaluation results.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and runs migrations.
// Pragmas go in the DSN so every pooled connection enforces foreign keys.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Framework(ctx context.Context, id int64) (domain.Framework, error) {
	var f domain.Framework
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version FROM frameworks WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &f.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return f, domain.NewNotFoundError("framework", id)
	}
	if err != nil {
		return f, fmt.Errorf("query framework: %w", err)
	}
	return f, nil
}

// Frameworks lists every framework ordered by id.
func (s *Store) Frameworks(ctx context.Context) ([]domain.Framework, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, version FROM frameworks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query frameworks: %w", err)
	}
	defer rows.Close()
	var out []domain.Framework
	for rows.Next() {
		var f domain.Framework
		if err := rows.Scan(&f.ID, &f.Name, &f.Version); err != nil {
			return nil, fmt.Errorf("scan framework: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) ControlGroup(ctx context.Context, id int64) (domain.ControlGroup, error) {
	var g domain.ControlGroup
	err := s.db.QueryRowContext(ctx,
		`SELECT id, framework_id, code, name, sort_order FROM control_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.FrameworkID, &g.Code, &g.Name, &g.Order)
	if errors.Is(err, sql.ErrNoRows) {
		return g, domain.NewNotFoundError("control group", id)
	}
	if err != nil {
		return g, fmt.Errorf("query control group: %w", err)
	}
	return g, nil
}

const controlColumns = `c.id, c.control_group_id, c.code, c.name, c.description, c.sort_order, c.is_active`

func (s *Store) Control(ctx context.Context, id int64) (domain.Control, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+controlColumns+` FROM controls c WHERE c.id = ?`, id)
	c, err := scanControl(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, domain.NewNotFoundError("control", id)
	}
	if err != nil {
		return c, fmt.Errorf("query control: %w", err)
	}
	return c, nil
}

// FrameworkControls lists a framework's active controls ordered by group, then control order.
func (s *Store) FrameworkControls(ctx context.Context, frameworkID int64) ([]domain.Control, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+controlColumns+`
		FROM controls c JOIN control_groups g ON g.id = c.control_group_id
		WHERE g.framework_id = ? AND c.is_active = 1
		ORDER BY g.sort_order, g.id, c.sort_order, c.id`, frameworkID)
	if err != nil {
		return nil, fmt.Errorf("query framework controls: %w", err)
	}
	defer rows.Close()
	var out []domain.Control
	for rows.Next() {
		c, err := scanControl(rows)
		if err != nil {
			return nil, fmt.Errorf("scan control: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SelectedControls returns the controls a company selected for a framework,
// deduplicated and in framework order. No selection yields an empty list.
func (s *Store) SelectedControls(ctx context.Context, companyID, frameworkID int64) ([]domain.Control, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT control_ids FROM control_selections WHERE company_id = ? AND framework_id = ?`,
		companyID, frameworkID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query control selection: %w", err)
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode control selection: %w", err)
	}
	selected := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		selected[id] = struct{}{}
	}
	all, err := s.FrameworkControls(ctx, frameworkID)
	if err != nil {
		return nil, err
	}
	var out []domain.Control
	for _, c := range all {
		if _, ok := selected[c.ID]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// SetControlSelection replaces a company's selected controls for a framework.
func (s *Store) SetControlSelection(ctx context.Context, companyID, frameworkID int64, controlIDs []int64) error {
	return setControlSelection(ctx, s.db, companyID, frameworkID, controlIDs)
}

const policyColumns = `id, company_id, framework_id, COALESCE(control_id, 0), number, title, content, status, is_active`

func (s *Store) Policy(ctx context.Context, id int64) (domain.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = ?`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, domain.NewNotFoundError("policy", id)
	}
	if err != nil {
		return p, fmt.Errorf("query policy: %w", err)
	}
	return p, nil
}

// ApprovedPoliciesForControl lists active, approved policies mapped to one control.
func (s *Store) ApprovedPoliciesForControl(ctx context.Context, companyID, frameworkID, controlID int64) ([]domain.Policy, error) {
	return s.queryPolicies(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE company_id = ? AND framework_id = ? AND control_id = ? AND LOWER(status) = ? AND is_active = 1
		ORDER BY id`, companyID, frameworkID, controlID, string(domain.PolicyApproved))
}

// ActivePolicies lists every active policy of a company, or of all companies when companyID is 0.
func (s *Store) ActivePolicies(ctx context.Context, companyID int64) ([]domain.Policy, error) {
	if companyID == 0 {
		return s.queryPolicies(ctx, `SELECT `+policyColumns+` FROM policies WHERE is_active = 1 ORDER BY id`)
	}
	return s.queryPolicies(ctx, `SELECT `+policyColumns+` FROM policies WHERE company_id = ? AND is_active = 1 ORDER BY id`, companyID)
}

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]domain.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()
	var out []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPolicy inserts or replaces a policy by id.
func (s *Store) UpsertPolicy(ctx context.Context, p domain.Policy) error {
	return upsertPolicy(ctx, s.db, p)
}

// CreateKnowledgeBaseDocument stores a KB document and returns it with its id set.
func (s *Store) CreateKnowledgeBaseDocument(ctx context.Context, doc domain.KnowledgeBaseDocument) (domain.KnowledgeBaseDocument, error) {
	return createKnowledgeBaseDocument(ctx, s.db, doc)
}

func (s *Store) KnowledgeBaseDocuments(ctx context.Context, frameworkID int64) ([]domain.KnowledgeBaseDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, framework_id, title, version, raw_text, created_at
		FROM knowledge_base_documents WHERE framework_id = ? ORDER BY id`, frameworkID)
	if err != nil {
		return nil, fmt.Errorf("query kb documents: %w", err)
	}
	defer rows.Close()
	var out []domain.KnowledgeBaseDocument
	for rows.Next() {
		var d domain.KnowledgeBaseDocument
		var created string
		if err := rows.Scan(&d.ID, &d.FrameworkID, &d.Title, &d.Version, &d.RawText, &created); err != nil {
			return nil, fmt.Errorf("scan kb document: %w", err)
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// EvaluationRecord is one decided verdict plus the gap and remediation created from it.
type EvaluationRecord struct {
	Verdict     domain.Verdict
	Gap         *domain.Gap
	Remediation *domain.Remediation
}

// RecordEvaluation stores the verdict with its trace and, for a GAP, the gap and
// remediation records, all in one transaction. It returns the gap id, or 0.
func (s *Store) RecordEvaluation(ctx context.Context, rec EvaluationRecord) (int64, error) {
	v := rec.Verdict
	if v.Status == domain.StatusError {
		return 0, errors.New("error verdicts are not recorded")
	}
	traceJSON, err := json.Marshal(v.Trace)
	if err != nil {
		return 0, fmt.Errorf("marshal trace: %w", err)
	}
	verdictJSON, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal verdict: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evaluations (id, control_id, company_id, framework_id, status, severity, risk_score, reason, trace_json, verdict_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ControlID, v.CompanyID, v.FrameworkID, string(v.Status), string(v.Severity), v.RiskScore, v.Reason,
		string(traceJSON), string(verdictJSON), v.EvaluatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert evaluation: %w", err)
	}

	var gapID int64
	if rec.Gap != nil {
		g := rec.Gap
		res, err := tx.ExecContext(ctx, `
			INSERT INTO gaps (evaluation_id, framework_id, control_id, company_id, title, description, severity, status, risk_score, root_cause, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, g.FrameworkID, g.ControlID, g.CompanyID, g.Title, g.Description, string(g.Severity), string(g.Status),
			g.RiskScore, g.RootCause, g.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return 0, fmt.Errorf("insert gap: %w", err)
		}
		if gapID, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("gap id: %w", err)
		}
		if rec.Remediation != nil {
			r := rec.Remediation
			_, err = tx.ExecContext(ctx, `
				INSERT INTO remediations (gap_id, title, description, action_plan, status)
				VALUES (?, ?, ?, ?, ?)`,
				gapID, r.Title, r.Description, r.ActionPlan, string(r.Status),
			)
			if err != nil {
				return 0, fmt.Errorf("insert remediation: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return gapID, nil
}

// Gaps lists a company's gaps, newest first.
func (s *Store) Gaps(ctx context.Context, companyID int64) ([]domain.Gap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, evaluation_id, framework_id, control_id, company_id, title, description, severity, status, risk_score, root_cause, created_at
		FROM gaps WHERE company_id = ? ORDER BY id DESC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("query gaps: %w", err)
	}
	defer rows.Close()
	var out []domain.Gap
	for rows.Next() {
		var g domain.Gap
		var severity, status, created string
		if err := rows.Scan(&g.ID, &g.EvaluationID, &g.FrameworkID, &g.ControlID, &g.CompanyID, &g.Title,
			&g.Description, &severity, &status, &g.RiskScore, &g.RootCause, &created); err != nil {
			return nil, fmt.Errorf("scan gap: %w", err)
		}
		g.Severity = domain.Severity(severity)
		g.Status = domain.GapStatus(status)
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) Remediations(ctx context.Context, gapID int64) ([]domain.Remediation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, gap_id, title, description, action_plan, status FROM remediations WHERE gap_id = ? ORDER BY id`, gapID)
	if err != nil {
		return nil, fmt.Errorf("query remediations: %w", err)
	}
	defer rows.Close()
	var out []domain.Remediation
	for rows.Next() {
		var r domain.Remediation
		var status string
		if err := rows.Scan(&r.ID, &r.GapID, &r.Title, &r.Description, &r.ActionPlan, &status); err != nil {
			return nil, fmt.Errorf("scan remediation: %w", err)
		}
		r.Status = domain.RemediationStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Evaluation loads a recorded verdict by id.
func (s *Store) Evaluation(ctx context.Context, id string) (domain.Verdict, error) {
	var raw string
	var v domain.Verdict
	err := s.db.QueryRowContext(ctx, `SELECT verdict_json FROM evaluations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("evaluation %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return v, fmt.Errorf("query evaluation: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanControl(row scanner) (domain.Control, error) {
	var c domain.Control
	var active int
	err := row.Scan(&c.ID, &c.ControlGroupID, &c.Code, &c.Name, &c.Description, &c.Order, &active)
	c.Active = active != 0
	return c, err
}

func scanPolicy(row scanner) (domain.Policy, error) {
	var p domain.Policy
	var status string
	var active int
	err := row.Scan(&p.ID, &p.CompanyID, &p.FrameworkID, &p.ControlID, &p.Number, &p.Title, &p.Content, &status, &active)
	p.Status = domain.PolicyStatus(strings.ToLower(status))
	p.Active = active != 0
	return p, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertPolicy(ctx context.Context, db execer, p domain.Policy) error {
	var controlID any
	if p.ControlID != 0 {
		controlID = p.ControlID
	}
	status := domain.PolicyStatus(strings.ToLower(strings.TrimSpace(string(p.Status))))
	if status == "" {
		status = domain.PolicyDraft
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO policies (id, company_id, framework_id, control_id, number, title, content, status, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_id = excluded.company_id, framework_id = excluded.framework_id, control_id = excluded.control_id,
			number = excluded.number, title = excluded.title, content = excluded.content,
			status = excluded.status, is_active = excluded.is_active`,
		p.ID, p.CompanyID, p.FrameworkID, controlID, p.Number, p.Title, p.Content, string(status), boolInt(p.Active),
	)
	if err != nil {
		return fmt.Errorf("upsert policy %d: %w", p.ID, err)
	}
	return nil
}

func setControlSelection(ctx context.Context, db execer, companyID, frameworkID int64, controlIDs []int64) error {
	raw, err := json.Marshal(controlIDs)
	if err != nil {
		return fmt.Errorf("marshal control ids: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO control_selections (company_id, framework_id, control_ids) VALUES (?, ?, ?)
		ON CONFLICT(company_id, framework_id) DO UPDATE SET control_ids = excluded.control_ids`,
		companyID, frameworkID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("set control selection: %w", err)
	}
	return nil
}

func createKnowledgeBaseDocument(ctx context.Context, db execer, doc domain.KnowledgeBaseDocument) (domain.KnowledgeBaseDocument, error) {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO knowledge_base_documents (framework_id, title, version, raw_text, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		doc.FrameworkID, doc.Title, doc.Version, doc.RawText, doc.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return doc, fmt.Errorf("insert kb document: %w", err)
	}
	if doc.ID, err = res.LastInsertId(); err != nil {
		return doc, fmt.Errorf("kb document id: %w", err)
	}
	return doc, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
