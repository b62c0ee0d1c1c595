package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/apiscan-orchestrator/internal/model"
)

const findingBatchSize = 100

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateScan = errors.New("scan id already exists")
	// ErrTerminal means a status update targeted a scan already in a
	// terminal state; transitions are monotonic.
	ErrTerminal = errors.New("scan already in a terminal state")
)

type Store struct{ Pool *pgxpool.Pool }

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

func (s *Store) Close() { s.Pool.Close() }

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS scans (
  id BIGSERIAL PRIMARY KEY,
  scan_id UUID NOT NULL UNIQUE,
  target_url TEXT NOT NULL,
  engines TEXT[] NOT NULL,
  request_budget INTEGER NOT NULL CHECK (request_budget > 0),
  dangerous_mode BOOLEAN NOT NULL DEFAULT FALSE,
  status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed','cancelled')),
  truncated BOOLEAN NOT NULL DEFAULT FALSE,
  total_findings INTEGER NOT NULL DEFAULT 0,
  critical_count INTEGER NOT NULL DEFAULT 0,
  high_count INTEGER NOT NULL DEFAULT 0,
  medium_count INTEGER NOT NULL DEFAULT 0,
  low_count INTEGER NOT NULL DEFAULT 0,
  info_count INTEGER NOT NULL DEFAULT 0,
  artifact_bucket TEXT,
  artifact_prefix TEXT,
  error_msg TEXT,
  deleted BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_scans_target_status ON scans (target_url, status, created_at);
CREATE INDEX IF NOT EXISTS idx_scans_status_created ON scans (status, created_at);

CREATE TABLE IF NOT EXISTS findings (
  id BIGSERIAL PRIMARY KEY,
  scan_id UUID NOT NULL REFERENCES scans(scan_id) ON DELETE CASCADE,
  rule_id TEXT NOT NULL,
  title TEXT NOT NULL,
  severity TEXT NOT NULL CHECK (severity IN ('critical','high','medium','low','info')),
  score DOUBLE PRECISION NOT NULL CHECK (score >= 0 AND score <= 10),
  endpoint TEXT NOT NULL,
  method TEXT NOT NULL,
  evidence_request TEXT,
  evidence_response TEXT,
  engine TEXT NOT NULL,
  cwe JSONB NOT NULL DEFAULT '[]'::jsonb,
  cve TEXT,
  fingerprint TEXT NOT NULL,
  priority_score DOUBLE PRECISION NOT NULL,
  fixability_score DOUBLE PRECISION NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_findings_scan_fp ON findings (scan_id, fingerprint);
CREATE INDEX IF NOT EXISTS idx_findings_scan_severity ON findings (scan_id, severity);

CREATE TABLE IF NOT EXISTS scan_comparisons (
  id BIGSERIAL PRIMARY KEY,
  scan_id UUID NOT NULL REFERENCES scans(scan_id) ON DELETE CASCADE,
  previous_scan_id UUID NOT NULL REFERENCES scans(scan_id) ON DELETE CASCADE,
  new_fps JSONB NOT NULL DEFAULT '[]'::jsonb,
  resolved_fps JSONB NOT NULL DEFAULT '[]'::jsonb,
  regressed_fps JSONB NOT NULL DEFAULT '[]'::jsonb,
  unchanged_fps JSONB NOT NULL DEFAULT '[]'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (scan_id, previous_scan_id),
  CHECK (scan_id <> previous_scan_id)
);
`)
	return err
}

// CreateScan inserts the initial pending row. A reused scan id is rejected.
func (s *Store) CreateScan(ctx context.Context, scan *model.Scan) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO scans (scan_id, target_url, engines, request_budget, dangerous_mode, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, scan.ID, scan.TargetURL, scan.Engines, scan.RequestBudget, scan.DangerousMode, scan.Status, scan.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateScan, scan.ID)
	}
	return err
}

// MarkRunning flips pending to running. Any other starting state is a
// monotonicity violation.
func (s *Store) MarkRunning(ctx context.Context, scanID string, startedAt time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE scans SET status='running', started_at=$2
		WHERE scan_id=$1 AND status='pending'
	`, scanID, startedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// CompleteScan writes the terminal scan row and all its findings in one
// transaction: a crash mid-write leaves either a complete scan record or a
// still-running one, never a partial set of findings.
func (s *Store) CompleteScan(ctx context.Context, scan *model.Scan, findings []model.Finding) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE scans SET
		  status=$2, truncated=$3, total_findings=$4,
		  critical_count=$5, high_count=$6, medium_count=$7, low_count=$8, info_count=$9,
		  artifact_bucket=NULLIF($10,''), artifact_prefix=NULLIF($11,''),
		  error_msg=NULLIF($12,''), completed_at=$13
		WHERE scan_id=$1 AND status IN ('pending','running')
	`, scan.ID, scan.Status, scan.Truncated, scan.TotalFindings,
		scan.SeverityCounts.Critical, scan.SeverityCounts.High, scan.SeverityCounts.Medium,
		scan.SeverityCounts.Low, scan.SeverityCounts.Info,
		scan.ArtifactBucket, scan.ArtifactPrefix, scan.ErrorMsg, scan.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}

	if err := batchInsertFindings(ctx, tx, scan.ID, findings); err != nil {
		return fmt.Errorf("insert findings: %w", err)
	}
	return tx.Commit(ctx)
}

// batchInsertFindings pipelines inserts in chunks to avoid per-row round
// trips on large scans.
func batchInsertFindings(ctx context.Context, tx pgx.Tx, scanID string, findings []model.Finding) error {
	for start := 0; start < len(findings); start += findingBatchSize {
		end := start + findingBatchSize
		if end > len(findings) {
			end = len(findings)
		}
		chunk := findings[start:end]

		batch := &pgx.Batch{}
		for _, f := range chunk {
			cwe := f.CWE
			if cwe == nil {
				cwe = []string{}
			}
			cweJSON, _ := json.Marshal(cwe)
			batch.Queue(`
INSERT INTO findings (
  scan_id, rule_id, title, severity, score, endpoint, method,
  evidence_request, evidence_response, engine, cwe, cve,
  fingerprint, priority_score, fixability_score
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, NULLIF($12,''), $13, $14, $15)`,
				scanID, f.RuleID, f.Title, f.Severity, f.Score, f.Endpoint, f.Method,
				f.EvidenceRequest, f.EvidenceResponse, f.EngineName, string(cweJSON), f.CVE,
				f.Fingerprint, f.PriorityScore, f.FixabilityScore)
		}

		br := tx.SendBatch(ctx, batch)
		for range chunk {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return nil
}

// FailOrphanedRunning fails every scan still marked pending or running. Run
// at startup: with no live coordinator entries, anything non-terminal in the
// store was orphaned by a crash.
func (s *Store) FailOrphanedRunning(ctx context.Context, reason string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		UPDATE scans
		SET status='failed', error_msg=$1, completed_at=now()
		WHERE status IN ('pending','running')
		RETURNING scan_id::text
	`, reason)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SoftDeleteScan hides a terminal scan from listings without destroying the
// history comparisons depend on.
func (s *Store) SoftDeleteScan(ctx context.Context, scanID string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE scans SET deleted=TRUE
		WHERE scan_id=$1 AND status IN ('completed','failed','cancelled')
	`, scanID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const scanColumns = `
  scan_id::text, target_url, engines, request_budget, dangerous_mode, status,
  truncated, total_findings, critical_count, high_count, medium_count, low_count,
  info_count, COALESCE(artifact_bucket,''), COALESCE(artifact_prefix,''),
  COALESCE(error_msg,''), deleted, created_at, started_at, completed_at`

func scanRow(row pgx.Row) (*model.Scan, error) {
	var sc model.Scan
	err := row.Scan(
		&sc.ID, &sc.TargetURL, &sc.Engines, &sc.RequestBudget, &sc.DangerousMode, &sc.Status,
		&sc.Truncated, &sc.TotalFindings, &sc.SeverityCounts.Critical, &sc.SeverityCounts.High,
		&sc.SeverityCounts.Medium, &sc.SeverityCounts.Low, &sc.SeverityCounts.Info,
		&sc.ArtifactBucket, &sc.ArtifactPrefix, &sc.ErrorMsg, &sc.Deleted,
		&sc.CreatedAt, &sc.StartedAt, &sc.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Store) GetScan(ctx context.Context, scanID string) (*model.Scan, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE scan_id=$1 AND NOT deleted`, scanID)
	return scanRow(row)
}

type ScanFilter struct {
	TargetURL string
	Status    model.ScanStatus
	Limit     int
	Offset    int
}

func (s *Store) ListScans(ctx context.Context, f ScanFilter) ([]model.Scan, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE NOT deleted
		  AND ($1 = '' OR target_url = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, f.TargetURL, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Scan
	for rows.Next() {
		sc, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

type FindingFilter struct {
	Severity model.Severity
	RuleID   string
	Endpoint string
}

func (s *Store) ListFindings(ctx context.Context, scanID string, f FindingFilter) ([]model.Finding, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, scan_id::text, rule_id, title, severity, score, endpoint, method,
		       COALESCE(evidence_request,''), COALESCE(evidence_response,''),
		       engine, cwe, COALESCE(cve,''), fingerprint,
		       priority_score, fixability_score, created_at
		FROM findings
		WHERE scan_id=$1
		  AND ($2 = '' OR severity = $2)
		  AND ($3 = '' OR rule_id = $3)
		  AND ($4 = '' OR endpoint = $4)
		ORDER BY priority_score DESC, id
	`, scanID, string(f.Severity), f.RuleID, f.Endpoint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		var fd model.Finding
		var cweJSON []byte
		if err := rows.Scan(&fd.ID, &fd.ScanID, &fd.RuleID, &fd.Title, &fd.Severity, &fd.Score,
			&fd.Endpoint, &fd.Method, &fd.EvidenceRequest, &fd.EvidenceResponse,
			&fd.EngineName, &cweJSON, &fd.CVE, &fd.Fingerprint,
			&fd.PriorityScore, &fd.FixabilityScore, &fd.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(cweJSON, &fd.CWE)
		out = append(out, fd)
	}
	return out, rows.Err()
}

// FindingSeverityMap returns the maximum severity observed per fingerprint in
// a scan. This is the comparator's join input.
func (s *Store) FindingSeverityMap(ctx context.Context, scanID string) (map[string]model.Severity, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT fingerprint, severity FROM findings WHERE scan_id=$1
	`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.Severity)
	for rows.Next() {
		var fp string
		var sev model.Severity
		if err := rows.Scan(&fp, &sev); err != nil {
			return nil, err
		}
		if cur, ok := out[fp]; !ok || sev.Rank() > cur.Rank() {
			out[fp] = sev
		}
	}
	return out, rows.Err()
}

func (s *Store) GetComparison(ctx context.Context, scanID, previousScanID string) (*model.Comparison, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT scan_id::text, previous_scan_id::text, new_fps, resolved_fps,
		       regressed_fps, unchanged_fps, created_at
		FROM scan_comparisons
		WHERE scan_id=$1 AND previous_scan_id=$2
	`, scanID, previousScanID)

	var c model.Comparison
	var newJ, resJ, regJ, uncJ []byte
	err := row.Scan(&c.ScanID, &c.PreviousScanID, &newJ, &resJ, &regJ, &uncJ, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(newJ, &c.New)
	_ = json.Unmarshal(resJ, &c.Resolved)
	_ = json.Unmarshal(regJ, &c.Regressed)
	_ = json.Unmarshal(uncJ, &c.Unchanged)
	return &c, nil
}

// SaveComparison caches a computed diff. Losing a race to another writer is
// fine: both computed the same thing from immutable inputs.
func (s *Store) SaveComparison(ctx context.Context, c *model.Comparison) error {
	newJ, _ := json.Marshal(orEmpty(c.New))
	resJ, _ := json.Marshal(orEmpty(c.Resolved))
	regJ, _ := json.Marshal(orEmpty(c.Regressed))
	uncJ, _ := json.Marshal(orEmpty(c.Unchanged))
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO scan_comparisons
		  (scan_id, previous_scan_id, new_fps, resolved_fps, regressed_fps, unchanged_fps)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6::jsonb)
		ON CONFLICT (scan_id, previous_scan_id) DO NOTHING
	`, c.ScanID, c.PreviousScanID, string(newJ), string(resJ), string(regJ), string(uncJ))
	return err
}

// ScansByDay aggregates completed scans per calendar day for one target.
func (s *Store) ScansByDay(ctx context.Context, targetURL string, since time.Time) ([]model.TrendPoint, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT date_trunc('day', completed_at) AS day,
		       COUNT(*),
		       SUM(total_findings),
		       SUM(critical_count), SUM(high_count), SUM(medium_count),
		       SUM(low_count), SUM(info_count)
		FROM scans
		WHERE target_url=$1 AND status='completed' AND NOT deleted
		  AND completed_at >= $2
		GROUP BY day
		ORDER BY day
	`, targetURL, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TrendPoint
	for rows.Next() {
		var p model.TrendPoint
		if err := rows.Scan(&p.Day, &p.Scans, &p.TotalFindings,
			&p.SeverityCounts.Critical, &p.SeverityCounts.High, &p.SeverityCounts.Medium,
			&p.SeverityCounts.Low, &p.SeverityCounts.Info); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
