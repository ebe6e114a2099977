package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/pkg/models"
)

// PostgresStore implements Store on PostgreSQL. A registration is one JSONB
// document per (name, instance). Run sessions are one row each, with their
// memory samples in a child table; histories and audit events are
// row-per-entry tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS fig_clients (
			name       TEXT NOT NULL,
			instance   TEXT NOT NULL DEFAULT '',
			document   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (name, instance)
		);

		CREATE TABLE IF NOT EXISTS fig_run_sessions (
			name           TEXT NOT NULL,
			instance       TEXT NOT NULL DEFAULT '',
			run_session_id TEXT NOT NULL,
			document       JSONB NOT NULL,
			last_seen      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (name, instance, run_session_id)
		);
		CREATE INDEX IF NOT EXISTS idx_fig_run_sessions_last_seen ON fig_run_sessions (last_seen);

		CREATE TABLE IF NOT EXISTS fig_memory_samples (
			id              BIGSERIAL PRIMARY KEY,
			name            TEXT NOT NULL,
			instance        TEXT NOT NULL DEFAULT '',
			run_session_id  TEXT NOT NULL,
			runtime_seconds DOUBLE PRECISION NOT NULL,
			memory_bytes    BIGINT NOT NULL,
			FOREIGN KEY (name, instance, run_session_id)
				REFERENCES fig_run_sessions (name, instance, run_session_id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_fig_memory_samples_session
			ON fig_memory_samples (name, instance, run_session_id, id);

		CREATE TABLE IF NOT EXISTS fig_verification_results (
			id                TEXT PRIMARY KEY,
			client_name       TEXT NOT NULL,
			instance          TEXT NOT NULL DEFAULT '',
			verification_name TEXT NOT NULL,
			success           BOOLEAN NOT NULL,
			message           TEXT NOT NULL DEFAULT '',
			logs              JSONB NOT NULL DEFAULT '[]',
			execution_time_ns BIGINT NOT NULL DEFAULT 0,
			requesting_user   TEXT NOT NULL DEFAULT '',
			ts                TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fig_verification_results_key
			ON fig_verification_results (client_name, instance, verification_name, ts DESC);

		CREATE TABLE IF NOT EXISTS fig_setting_values (
			id           TEXT PRIMARY KEY,
			client_name  TEXT NOT NULL,
			instance     TEXT NOT NULL DEFAULT '',
			setting_name TEXT NOT NULL,
			value        TEXT NOT NULL,
			changed_by   TEXT NOT NULL DEFAULT '',
			changed_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fig_setting_values_key
			ON fig_setting_values (client_name, instance, setting_name, changed_at DESC);

		CREATE TABLE IF NOT EXISTS fig_audit_events (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			client_name TEXT NOT NULL DEFAULT '',
			document    JSONB NOT NULL,
			ts          TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fig_audit_events_ts ON fig_audit_events (ts DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Client Store ────────────────────────────────────────────

func (s *PostgresStore) ListClients(ctx context.Context) ([]models.ClientRegistration, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, instance, document FROM fig_clients ORDER BY name, instance`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	out := make([]models.ClientRegistration, 0, len(docs))
	err = decodeDocuments(docs, func(_ models.ClientKey, c models.ClientRegistration) {
		out = append(out, c)
	})
	return out, err
}

// document is one stored JSON document with the key of its owner.
type document struct {
	key  models.ClientKey
	data []byte
}

func scanDocuments(rows pgx.Rows) ([]document, error) {
	defer rows.Close()
	var out []document
	for rows.Next() {
		var d document
		if err := rows.Scan(&d.key.Name, &d.key.Instance, &d.data); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// decodeDocuments hands every document it can decode to add. The rest are
// logged and reported in a *SkippedRecords.
func decodeDocuments[T any](docs []document, add func(models.ClientKey, T)) error {
	var skipped []*RecordError
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d.data, &v); err != nil {
			rerr := &RecordError{Client: d.key.String(), Err: fmt.Errorf("decode document: %w", err)}
			log.Error().Err(rerr).Msg("Skipping unreadable record")
			skipped = append(skipped, rerr)
			continue
		}
		add(d.key, v)
	}
	if len(skipped) > 0 {
		return &SkippedRecords{Records: skipped}
	}
	return nil
}

func (s *PostgresStore) GetClient(ctx context.Context, key models.ClientKey) (*models.ClientRegistration, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM fig_clients WHERE name = $1 AND instance = $2`,
		key.Name, key.Instance,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "client", Key: key.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", key, err)
	}
	var c models.ClientRegistration
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, &RecordError{Client: key.String(), Err: fmt.Errorf("decode document: %w", err)}
	}
	return &c, nil
}

func (s *PostgresStore) SaveClient(ctx context.Context, client *models.ClientRegistration) error {
	doc, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("encode client %s: %w", client.Key(), err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fig_clients (name, instance, document, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name, instance) DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()`,
		client.Name, client.Instance, doc,
	)
	if err != nil {
		return fmt.Errorf("save client %s: %w", client.Key(), err)
	}
	return nil
}

func (s *PostgresStore) DeleteClient(ctx context.Context, key models.ClientKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete client %s: %w", key, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM fig_run_sessions WHERE name = $1 AND instance = $2`, key.Name, key.Instance); err != nil {
		return fmt.Errorf("delete run sessions of %s: %w", key, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM fig_clients WHERE name = $1 AND instance = $2`, key.Name, key.Instance)
	if err != nil {
		return fmt.Errorf("delete client %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "client", Key: key.String()}
	}
	return tx.Commit(ctx)
}

// ── Session Store ───────────────────────────────────────────

func (s *PostgresStore) GetSession(ctx context.Context, key models.ClientKey, runSessionID string) (*models.RunSession, error) {
	id := strings.ToLower(runSessionID)
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM fig_run_sessions WHERE name = $1 AND instance = $2 AND run_session_id = $3`,
		key.Name, key.Instance, id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "run session", Key: key.String() + "/" + runSessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("get run session %s/%s: %w", key, runSessionID, err)
	}
	var rs models.RunSession
	if err := json.Unmarshal(doc, &rs); err != nil {
		return nil, &RecordError{Client: key.String(), Err: fmt.Errorf("decode run session %s: %w", runSessionID, err)}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT runtime_seconds, memory_bytes FROM fig_memory_samples
		WHERE name = $1 AND instance = $2 AND run_session_id = $3
		ORDER BY id`,
		key.Name, key.Instance, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list memory samples: %w", err)
	}
	defer rows.Close()
	rs.HistoricalMemoryUsage = nil
	for rows.Next() {
		var sample models.MemoryUsageSample
		if err := rows.Scan(&sample.ClientRunTimeSeconds, &sample.MemoryUsageBytes); err != nil {
			return nil, fmt.Errorf("scan memory sample: %w", err)
		}
		rs.HistoricalMemoryUsage = append(rs.HistoricalMemoryUsage, sample)
	}
	return &rs, rows.Err()
}

func (s *PostgresStore) SaveSession(ctx context.Context, key models.ClientKey, session *models.RunSession) error {
	meta := *session
	meta.HistoricalMemoryUsage = nil
	doc, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode run session %s: %w", session.RunSessionID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fig_run_sessions (name, instance, run_session_id, document, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, instance, run_session_id)
		DO UPDATE SET document = EXCLUDED.document, last_seen = EXCLUDED.last_seen`,
		key.Name, key.Instance, strings.ToLower(session.RunSessionID), doc, session.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("save run session %s/%s: %w", key, session.RunSessionID, err)
	}
	return nil
}

func (s *PostgresStore) AppendMemorySample(ctx context.Context, key models.ClientKey, runSessionID string, sample models.MemoryUsageSample, keep int) error {
	id := strings.ToLower(runSessionID)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append memory sample: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO fig_memory_samples (name, instance, run_session_id, runtime_seconds, memory_bytes)
		VALUES ($1, $2, $3, $4, $5)`,
		key.Name, key.Instance, id, sample.ClientRunTimeSeconds, sample.MemoryUsageBytes,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return &ErrNotFound{Entity: "run session", Key: key.String() + "/" + runSessionID}
	}
	if err != nil {
		return fmt.Errorf("append memory sample: %w", err)
	}

	if keep > 0 {
		_, err = tx.Exec(ctx, `
			DELETE FROM fig_memory_samples
			WHERE name = $1 AND instance = $2 AND run_session_id = $3 AND id <= (
				SELECT id FROM fig_memory_samples
				WHERE name = $1 AND instance = $2 AND run_session_id = $3
				ORDER BY id DESC OFFSET $4 LIMIT 1
			)`,
			key.Name, key.Instance, id, keep,
		)
		if err != nil {
			return fmt.Errorf("trim memory samples: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.ClientRunSession, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, instance, document FROM fig_run_sessions ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list run sessions: %w", err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, fmt.Errorf("scan run session: %w", err)
	}
	out := make([]models.ClientRunSession, 0, len(docs))
	err = decodeDocuments(docs, func(key models.ClientKey, rs models.RunSession) {
		rs.HistoricalMemoryUsage = nil
		out = append(out, models.ClientRunSession{ClientName: key.Name, Instance: key.Instance, RunSession: rs})
	})
	return out, err
}

func (s *PostgresStore) DeleteSessionsNotSeenSince(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fig_run_sessions WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune run sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Verification History ────────────────────────────────────

func (s *PostgresStore) AppendVerificationResult(ctx context.Context, r *models.VerificationResult) error {
	logs, err := json.Marshal(r.Logs)
	if err != nil {
		return fmt.Errorf("encode verification logs: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fig_verification_results
			(id, client_name, instance, verification_name, success, message, logs, execution_time_ns, requesting_user, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ClientName, r.Instance, r.VerificationName, r.Success, r.Message, logs,
		r.ExecutionTime.Nanoseconds(), r.RequestingUser, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append verification result: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVerificationResults(ctx context.Context, key models.ClientKey, verification string, limit int) ([]models.VerificationResult, error) {
	query := `SELECT id, client_name, instance, verification_name, success, message, logs, execution_time_ns, requesting_user, ts
		FROM fig_verification_results
		WHERE client_name = $1 AND instance = $2 AND verification_name = $3
		ORDER BY ts DESC`
	args := []any{key.Name, key.Instance, verification}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list verification results: %w", err)
	}
	defer rows.Close()

	var out []models.VerificationResult
	for rows.Next() {
		var r models.VerificationResult
		var logs []byte
		var execNs int64
		if err := rows.Scan(&r.ID, &r.ClientName, &r.Instance, &r.VerificationName, &r.Success,
			&r.Message, &logs, &execNs, &r.RequestingUser, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan verification result: %w", err)
		}
		if err := json.Unmarshal(logs, &r.Logs); err != nil {
			return nil, fmt.Errorf("decode verification logs %s: %w", r.ID, err)
		}
		r.ExecutionTime = time.Duration(execNs)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteVerificationResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fig_verification_results WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune verification results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Setting History ─────────────────────────────────────────

func (s *PostgresStore) AppendSettingValues(ctx context.Context, records []models.SettingValueRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO fig_setting_values (id, client_name, instance, setting_name, value, changed_by, changed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.ClientName, r.Instance, r.SettingName, r.Value, r.ChangedBy, r.ChangedAt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append setting values: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSettingValues(ctx context.Context, key models.ClientKey, setting string, limit int) ([]models.SettingValueRecord, error) {
	query := `SELECT id, client_name, instance, setting_name, value, changed_by, changed_at
		FROM fig_setting_values
		WHERE client_name = $1 AND instance = $2 AND setting_name = $3
		ORDER BY changed_at DESC`
	args := []any{key.Name, key.Instance, setting}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list setting values: %w", err)
	}
	defer rows.Close()

	var out []models.SettingValueRecord
	for rows.Next() {
		var r models.SettingValueRecord
		if err := rows.Scan(&r.ID, &r.ClientName, &r.Instance, &r.SettingName, &r.Value, &r.ChangedBy, &r.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan setting value: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Audit Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fig_audit_events (id, type, client_name, document, ts)
		VALUES ($1, $2, $3, $4, $5)`,
		event.ID, string(event.Type), event.ClientName, doc, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	query := `SELECT document FROM fig_audit_events WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.ClientName != "" {
		query += fmt.Sprintf(" AND client_name = $%d", argIdx)
		args = append(args, filter.ClientName)
		argIdx++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, string(filter.Type))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND ts >= $%d", argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += " ORDER BY ts DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		var e models.AuditEvent
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fig_audit_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
