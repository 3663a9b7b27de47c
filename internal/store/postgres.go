package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres is the PostgreSQL Repository.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// OpenPostgres creates a pgx pool from cfg and wraps it.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	pg, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pg, nil
}

// NewPostgres wraps an existing pool and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool, log: logger.Named("store")}, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	p.log.Info("Schema applied")
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }

type scanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, user_id, status, login_method, runtime, engine, container_id, proxy_id,
        fingerprint, cookies_encrypted, localstorage_encrypted, snapshot_key,
        last_login_at, last_refresh_at, expires_at, failed_attempts, error, created_at, updated_at`

const (
	sqlInsertSession = `
        INSERT INTO sessions (` + sessionColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	sqlUpdateSession = `
        UPDATE sessions SET
            status = $2, login_method = $3, runtime = $4, engine = $5, container_id = $6, proxy_id = $7,
            fingerprint = $8, cookies_encrypted = $9, localstorage_encrypted = $10, snapshot_key = $11,
            last_login_at = $12, last_refresh_at = $13, expires_at = $14, failed_attempts = $15,
            error = $16, updated_at = $17
        WHERE id = $1`

	sqlGetSession = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	sqlListSessions = `
        SELECT ` + sessionColumns + ` FROM sessions
        WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)
        ORDER BY created_at DESC`

	sqlFindOpenSession = `
        SELECT ` + sessionColumns + ` FROM sessions
        WHERE user_id = $1 AND status NOT IN ('expired', 'failed')
        ORDER BY created_at DESC
        LIMIT 1`

	sqlListExpired = `
        SELECT ` + sessionColumns + ` FROM sessions
        WHERE status NOT IN ('expired', 'failed') AND expires_at < $1`
)

func sessionArgs(s *models.Session) ([]any, error) {
	fp, err := json.Marshal(s.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	return []any{
		s.ID, s.UserID, string(s.Status), string(s.LoginMethod), string(s.Runtime), string(s.Engine),
		s.ContainerID, s.ProxyID, fp, s.CookiesEncrypted, s.LocalStorageEncrypted, s.SnapshotKey,
		s.LastLoginAt, s.LastRefreshAt, s.ExpiresAt.UTC(), s.FailedAttempts, s.Error,
		s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	}, nil
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		s                               models.Session
		status, method, runtime, engine string
		fingerprint                     []byte
	)
	err := row.Scan(
		&s.ID, &s.UserID, &status, &method, &runtime, &engine, &s.ContainerID, &s.ProxyID,
		&fingerprint, &s.CookiesEncrypted, &s.LocalStorageEncrypted, &s.SnapshotKey,
		&s.LastLoginAt, &s.LastRefreshAt, &s.ExpiresAt, &s.FailedAttempts, &s.Error,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	s.LoginMethod = models.LoginMethod(method)
	s.Runtime = models.Runtime(runtime)
	s.Engine = models.Engine(engine)
	if len(fingerprint) > 0 {
		if err := json.Unmarshal(fingerprint, &s.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to decode fingerprint: %w", err)
		}
	}
	return &s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s *models.Session) error {
	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, sqlInsertSession, args...); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, sqlGetSession, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (p *Postgres) UpdateSession(ctx context.Context, s *models.Session) error {
	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	// The UPDATE takes every column except user_id and created_at.
	updateArgs := append([]any{args[0]}, args[2:17]...)
	updateArgs = append(updateArgs, args[18])

	tag, err := p.pool.Exec(ctx, sqlUpdateSession, updateArgs...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (p *Postgres) querySessions(ctx context.Context, sql string, args ...any) ([]*models.Session, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (p *Postgres) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	return p.querySessions(ctx, sqlListSessions, filter.UserID, string(filter.Status))
}

func (p *Postgres) FindOpenSession(ctx context.Context, userID string) (*models.Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, sqlFindOpenSession, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListExpired(ctx context.Context, now time.Time) ([]*models.Session, error) {
	return p.querySessions(ctx, sqlListExpired, now.UTC())
}

const containerColumns = `id, session_id, runtime, engine, node, external_id, remote_debug_url, stream_url,
        stream_host, stream_port, profile_dir, state, error, created_at, updated_at`

const (
	sqlSaveContainer = `
        INSERT INTO containers (` + containerColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
        ON CONFLICT (id) DO UPDATE SET
            node = EXCLUDED.node,
            external_id = EXCLUDED.external_id,
            remote_debug_url = EXCLUDED.remote_debug_url,
            stream_url = EXCLUDED.stream_url,
            stream_host = EXCLUDED.stream_host,
            stream_port = EXCLUDED.stream_port,
            profile_dir = EXCLUDED.profile_dir,
            state = EXCLUDED.state,
            error = EXCLUDED.error,
            updated_at = EXCLUDED.updated_at`

	sqlGetContainer = `SELECT ` + containerColumns + ` FROM containers WHERE id = $1`

	sqlListLiveContainers = `
        SELECT ` + containerColumns + ` FROM containers
        WHERE session_id = $1 AND state IN ('starting', 'ready', 'hibernating')`
)

func scanContainer(row scanner) (*models.ContainerInstance, error) {
	var (
		c                      models.ContainerInstance
		runtime, engine, state string
	)
	err := row.Scan(
		&c.ID, &c.SessionID, &runtime, &engine, &c.Node, &c.ExternalID, &c.RemoteDebugURL, &c.StreamURL,
		&c.StreamHost, &c.StreamPort, &c.ProfileDir, &state, &c.Error, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Runtime = models.Runtime(runtime)
	c.Engine = models.Engine(engine)
	c.State = models.ContainerState(state)
	return &c, nil
}

func (p *Postgres) SaveContainer(ctx context.Context, c *models.ContainerInstance) error {
	_, err := p.pool.Exec(ctx, sqlSaveContainer,
		c.ID, c.SessionID, string(c.Runtime), string(c.Engine), c.Node, c.ExternalID, c.RemoteDebugURL,
		c.StreamURL, c.StreamHost, c.StreamPort, c.ProfileDir, string(c.State), c.Error,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save container: %w", err)
	}
	return nil
}

func (p *Postgres) GetContainer(ctx context.Context, id string) (*models.ContainerInstance, error) {
	c, err := scanContainer(p.pool.QueryRow(ctx, sqlGetContainer, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrContainerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get container: %w", err)
	}
	return c, nil
}

func (p *Postgres) ListLiveContainers(ctx context.Context, sessionID string) ([]*models.ContainerInstance, error) {
	rows, err := p.pool.Query(ctx, sqlListLiveContainers, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query containers: %w", err)
	}
	defer rows.Close()

	var out []*models.ContainerInstance
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan container row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const (
	sqlUpsertProxy = `
        INSERT INTO proxies (id, provider, label, endpoint, credential_ref, geo, is_active)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            provider = EXCLUDED.provider,
            label = EXCLUDED.label,
            endpoint = EXCLUDED.endpoint,
            credential_ref = EXCLUDED.credential_ref,
            geo = EXCLUDED.geo,
            is_active = EXCLUDED.is_active`

	sqlListProxies = `
        SELECT id, provider, label, endpoint, credential_ref, geo, is_active, success_count, failure_count, health_score
        FROM proxies
        ORDER BY id`

	sqlUpdateProxyHealth = `
        UPDATE proxies SET success_count = $2, failure_count = $3, health_score = $4, is_active = $5
        WHERE id = $1`
)

func (p *Postgres) UpsertProxy(ctx context.Context, e *models.ProxyEntry) error {
	_, err := p.pool.Exec(ctx, sqlUpsertProxy, e.ID, e.Provider, e.Label, e.Endpoint, e.CredentialRef, e.Geo, e.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert proxy: %w", err)
	}
	return nil
}

func (p *Postgres) ListProxies(ctx context.Context) ([]*models.ProxyEntry, error) {
	rows, err := p.pool.Query(ctx, sqlListProxies)
	if err != nil {
		return nil, fmt.Errorf("failed to query proxies: %w", err)
	}
	defer rows.Close()

	var out []*models.ProxyEntry
	for rows.Next() {
		var e models.ProxyEntry
		if err := rows.Scan(&e.ID, &e.Provider, &e.Label, &e.Endpoint, &e.CredentialRef, &e.Geo,
			&e.IsActive, &e.SuccessCount, &e.FailureCount, &e.HealthScore); err != nil {
			return nil, fmt.Errorf("failed to scan proxy row: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateProxyHealth(ctx context.Context, e *models.ProxyEntry) error {
	tag, err := p.pool.Exec(ctx, sqlUpdateProxyHealth, e.ID, e.SuccessCount, e.FailureCount, e.HealthScore, e.IsActive)
	if err != nil {
		return fmt.Errorf("failed to update proxy health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrProxyNotFound
	}
	return nil
}

const jobColumns = `id, user_id, session_id, type, payload, status, error, resume_attempts,
        claimed_by, claimed_at, created_at, updated_at, finished_at, available_at`

const (
	sqlInsertJob = `
        INSERT INTO jobs (` + jobColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	sqlGetJob = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	sqlClaimNextJob = `
        UPDATE jobs SET claimed_by = $1, claimed_at = $2, updated_at = $2
        WHERE id = (
            SELECT id FROM jobs
            WHERE status = 'queued' AND claimed_by = '' AND available_at <= $2
            ORDER BY available_at, created_at
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + jobColumns

	sqlReleaseJob = `
        UPDATE jobs SET claimed_by = '', claimed_at = NULL, resume_attempts = $2, available_at = $3
        WHERE id = $1`

	sqlTransitionJob = `
        UPDATE jobs SET status = $3, error = $4, updated_at = $5, finished_at = COALESCE($6, finished_at)
        WHERE id = $1 AND status = $2`
)

func scanJob(row scanner) (*models.Job, error) {
	var (
		j       models.Job
		status  string
		payload []byte
	)
	err := row.Scan(&j.ID, &j.UserID, &j.SessionID, &j.Type, &payload, &status, &j.Error, &j.ResumeAttempts,
		&j.ClaimedBy, &j.ClaimedAt, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt, &j.AvailableAt)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

func (p *Postgres) CreateJob(ctx context.Context, j *models.Job) error {
	payload := []byte(j.Payload)
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	availableAt := j.AvailableAt
	if availableAt.IsZero() {
		availableAt = j.CreatedAt
	}
	_, err := p.pool.Exec(ctx, sqlInsertJob,
		j.ID, j.UserID, j.SessionID, j.Type, payload, string(j.Status), j.Error, j.ResumeAttempts,
		j.ClaimedBy, j.ClaimedAt, j.CreatedAt.UTC(), j.UpdatedAt.UTC(), j.FinishedAt, availableAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, sqlGetJob, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (p *Postgres) ClaimNextJob(ctx context.Context, worker string, now time.Time) (*models.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, sqlClaimNextJob, worker, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return j, nil
}

func (p *Postgres) ReleaseJob(ctx context.Context, id string, resumeAttempts int, availableAt time.Time) error {
	tag, err := p.pool.Exec(ctx, sqlReleaseJob, id, resumeAttempts, availableAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

func (p *Postgres) TransitionJob(ctx context.Context, id string, from, to models.JobStatus, errMsg string, now time.Time) (bool, error) {
	var finishedAt *time.Time
	if to.Terminal() {
		utc := now.UTC()
		finishedAt = &utc
	}
	tag, err := p.pool.Exec(ctx, sqlTransitionJob, id, string(from), string(to), errMsg, now.UTC(), finishedAt)
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
