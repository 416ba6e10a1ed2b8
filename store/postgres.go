package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hetuflow/hetuflow/domain"
)

// PostgresStore is the durable Store backend. Pool sizing and the
// skip-locked claim transaction pattern are grounded on
// control_plane/store/postgres.go and the ClaimAndFire transaction from the
// dist-job-scheduler reference repo.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and configures the pool the way the
// teacher does: a modest max, a small warm minimum.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &domain.PermanentError{Op: "NewPostgresStore", Err: err}
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &domain.TransientError{Op: "NewPostgresStore", Err: err}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Namespace ---

func (s *PostgresStore) UpsertNamespace(ctx context.Context, ns *domain.Namespace) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO namespaces (id, tenant_id, name, bound_server_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name, status = EXCLUDED.status, updated_at = now()
	`, ns.ID, ns.TenantID, ns.Name, ns.BoundServerID.String(), ns.Status)
	if err != nil {
		return &domain.TransientError{Op: "UpsertNamespace", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetNamespace(ctx context.Context, id domain.ID) (*domain.Namespace, error) {
	ns := &domain.Namespace{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, COALESCE(bound_server_id::text, ''), status, created_at, updated_at
		FROM namespaces WHERE id = $1
	`, id).Scan(&ns.ID, &ns.TenantID, &ns.Name, &ns.BoundServerID, &ns.Status, &ns.CreatedAt, &ns.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Op: "GetNamespace", Kind: "Namespace", ID: id.String()}
	}
	if err != nil {
		return nil, &domain.TransientError{Op: "GetNamespace", Err: err}
	}
	return ns, nil
}

func (s *PostgresStore) ListActiveNamespaces(ctx context.Context) ([]*domain.Namespace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, COALESCE(bound_server_id::text, ''), status, created_at, updated_at
		FROM namespaces WHERE status = $1 ORDER BY id
	`, domain.NamespaceActive)
	if err != nil {
		return nil, &domain.TransientError{Op: "ListActiveNamespaces", Err: err}
	}
	defer rows.Close()

	var out []*domain.Namespace
	for rows.Next() {
		ns := &domain.Namespace{}
		if err := rows.Scan(&ns.ID, &ns.TenantID, &ns.Name, &ns.BoundServerID, &ns.Status, &ns.CreatedAt, &ns.UpdatedAt); err != nil {
			return nil, &domain.TransientError{Op: "ListActiveNamespaces", Err: err}
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BindNamespace(ctx context.Context, namespaceID, serverID domain.ID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE namespaces SET bound_server_id = $2, updated_at = now()
		WHERE id = $1 AND (bound_server_id IS NULL OR bound_server_id = $2)
	`, namespaceID, serverID)
	if err != nil {
		return &domain.TransientError{Op: "BindNamespace", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &domain.ConflictError{Op: "BindNamespace", Key: namespaceID.String()}
	}
	return nil
}

func (s *PostgresStore) UnbindNamespace(ctx context.Context, namespaceID domain.ID) error {
	_, err := s.pool.Exec(ctx, `UPDATE namespaces SET bound_server_id = NULL, updated_at = now() WHERE id = $1`, namespaceID)
	if err != nil {
		return &domain.TransientError{Op: "UnbindNamespace", Err: err}
	}
	return nil
}

// --- Server ---

func (s *PostgresStore) UpsertServer(ctx context.Context, srv *domain.Server) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO servers (id, address, description, status, last_heartbeat_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now(), now())
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address, description = EXCLUDED.description, status = EXCLUDED.status, updated_at = now()
	`, srv.ID, srv.Address, srv.Description, srv.Status)
	if err != nil {
		return &domain.TransientError{Op: "UpsertServer", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetServer(ctx context.Context, id domain.ID) (*domain.Server, error) {
	srv := &domain.Server{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, address, description, status, last_heartbeat_at, created_at, updated_at
		FROM servers WHERE id = $1
	`, id).Scan(&srv.ID, &srv.Address, &srv.Description, &srv.Status, &srv.LastHeartbeatAt, &srv.CreatedAt, &srv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Op: "GetServer", Kind: "Server", ID: id.String()}
	}
	if err != nil {
		return nil, &domain.TransientError{Op: "GetServer", Err: err}
	}
	return srv, nil
}

func (s *PostgresStore) ListServers(ctx context.Context) ([]*domain.Server, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, address, description, status, last_heartbeat_at, created_at, updated_at FROM servers ORDER BY id
	`)
	if err != nil {
		return nil, &domain.TransientError{Op: "ListServers", Err: err}
	}
	defer rows.Close()

	var out []*domain.Server
	for rows.Next() {
		srv := &domain.Server{}
		if err := rows.Scan(&srv.ID, &srv.Address, &srv.Description, &srv.Status, &srv.LastHeartbeatAt, &srv.CreatedAt, &srv.UpdatedAt); err != nil {
			return nil, &domain.TransientError{Op: "ListServers", Err: err}
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateServerHeartbeat(ctx context.Context, id domain.ID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE servers SET last_heartbeat_at = $2, status = $3, updated_at = now() WHERE id = $1`,
		id, at, domain.ServerActive)
	if err != nil {
		return &domain.TransientError{Op: "UpdateServerHeartbeat", Err: err}
	}
	return nil
}

func (s *PostgresStore) MarkServersInactive(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE servers SET status = $2, updated_at = now() WHERE status = $3 AND last_heartbeat_at < $1
	`, olderThan, domain.ServerInactive, domain.ServerActive)
	if err != nil {
		return 0, &domain.TransientError{Op: "MarkServersInactive", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

// --- Agent ---

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *domain.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, labels, max_concurrency, status, last_heartbeat_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now(), now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, labels = EXCLUDED.labels, max_concurrency = EXCLUDED.max_concurrency,
			status = EXCLUDED.status, updated_at = now()
	`, a.ID, a.Name, labelsToHstore(a.Labels), a.Capabilities.MaxConcurrency, a.Status)
	if err != nil {
		return &domain.TransientError{Op: "UpsertAgent", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id domain.ID) (*domain.Agent, error) {
	a := &domain.Agent{}
	var labels map[string]string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, labels, max_concurrency, status, last_heartbeat_at,
			tasks_dispatched, tasks_succeeded, tasks_failed, created_at, updated_at
		FROM agents WHERE id = $1
	`, id).Scan(&a.ID, &a.Name, &labels, &a.Capabilities.MaxConcurrency, &a.Status, &a.LastHeartbeatAt,
		&a.Statistics.TasksDispatched, &a.Statistics.TasksSucceeded, &a.Statistics.TasksFailed, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Op: "GetAgent", Kind: "Agent", ID: id.String()}
	}
	if err != nil {
		return nil, &domain.TransientError{Op: "GetAgent", Err: err}
	}
	a.Labels = labels
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, labels, max_concurrency, status, last_heartbeat_at,
			tasks_dispatched, tasks_succeeded, tasks_failed, created_at, updated_at
		FROM agents ORDER BY id
	`)
	if err != nil {
		return nil, &domain.TransientError{Op: "ListAgents", Err: err}
	}
	defer rows.Close()

	var out []*domain.Agent
	for rows.Next() {
		a := &domain.Agent{}
		var labels map[string]string
		if err := rows.Scan(&a.ID, &a.Name, &labels, &a.Capabilities.MaxConcurrency, &a.Status, &a.LastHeartbeatAt,
			&a.Statistics.TasksDispatched, &a.Statistics.TasksSucceeded, &a.Statistics.TasksFailed, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, &domain.TransientError{Op: "ListAgents", Err: err}
		}
		a.Labels = labels
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, id domain.ID, at time.Time, stats domain.Statistics) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET last_heartbeat_at = $2, status = $3,
			tasks_dispatched = $4, tasks_succeeded = $5, tasks_failed = $6, updated_at = now()
		WHERE id = $1
	`, id, at, domain.AgentOnline, stats.TasksDispatched, stats.TasksSucceeded, stats.TasksFailed)
	if err != nil {
		return &domain.TransientError{Op: "UpdateAgentHeartbeat", Err: err}
	}
	return nil
}

func (s *PostgresStore) MarkAgentsOffline(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET status = $2, updated_at = now() WHERE status != $2 AND last_heartbeat_at < $1
	`, olderThan, domain.AgentOffline)
	if err != nil {
		return 0, &domain.TransientError{Op: "MarkAgentsOffline", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func labelsToHstore(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// --- Job ---

func (s *PostgresStore) CreateJob(ctx context.Context, j *domain.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, namespace_id, name, kind, command, status, labels, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
	`, j.ID, j.NamespaceID, j.Name, j.Kind, j.Command, j.Status, j.Labels)
	if err != nil {
		return &domain.TransientError{Op: "CreateJob", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id domain.ID) (*domain.Job, error) {
	j := &domain.Job{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, namespace_id, name, kind, command, status, labels, created_at, updated_at FROM jobs WHERE id = $1
	`, id).Scan(&j.ID, &j.NamespaceID, &j.Name, &j.Kind, &j.Command, &j.Status, &j.Labels, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Op: "GetJob", Kind: "Job", ID: id.String()}
	}
	if err != nil {
		return nil, &domain.TransientError{Op: "GetJob", Err: err}
	}
	return j, nil
}

func (s *PostgresStore) ListJobsByNamespace(ctx context.Context, namespaceID domain.ID) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, namespace_id, name, kind, command, status, labels, created_at, updated_at
		FROM jobs WHERE namespace_id = $1 AND status = $2 ORDER BY id
	`, namespaceID, domain.JobEnabled)
	if err != nil {
		return nil, &domain.TransientError{Op: "ListJobsByNamespace", Err: err}
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j := &domain.Job{}
		if err := rows.Scan(&j.ID, &j.NamespaceID, &j.Name, &j.Kind, &j.Command, &j.Status, &j.Labels, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, &domain.TransientError{Op: "ListJobsByNamespace", Err: err}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- Schedule ---

func (s *PostgresStore) CreateSchedule(ctx context.Context, sch *domain.Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (id, job_id, kind, cron_expression, interval_ns, first_delay_ns, execution_count,
			fire_at, valid_from, valid_until, enabled, next_fire_at, fired_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
	`, sch.ID, sch.JobID, sch.Kind, sch.Payload.CronExpression, int64(sch.Payload.Interval), int64(sch.Payload.FirstDelay),
		sch.Payload.ExecutionCount, sch.Payload.FireAt, sch.ValidFrom, sch.ValidUntil, sch.Enabled, sch.NextFireAt, sch.FiredCount)
	if err != nil {
		return &domain.TransientError{Op: "CreateSchedule", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id domain.ID) (*domain.Schedule, error) {
	sch := &domain.Schedule{}
	var intervalNS, firstDelayNS int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, kind, cron_expression, interval_ns, first_delay_ns, execution_count,
			fire_at, valid_from, valid_until, enabled, next_fire_at, fired_count, created_at, updated_at
		FROM schedules WHERE id = $1
	`, id).Scan(&sch.ID, &sch.JobID, &sch.Kind, &sch.Payload.CronExpression, &intervalNS, &firstDelayNS,
		&sch.Payload.ExecutionCount, &sch.Payload.FireAt, &sch.ValidFrom, &sch.ValidUntil, &sch.Enabled,
		&sch.NextFireAt, &sch.FiredCount, &sch.CreatedAt, &sch.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Op: "GetSchedule", Kind: "Schedule", ID: id.String()}
	}
	if err != nil {
		return nil, &domain.TransientError{Op: "GetSchedule", Err: err}
	}
	sch.Payload.Interval = time.Duration(intervalNS)
	sch.Payload.FirstDelay = time.Duration(firstDelayNS)
	return sch, nil
}

func (s *PostgresStore) ListDueSchedules(ctx context.Context, namespaceID domain.ID, now time.Time, lookahead time.Duration, limit int) ([]*domain.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.job_id, s.kind, s.cron_expression, s.interval_ns, s.first_delay_ns, s.execution_count,
			s.fire_at, s.valid_from, s.valid_until, s.enabled, s.next_fire_at, s.fired_count, s.created_at, s.updated_at
		FROM schedules s JOIN jobs j ON j.id = s.job_id
		WHERE j.namespace_id = $1 AND s.enabled AND s.next_fire_at <= $2
		ORDER BY s.next_fire_at ASC
		LIMIT $3
	`, namespaceID, now.Add(lookahead), limit)
	if err != nil {
		return nil, &domain.TransientError{Op: "ListDueSchedules", Err: err}
	}
	defer rows.Close()

	var out []*domain.Schedule
	for rows.Next() {
		sch := &domain.Schedule{}
		var intervalNS, firstDelayNS int64
		if err := rows.Scan(&sch.ID, &sch.JobID, &sch.Kind, &sch.Payload.CronExpression, &intervalNS, &firstDelayNS,
			&sch.Payload.ExecutionCount, &sch.Payload.FireAt, &sch.ValidFrom, &sch.ValidUntil, &sch.Enabled,
			&sch.NextFireAt, &sch.FiredCount, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
			return nil, &domain.TransientError{Op: "ListDueSchedules", Err: err}
		}
		sch.Payload.Interval = time.Duration(intervalNS)
		sch.Payload.FirstDelay = time.Duration(firstDelayNS)
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdvanceSchedule(ctx context.Context, id domain.ID, nextFireAt time.Time, firedDelta int, disable bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedules SET next_fire_at = $2, fired_count = fired_count + $3,
			enabled = CASE WHEN $4 THEN false ELSE enabled END, updated_at = now()
		WHERE id = $1
	`, id, nextFireAt, firedDelta, disable)
	if err != nil {
		return &domain.TransientError{Op: "AdvanceSchedule", Err: err}
	}
	return nil
}

// --- Task ---

func (s *PostgresStore) InsertPendingTask(ctx context.Context, t *domain.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, job_id, schedule_id, namespace_id, priority, scheduled_at, status,
			retry_count, max_retries, dependencies, payload, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
	`, t.ID, t.JobID, t.ScheduleID, t.NamespaceID, t.Priority, t.ScheduledAt, domain.TaskPending,
		t.RetryCount, t.MaxRetries, idsToText(t.Dependencies), t.Payload, t.IdempotencyKey)
	if isUniqueViolation(err) {
		return ErrDuplicateTask
	}
	if err != nil {
		return &domain.TransientError{Op: "InsertPendingTask", Err: err}
	}
	return nil
}

func idsToText(ids []domain.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (s *PostgresStore) GetTask(ctx context.Context, id domain.ID) (*domain.Task, error) {
	t := &domain.Task{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, schedule_id, namespace_id, priority, scheduled_at, status,
			COALESCE(server_id::text, ''), COALESCE(agent_id::text, ''), locked_at, lock_version,
			retry_count, max_retries, payload, idempotency_key, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id).Scan(&t.ID, &t.JobID, &t.ScheduleID, &t.NamespaceID, &t.Priority, &t.ScheduledAt, &t.Status,
		&t.ServerID, &t.AgentID, &t.LockedAt, &t.LockVersion, &t.RetryCount, &t.MaxRetries,
		&t.Payload, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Op: "GetTask", Kind: "Task", ID: id.String()}
	}
	if err != nil {
		return nil, &domain.TransientError{Op: "GetTask", Err: err}
	}
	return t, nil
}

// ClaimPendingTasks is the SKIP LOCKED claim transaction, grounded directly
// on the dist-job-scheduler reference's ClaimAndFire: select candidate rows
// with FOR UPDATE SKIP LOCKED inside a transaction, flip their status, and
// commit. Concurrent callers never block on each other; they simply get
// disjoint result sets.
func (s *PostgresStore) ClaimPendingTasks(ctx context.Context, filter ClaimFilter) ([]*domain.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, &domain.TransientError{Op: "ClaimPendingTasks", Err: err}
	}
	defer tx.Rollback(ctx)

	deadline := filter.Now.Add(filter.LeadTime)
	rows, err := tx.Query(ctx, `
		SELECT id, job_id, schedule_id, namespace_id, priority, scheduled_at, status,
			retry_count, max_retries, payload, idempotency_key, created_at, updated_at
		FROM tasks
		WHERE namespace_id = ANY($1) AND status = $2 AND scheduled_at <= $3
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, idsToText(filter.NamespaceIDs), domain.TaskPending, deadline, filter.Limit)
	if err != nil {
		return nil, &domain.TransientError{Op: "ClaimPendingTasks", Err: err}
	}

	var claimed []*domain.Task
	for rows.Next() {
		t := &domain.Task{}
		if err := rows.Scan(&t.ID, &t.JobID, &t.ScheduleID, &t.NamespaceID, &t.Priority, &t.ScheduledAt, &t.Status,
			&t.RetryCount, &t.MaxRetries, &t.Payload, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, &domain.TransientError{Op: "ClaimPendingTasks", Err: err}
		}
		claimed = append(claimed, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &domain.TransientError{Op: "ClaimPendingTasks", Err: err}
	}
	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(claimed))
	for i, t := range claimed {
		ids[i] = t.ID.String()
	}
	now := filter.Now
	if _, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $1, locked_at = $2, lock_version = lock_version + 1, updated_at = $2
		WHERE id = ANY($3)
	`, domain.TaskLocked, now, ids); err != nil {
		return nil, &domain.TransientError{Op: "ClaimPendingTasks", Err: err}
	}
	for _, t := range claimed {
		t.Status = domain.TaskLocked
		t.LockedAt = now
		t.LockVersion++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &domain.TransientError{Op: "ClaimPendingTasks", Err: err}
	}
	return claimed, nil
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, taskID, serverID, agentID domain.ID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, server_id = $2, agent_id = $3, updated_at = now()
		WHERE id = $4 AND status = $5 AND server_id = $2
	`, domain.TaskDispatched, serverID, agentID, taskID, domain.TaskLocked)
	if err != nil {
		return &domain.TransientError{Op: "MarkDispatched", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &domain.ConflictError{Op: "MarkDispatched", Key: taskID.String()}
	}
	return nil
}

func (s *PostgresStore) MarkDoing(ctx context.Context, taskID domain.ID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, domain.TaskDoing, taskID, domain.TaskDispatched)
	if err != nil {
		return &domain.TransientError{Op: "MarkDoing", Err: err}
	}
	return nil
}

func (s *PostgresStore) MarkTaskTerminal(ctx context.Context, taskID domain.ID, status domain.TaskStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET status = $1, updated_at = now() WHERE id = $2`, status, taskID)
	if err != nil {
		return &domain.TransientError{Op: "MarkTaskTerminal", Err: err}
	}
	return nil
}

func (s *PostgresStore) RequeueTask(ctx context.Context, taskID domain.ID, bumpRetry bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, server_id = NULL, agent_id = NULL, locked_at = 'epoch',
			retry_count = retry_count + CASE WHEN $3 THEN 1 ELSE 0 END, updated_at = now()
		WHERE id = $2
	`, domain.TaskPending, taskID, bumpRetry)
	if err != nil {
		return &domain.TransientError{Op: "RequeueTask", Err: err}
	}
	return nil
}

func (s *PostgresStore) ReclaimExpiredLocks(ctx context.Context, lockTimeout time.Duration, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, server_id = NULL, agent_id = NULL, locked_at = 'epoch', updated_at = $2
		WHERE status IN ($3, $4) AND locked_at < $2 - $5::interval
	`, domain.TaskPending, now, domain.TaskLocked, domain.TaskDispatched, lockTimeout.String())
	if err != nil {
		return 0, &domain.TransientError{Op: "ReclaimExpiredLocks", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListDispatchedToAgent(ctx context.Context, agentID domain.ID) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, schedule_id, namespace_id, priority, scheduled_at, status,
			retry_count, max_retries, payload, idempotency_key, created_at, updated_at
		FROM tasks WHERE agent_id = $1 AND status IN ($2, $3)
	`, agentID, domain.TaskDispatched, domain.TaskDoing)
	if err != nil {
		return nil, &domain.TransientError{Op: "ListDispatchedToAgent", Err: err}
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t := &domain.Task{}
		if err := rows.Scan(&t.ID, &t.JobID, &t.ScheduleID, &t.NamespaceID, &t.Priority, &t.ScheduledAt, &t.Status,
			&t.RetryCount, &t.MaxRetries, &t.Payload, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, &domain.TransientError{Op: "ListDispatchedToAgent", Err: err}
		}
		t.AgentID = agentID
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- TaskInstance ---

func (s *PostgresStore) CreateTaskInstanceIfAbsent(ctx context.Context, ti *domain.TaskInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_instances (id, task_id, agent_id, attempt, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	`, ti.ID, ti.TaskID, ti.AgentID, ti.Attempt, domain.InstancePending, ti.IdempotencyKey)
	if isUniqueViolation(err) {
		return ErrDuplicateTaskInstance
	}
	if err != nil {
		return &domain.TransientError{Op: "CreateTaskInstanceIfAbsent", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetTaskInstance(ctx context.Context, id domain.ID) (*domain.TaskInstance, error) {
	ti := &domain.TaskInstance{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, agent_id, attempt, status, started_at, completed_at, exit_code,
			stdout_ref, stderr_ref, error_message, idempotency_key, created_at, updated_at
		FROM task_instances WHERE id = $1
	`, id).Scan(&ti.ID, &ti.TaskID, &ti.AgentID, &ti.Attempt, &ti.Status, &ti.StartedAt, &ti.CompletedAt, &ti.ExitCode,
		&ti.StdoutRef, &ti.StderrRef, &ti.ErrorMessage, &ti.IdempotencyKey, &ti.CreatedAt, &ti.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Op: "GetTaskInstance", Kind: "TaskInstance", ID: id.String()}
	}
	if err != nil {
		return nil, &domain.TransientError{Op: "GetTaskInstance", Err: err}
	}
	return ti, nil
}

// UpdateTaskInstanceStatus enforces the monotone transition predicate inside
// the same transaction that reads current status, so a stale out-of-order
// update (spec §4.8) never regresses a later one racing concurrently.
func (s *PostgresStore) UpdateTaskInstanceStatus(ctx context.Context, id domain.ID, to domain.TaskInstanceStatus, fields TaskInstanceUpdateFields) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, &domain.TransientError{Op: "UpdateTaskInstanceStatus", Err: err}
	}
	defer tx.Rollback(ctx)

	var current domain.TaskInstanceStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM task_instances WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, &domain.NotFoundError{Op: "UpdateTaskInstanceStatus", Kind: "TaskInstance", ID: id.String()}
		}
		return false, &domain.TransientError{Op: "UpdateTaskInstanceStatus", Err: err}
	}

	if !domain.IsMonotoneTransition(current, to) {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE task_instances SET status = $1, started_at = COALESCE($2, started_at), completed_at = COALESCE($3, completed_at),
			exit_code = COALESCE($4, exit_code), error_message = CASE WHEN $5 != '' THEN $5 ELSE error_message END,
			stdout_ref = CASE WHEN $6 != '' THEN $6 ELSE stdout_ref END,
			stderr_ref = CASE WHEN $7 != '' THEN $7 ELSE stderr_ref END,
			updated_at = now()
		WHERE id = $8
	`, to, fields.StartedAt, fields.CompletedAt, fields.ExitCode, fields.ErrorMessage, fields.StdoutRef, fields.StderrRef, id); err != nil {
		return false, &domain.TransientError{Op: "UpdateTaskInstanceStatus", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, &domain.TransientError{Op: "UpdateTaskInstanceStatus", Err: err}
	}
	return true, nil
}

// --- GlobalPath ---

func (s *PostgresStore) GetGlobalPath(ctx context.Context, path string) (*domain.GlobalPath, error) {
	gp := &domain.GlobalPath{Path: path}
	err := s.pool.QueryRow(ctx, `SELECT value, revision FROM global_paths WHERE path = $1`, path).Scan(&gp.Value, &gp.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Op: "GetGlobalPath", Kind: "GlobalPath", ID: path}
	}
	if err != nil {
		return nil, &domain.TransientError{Op: "GetGlobalPath", Err: err}
	}
	return gp, nil
}

func (s *PostgresStore) CASGlobalPath(ctx context.Context, path, value string, expectedRevision int64) (int64, error) {
	if expectedRevision == 0 {
		var revision int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO global_paths (path, value, revision) VALUES ($1, $2, 1)
			ON CONFLICT (path) DO NOTHING
			RETURNING revision
		`, path, value).Scan(&revision)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &domain.ConflictError{Op: "CASGlobalPath", Key: path}
		}
		if err != nil {
			return 0, &domain.TransientError{Op: "CASGlobalPath", Err: err}
		}
		return revision, nil
	}

	var revision int64
	err := s.pool.QueryRow(ctx, `
		UPDATE global_paths SET value = $2, revision = revision + 1
		WHERE path = $1 AND revision = $3
		RETURNING revision
	`, path, value, expectedRevision).Scan(&revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &domain.ConflictError{Op: "CASGlobalPath", Key: path}
	}
	if err != nil {
		return 0, &domain.TransientError{Op: "CASGlobalPath", Err: err}
	}
	return revision, nil
}

// --- Durable epoch ---

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO durable_epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = durable_epochs.epoch + 1
		RETURNING epoch
	`, resourceID).Scan(&epoch)
	if err != nil {
		return 0, &domain.TransientError{Op: "IncrementDurableEpoch", Err: err}
	}
	return epoch, nil
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM durable_epochs WHERE resource_id = $1`, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, &domain.TransientError{Op: "GetDurableEpoch", Err: err}
	}
	return epoch, nil
}

// --- Advisory locks ---

func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		return false, &domain.TransientError{Op: "TryAdvisoryLock", Err: err}
	}
	return ok, nil
}

func (s *PostgresStore) AdvisoryUnlock(ctx context.Context, key int64) error {
	if _, err := s.pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
		return &domain.TransientError{Op: "AdvisoryUnlock", Err: err}
	}
	return nil
}
