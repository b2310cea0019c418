package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Planet Operations ---

const planetColumns = `
	planet_id, season_id, round_id, current_round_number, next_round_time,
	status, last_processed, processing_server_id, error_retry_count,
	version, created_at, updated_at`

func scanPlanet(row pgx.Row) (*Planet, error) {
	var p Planet
	err := row.Scan(
		&p.PlanetID, &p.SeasonID, &p.RoundID, &p.CurrentRoundNumber, &p.NextRoundTime,
		&p.Status, &p.LastProcessed, &p.ProcessingServerID, &p.ErrorRetryCount,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreatePlanet(ctx context.Context, p *Planet) error {
	query := `
		INSERT INTO planets (planet_id, season_id, round_id, current_round_number,
			next_round_time, status, processing_server_id, error_retry_count, version,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (planet_id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		p.PlanetID, p.SeasonID, p.RoundID, p.CurrentRoundNumber,
		p.NextRoundTime, p.Status, p.ProcessingServerID, p.ErrorRetryCount, p.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPlanetExists
	}
	return nil
}

func (s *PostgresStore) GetPlanet(ctx context.Context, planetID string) (*Planet, error) {
	query := `SELECT` + planetColumns + ` FROM planets WHERE planet_id = $1`
	return scanPlanet(s.pool.QueryRow(ctx, query, planetID))
}

func (s *PostgresStore) ListPlanets(ctx context.Context) ([]*Planet, error) {
	query := `SELECT` + planetColumns + ` FROM planets ORDER BY planet_id`
	return s.queryPlanets(ctx, query)
}

func (s *PostgresStore) ListPlanetsByStatus(ctx context.Context, status string) ([]*Planet, error) {
	query := `SELECT` + planetColumns + ` FROM planets WHERE status = $1 ORDER BY next_round_time`
	return s.queryPlanets(ctx, query, status)
}

func (s *PostgresStore) queryPlanets(ctx context.Context, query string, args ...any) ([]*Planet, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var planets []*Planet
	for rows.Next() {
		var p Planet
		if err := rows.Scan(
			&p.PlanetID, &p.SeasonID, &p.RoundID, &p.CurrentRoundNumber, &p.NextRoundTime,
			&p.Status, &p.LastProcessed, &p.ProcessingServerID, &p.ErrorRetryCount,
			&p.Version, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		planets = append(planets, &p)
	}
	return planets, rows.Err()
}

func (s *PostgresStore) CountPlanetsByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM planets WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) UpdatePlanet(ctx context.Context, p *Planet) error {
	query := `
		UPDATE planets
		SET season_id = $2, round_id = $3, current_round_number = $4,
			next_round_time = $5, status = $6, last_processed = $7,
			processing_server_id = $8, error_retry_count = $9,
			version = version + 1, updated_at = NOW()
		WHERE planet_id = $1 AND version = $10
	`
	tag, err := s.pool.Exec(ctx, query,
		p.PlanetID, p.SeasonID, p.RoundID, p.CurrentRoundNumber,
		p.NextRoundTime, p.Status, p.LastProcessed,
		p.ProcessingServerID, p.ErrorRetryCount, p.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

func (s *PostgresStore) ClaimPlanet(ctx context.Context, planetID, serverID string, version int64) (bool, error) {
	query := `
		UPDATE planets
		SET status = $3, processing_server_id = $2,
			version = version + 1, updated_at = NOW()
		WHERE planet_id = $1 AND version = $4 AND status IN ($5, $6)
	`
	tag, err := s.pool.Exec(ctx, query, planetID, serverID, PlanetProcessing, version, PlanetQueued, PlanetError)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleasePlanet(ctx context.Context, planetID, serverID, toStatus string, nextRound time.Time) (bool, error) {
	query := `
		UPDATE planets
		SET status = $3, processing_server_id = '', next_round_time = $4,
			version = version + 1, updated_at = NOW()
		WHERE planet_id = $1 AND processing_server_id = $2 AND status = $5
	`
	tag, err := s.pool.Exec(ctx, query, planetID, serverID, toStatus, nextRound, PlanetProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeletePlanet(ctx context.Context, planetID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM planets WHERE planet_id = $1`, planetID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPlanetNotFound
	}
	return nil
}

// --- Worker Operations ---

const workerColumns = `
	server_id, server_ip, status, last_heartbeat,
	idle_cpu, max_cpu, idle_ram, max_ram, disk,
	current_task, total_assigned, total_completed, total_failed,
	connected_at, disconnected_at, created_at, updated_at`

func (s *PostgresStore) UpsertWorker(ctx context.Context, w *Worker) error {
	query := `
		INSERT INTO workers (server_id, server_ip, status, last_heartbeat,
			idle_cpu, max_cpu, idle_ram, max_ram, disk,
			current_task, total_assigned, total_completed, total_failed,
			connected_at, disconnected_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
		ON CONFLICT (server_id) DO UPDATE SET
			server_ip = EXCLUDED.server_ip,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			idle_cpu = EXCLUDED.idle_cpu,
			max_cpu = EXCLUDED.max_cpu,
			idle_ram = EXCLUDED.idle_ram,
			max_ram = EXCLUDED.max_ram,
			disk = EXCLUDED.disk,
			current_task = EXCLUDED.current_task,
			total_assigned = EXCLUDED.total_assigned,
			total_completed = EXCLUDED.total_completed,
			total_failed = EXCLUDED.total_failed,
			connected_at = EXCLUDED.connected_at,
			disconnected_at = EXCLUDED.disconnected_at,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		w.ServerID, w.ServerIP, w.Status, w.LastHeartbeat,
		w.IdleCPU, w.MaxCPU, w.IdleRAM, w.MaxRAM, w.Disk,
		w.CurrentTask, w.TotalAssigned, w.TotalCompleted, w.TotalFailed,
		w.ConnectedAt, w.DisconnectedAt,
	)
	return err
}

func (s *PostgresStore) GetWorker(ctx context.Context, serverID string) (*Worker, error) {
	query := `SELECT` + workerColumns + ` FROM workers WHERE server_id = $1`
	var w Worker
	err := s.pool.QueryRow(ctx, query, serverID).Scan(
		&w.ServerID, &w.ServerIP, &w.Status, &w.LastHeartbeat,
		&w.IdleCPU, &w.MaxCPU, &w.IdleRAM, &w.MaxRAM, &w.Disk,
		&w.CurrentTask, &w.TotalAssigned, &w.TotalCompleted, &w.TotalFailed,
		&w.ConnectedAt, &w.DisconnectedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	query := `SELECT` + workerColumns + ` FROM workers ORDER BY server_id`
	return s.queryWorkers(ctx, query)
}

func (s *PostgresStore) ListIdleWorkers(ctx context.Context) ([]*Worker, error) {
	query := `SELECT` + workerColumns + ` FROM workers
		WHERE status = $1
		ORDER BY total_completed ASC, connected_at ASC NULLS LAST`
	return s.queryWorkers(ctx, query, WorkerIdle)
}

func (s *PostgresStore) queryWorkers(ctx context.Context, query string, args ...any) ([]*Worker, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(
			&w.ServerID, &w.ServerIP, &w.Status, &w.LastHeartbeat,
			&w.IdleCPU, &w.MaxCPU, &w.IdleRAM, &w.MaxRAM, &w.Disk,
			&w.CurrentTask, &w.TotalAssigned, &w.TotalCompleted, &w.TotalFailed,
			&w.ConnectedAt, &w.DisconnectedAt, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, err
		}
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

func (s *PostgresStore) CountWorkersByStatus(ctx context.Context, status string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM workers WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) UpdateWorkerHeartbeat(ctx context.Context, serverID string, hb Heartbeat, at time.Time) error {
	query := `
		UPDATE workers
		SET idle_cpu = $2, max_cpu = $3, idle_ram = $4, max_ram = $5, disk = $6,
			last_heartbeat = $7, updated_at = NOW()
		WHERE server_id = $1
	`
	tag, err := s.pool.Exec(ctx, query, serverID, hb.IdleCPU, hb.MaxCPU, hb.IdleRAM, hb.MaxRAM, hb.Disk, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAllWorkersOffline(ctx context.Context, at time.Time) error {
	query := `UPDATE workers SET status = $1, current_task = '', disconnected_at = $2, updated_at = NOW() WHERE status <> $1`
	_, err := s.pool.Exec(ctx, query, WorkerOffline, at)
	return err
}

// --- Task History Operations ---

const taskColumns = `
	id, planet_id, server_id, start_time, end_time, status, error_message, duration_seconds`

func (s *PostgresStore) InsertTaskHistory(ctx context.Context, t *TaskHistory) error {
	query := `
		INSERT INTO task_history (id, planet_id, server_id, start_time, end_time,
			status, error_message, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.PlanetID, t.ServerID, t.StartTime, t.EndTime,
		t.Status, t.ErrorMessage, t.DurationSeconds,
	)
	return err
}

func (s *PostgresStore) UpdateTaskHistory(ctx context.Context, t *TaskHistory) error {
	query := `
		UPDATE task_history
		SET start_time = $2, end_time = $3, status = $4, error_message = $5, duration_seconds = $6
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, t.ID, t.StartTime, t.EndTime, t.Status, t.ErrorMessage, t.DurationSeconds)
	return err
}

func (s *PostgresStore) GetStartedTask(ctx context.Context, planetID, serverID string) (*TaskHistory, error) {
	return s.getTaskByStatus(ctx, planetID, serverID, TaskStarted)
}

func (s *PostgresStore) GetFailedTask(ctx context.Context, planetID, serverID string) (*TaskHistory, error) {
	return s.getTaskByStatus(ctx, planetID, serverID, TaskFailed)
}

func (s *PostgresStore) getTaskByStatus(ctx context.Context, planetID, serverID, status string) (*TaskHistory, error) {
	query := `SELECT` + taskColumns + ` FROM task_history
		WHERE planet_id = $1 AND server_id = $2 AND status = $3
		ORDER BY start_time DESC LIMIT 1`
	var t TaskHistory
	err := s.pool.QueryRow(ctx, query, planetID, serverID, status).Scan(
		&t.ID, &t.PlanetID, &t.ServerID, &t.StartTime, &t.EndTime,
		&t.Status, &t.ErrorMessage, &t.DurationSeconds,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListRecentTasks(ctx context.Context, limit int) ([]*TaskHistory, error) {
	query := `SELECT` + taskColumns + ` FROM task_history ORDER BY start_time DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*TaskHistory
	for rows.Next() {
		var t TaskHistory
		if err := rows.Scan(
			&t.ID, &t.PlanetID, &t.ServerID, &t.StartTime, &t.EndTime,
			&t.Status, &t.ErrorMessage, &t.DurationSeconds,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) TaskStats(ctx context.Context, since time.Time) (*TaskStats, error) {
	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'timeout'),
			COALESCE(AVG(duration_seconds) FILTER (WHERE status = 'completed'), 0)
		FROM task_history
		WHERE start_time >= $1
	`
	var st TaskStats
	err := s.pool.QueryRow(ctx, query, since).Scan(
		&st.Total, &st.Completed, &st.Failed, &st.Timeout, &st.AvgDurationSeconds,
	)
	if err != nil {
		return nil, err
	}
	if terminal := st.Completed + st.Failed + st.Timeout; terminal > 0 {
		st.SuccessRate = float64(st.Completed) / float64(terminal)
	}
	return &st, nil
}
