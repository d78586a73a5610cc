package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// sqlCollector is the Collector shared by the SQLite and PostgreSQL backends.
type sqlCollector struct {
	db      *sql.DB
	driver  string
	started time.Time
}

func newSQLCollector(db *sql.DB, driver string) (*sqlCollector, error) {
	if err := initSchema(db, driver); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &sqlCollector{db: db, driver: driver, started: time.Now()}, nil
}

func (s *sqlCollector) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.driver, query), args...)
}

func (s *sqlCollector) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.driver, query), args...)
}

func (s *sqlCollector) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.driver, query), args...)
}

// StartSession records the start of a session
func (s *sqlCollector) StartSession(ctx context.Context, clientIP, method, targetHost string, targetPort int) (int64, error) {
	const insert = `INSERT INTO sessions (client_ip, method, target_host, target_port, started_at)
		VALUES (?, ?, ?, ?, ?)`
	now := time.Now()

	if s.driver == driverPostgres {
		var id int64
		if err := s.queryRow(ctx, insert+" RETURNING id", clientIP, method, targetHost, targetPort, now).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to record session start: %w", err)
		}
		return id, nil
	}

	result, err := s.exec(ctx, insert, clientIP, method, targetHost, targetPort, now)
	if err != nil {
		return 0, fmt.Errorf("failed to record session start: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get session ID: %w", err)
	}
	return id, nil
}

// EndSession records the end of a session with its final byte counts
func (s *sqlCollector) EndSession(ctx context.Context, sessionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, sessionID)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	return nil
}

// RecordDecision stores the route chosen for a session
func (s *sqlCollector) RecordDecision(ctx context.Context, sessionID int64, route, upstream, tier string, degraded bool) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET route = ?, upstream = ?, tier = ?, degraded = ? WHERE id = ?`,
		route, upstream, tier, degraded, sessionID)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *sqlCollector) RecordError(ctx context.Context, sessionID int64, errorType, errorMessage string) error {
	_, err := s.exec(ctx,
		`INSERT INTO errors (session_id, error_type, error_message, timestamp) VALUES (?, ?, ?, ?)`,
		sessionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordDataTransfer adds to the byte counters of a running session
func (s *sqlCollector) RecordDataTransfer(ctx context.Context, sessionID, bytesSent, bytesReceived int64) error {
	_, err := s.exec(ctx,
		`UPDATE sessions
		 SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ?
		 WHERE id = ?`,
		bytesSent, bytesReceived, sessionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// GetOverviewStats returns totals over all recorded sessions
func (s *sqlCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	err := s.queryRow(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN route = 'DIRECT' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN route = 'VIA_PROXY' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN degraded THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(bytes_sent), 0),
		COALESCE(SUM(bytes_received), 0)
		FROM sessions`).Scan(
		&stats.TotalSessions,
		&stats.ActiveSessions,
		&stats.DirectSessions,
		&stats.ProxiedSessions,
		&stats.DegradedSessions,
		&stats.TotalBytesOut,
		&stats.TotalBytesIn,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get session totals: %w", err)
	}

	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM errors").Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}

	stats.Uptime = time.Since(s.started).Round(time.Second).String()
	return stats, nil
}

// GetRecentSessions returns the most recently started sessions first
func (s *sqlCollector) GetRecentSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	rows, err := s.query(ctx, `SELECT id, client_ip, method, target_host, target_port, route, upstream, tier,
		degraded, started_at, ended_at, bytes_sent, bytes_received, duration_ms, close_reason
		FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []SessionInfo{}
	for rows.Next() {
		var info SessionInfo
		var started, ended nullTime
		if err := rows.Scan(&info.ID, &info.ClientIP, &info.Method, &info.TargetHost, &info.TargetPort,
			&info.Route, &info.Upstream, &info.Tier, &info.Degraded, &started, &ended,
			&info.BytesSent, &info.BytesReceived, &info.DurationMs, &info.CloseReason); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.StartedAt = started.Time
		if ended.Valid {
			endedAt := ended.Time
			info.EndedAt = &endedAt
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// GetRecentErrors groups errors by type, most frequent first
func (s *sqlCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	rows, err := s.query(ctx, `SELECT e.error_type, COUNT(*), MAX(e.timestamp),
		(SELECT e2.error_message FROM errors e2 WHERE e2.error_type = e.error_type ORDER BY e2.id DESC LIMIT 1)
		FROM errors e
		GROUP BY e.error_type
		ORDER BY COUNT(*) DESC, e.error_type
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	defer rows.Close()

	summaries := []ErrorSummary{}
	for rows.Next() {
		var summary ErrorSummary
		var last nullTime
		if err := rows.Scan(&summary.ErrorType, &summary.Count, &last, &summary.LastMessage); err != nil {
			return nil, fmt.Errorf("failed to scan error summary: %w", err)
		}
		summary.LastOccurred = last.Time
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// GetRouteStats aggregates sessions per route and upstream proxy
func (s *sqlCollector) GetRouteStats(ctx context.Context, limit int) ([]RouteStats, error) {
	rows, err := s.query(ctx, `SELECT route, upstream, COUNT(*),
		COALESCE(SUM(bytes_sent + bytes_received), 0), MAX(started_at)
		FROM sessions
		WHERE route <> ''
		GROUP BY route, upstream
		ORDER BY COUNT(*) DESC, route, upstream
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	routes := []RouteStats{}
	for rows.Next() {
		var rs RouteStats
		var last nullTime
		if err := rows.Scan(&rs.Route, &rs.Upstream, &rs.SessionCount, &rs.TotalBytes, &last); err != nil {
			return nil, fmt.Errorf("failed to scan route stats: %w", err)
		}
		rs.LastUsed = last.Time
		routes = append(routes, rs)
	}
	return routes, rows.Err()
}

// HealthCheck pings the database
func (s *sqlCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *sqlCollector) Close() error {
	return s.db.Close()
}
