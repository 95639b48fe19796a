package localdb

import (
	"context"
	"fmt"
	"strings"

	"coopwatch/internal/domain"
)

const (
	// DefaultLogLimit is page size when caller passes no limit.
	DefaultLogLimit = 100
	// MaxLogLimit caps one activity log page.
	MaxLogLimit = 500
)

// LogQuery selects activity log entries.
// Params: page limit and free-text search; every search token must match.
// Returns: query options for QueryLogs.
type LogQuery struct {
	Limit  int
	Search string
}

// AppendLog stores one activity entry.
// Params: context and entry; ID is assigned by the database.
// Returns: stored entry with ID or write error.
func (d *DB) AppendLog(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	result, err := d.db.ExecContext(ctx,
		`INSERT INTO activity_log (message, source, ts) VALUES (?, ?, ?);`,
		entry.Message, string(entry.Source), entry.TimestampMS,
	)
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("append log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("append log id: %w", err)
	}
	entry.ID = id
	return entry, nil
}

// QueryLogs lists entries newest first.
// Params: context and query; limit is clamped to 1..MaxLogLimit.
// Returns: matching entries or query error.
func (d *DB) QueryLogs(ctx context.Context, query LogQuery) ([]domain.LogEntry, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}

	var (
		where []string
		args  []any
	)
	for _, token := range strings.Fields(strings.ToLower(query.Search)) {
		where = append(where, `(instr(lower(message), ?) > 0 OR instr(lower(source), ?) > 0)`)
		args = append(args, token, token)
	}
	stmt := `SELECT id, message, source, ts FROM activity_log`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, ` AND `)
	}
	stmt += ` ORDER BY ts DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.LogEntry, 0)
	for rows.Next() {
		var (
			entry  domain.LogEntry
			source string
		)
		if err := rows.Scan(&entry.ID, &entry.Message, &source, &entry.TimestampMS); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.Source = domain.LogSource(source)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

// ClearLogs deletes every activity entry.
// Params: context.
// Returns: number of removed entries or delete error.
func (d *DB) ClearLogs(ctx context.Context) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM activity_log;`)
	if err != nil {
		return 0, fmt.Errorf("clear logs: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear logs count: %w", err)
	}
	return removed, nil
}
