package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/carebridge/gatekeeper/pkg/domain/audit"
	"github.com/carebridge/gatekeeper/pkg/domain/shared"
)

const auditColumns = 9

// maxBatchRows keeps a single INSERT under the 65535 bind-parameter limit.
const maxBatchRows = 65535 / auditColumns

// AuditRepository implements audit.Repository using PostgreSQL.
type AuditRepository struct {
	db *DB
}

var _ audit.Repository = (*AuditRepository)(nil)

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Write persists a batch of events with one multi-row INSERT per chunk.
// Re-delivered events are ignored by primary key.
func (r *AuditRepository) Write(ctx context.Context, events []*audit.Event) error {
	for start := 0; start < len(events); start += maxBatchRows {
		end := min(start+maxBatchRows, len(events))
		query, args, err := buildInsert(events[start:end])
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to batch insert audit events: %w", err)
		}
	}
	return nil
}

func buildInsert(events []*audit.Event) (string, []any, error) {
	groups := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*auditColumns)

	for _, ev := range events {
		row, err := eventRow(ev)
		if err != nil {
			return "", nil, err
		}
		groups = append(groups, placeholderGroup(len(args)+1, auditColumns))
		args = append(args, row...)
	}

	query := `
		INSERT INTO audit_events (
			id, event_type, severity, description,
			source_ip, user_id, request_id, details, occurred_at
		)
		VALUES ` + strings.Join(groups, ", ") + `
		ON CONFLICT (id) DO NOTHING`

	return query, args, nil
}

// ListRecent returns the newest events, newest first.
func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]*audit.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_type, severity, description,
		       host(source_ip), user_id, request_id, details, occurred_at
		FROM audit_events
		ORDER BY occurred_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(scan func(dest ...any) error) (*audit.Event, error) {
	var (
		id          shared.ID
		eventType   string
		severity    string
		description string
		sourceIP    sql.NullString
		userID      sql.NullString
		requestID   sql.NullString
		rawDetails  []byte
		occurredAt  time.Time
	)
	if err := scan(&id, &eventType, &severity, &description,
		&sourceIP, &userID, &requestID, &rawDetails, &occurredAt); err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	details, err := decodeDetails(rawDetails)
	if err != nil {
		return nil, fmt.Errorf("failed to decode details of event %s: %w", id, err)
	}

	return audit.Reconstitute(
		id,
		audit.EventType(eventType),
		audit.Severity(severity),
		description,
		sourceIP.String,
		userID.String,
		requestID.String,
		details,
		occurredAt.UTC(),
	), nil
}

// Close implements audit.Sink. The connection is owned by the caller.
func (r *AuditRepository) Close(context.Context) error { return nil }
