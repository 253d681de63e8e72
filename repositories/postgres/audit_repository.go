package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
	"go.uber.org/zap"
)

const auditColumns = `id, tenant_id, user_id, event_type, timestamp, request_id, correlation_id,
		       risk_level, outcome, policy_version, rule_id, redacted_diff, details,
		       incident_tag, tagged_at`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends a new audit event
func (r *AuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (
			id, tenant_id, user_id, event_type, timestamp, request_id, correlation_id,
			risk_level, outcome, policy_version, rule_id, redacted_diff, details
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		event.TenantID,
		nullString(event.UserID),
		event.EventType,
		event.Timestamp,
		nullString(event.RequestID),
		nullString(event.CorrelationID),
		nullString(string(event.RiskLevel)),
		event.Outcome,
		nullString(event.PolicyVersion),
		nullString(event.RuleID),
		nullJSON(event.RedactedDiff),
		nullJSON(event.Details),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	r.logger.Debug("audit event inserted",
		zap.String("id", event.ID.String()),
		zap.String("event_type", string(event.EventType)))
	return nil
}

// GetByID retrieves an audit event by ID
func (r *AuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_events
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	event, err := scanAuditEvent(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return event, nil
}

// List retrieves audit events matching the filter, newest first
func (r *AuditRepository) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	var where []string
	var args []interface{}

	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.From != nil {
		add("timestamp >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("timestamp < $%d", *filter.To)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT ` + auditColumns + `
		FROM audit_events`
	if len(where) > 0 {
		query += `
		WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(`
		ORDER BY timestamp DESC, id ASC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// TagIncident sets incident_tag on an untagged event. The IS NULL guard makes
// the tag write-once; a miss is then classified as not found or already tagged.
func (r *AuditRepository) TagIncident(ctx context.Context, id uuid.UUID, tag string, at time.Time) (*models.AuditEvent, error) {
	query := `
		UPDATE audit_events
		SET incident_tag = $2, tagged_at = $3
		WHERE id = $1 AND incident_tag IS NULL
		RETURNING ` + auditColumns

	executor := GetExecutor(ctx, r.db)
	event, err := scanAuditEvent(executor.QueryRowContext(ctx, query, id, tag, at))
	if err == nil {
		return event, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to tag audit event: %w", err)
	}

	var existing sql.NullString
	err = executor.QueryRowContext(ctx, `SELECT incident_tag FROM audit_events WHERE id = $1`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check audit event: %w", err)
	}
	return nil, repositories.ErrAlreadyTagged
}

// DeleteBefore removes events older than cutoff
func (r *AuditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit events: %w", err)
	}
	return res.RowsAffected()
}

func scanAuditEvent(row rowScanner) (*models.AuditEvent, error) {
	var (
		e                                models.AuditEvent
		userID, requestID, correlationID sql.NullString
		riskLevel, policyVersion, ruleID sql.NullString
		incidentTag                      sql.NullString
		taggedAt                         sql.NullTime
		diff, details                    []byte
	)

	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&userID,
		&e.EventType,
		&e.Timestamp,
		&requestID,
		&correlationID,
		&riskLevel,
		&e.Outcome,
		&policyVersion,
		&ruleID,
		&diff,
		&details,
		&incidentTag,
		&taggedAt,
	)
	if err != nil {
		return nil, err
	}

	e.UserID = userID.String
	e.RequestID = requestID.String
	e.CorrelationID = correlationID.String
	e.RiskLevel = models.RiskLevel(riskLevel.String)
	e.PolicyVersion = policyVersion.String
	e.RuleID = ruleID.String
	if len(diff) > 0 {
		e.RedactedDiff = diff
	}
	if len(details) > 0 {
		e.Details = details
	}
	if incidentTag.Valid {
		tag := incidentTag.String
		e.IncidentTag = &tag
	}
	if taggedAt.Valid {
		ts := taggedAt.Time
		e.TaggedAt = &ts
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
