package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"setu/internal/exchange/models"
	id "setu/pkg/domain"
	"setu/pkg/platform/sentinel"
	"setu/pkg/platform/tx"
	"setu/pkg/requestcontext"
)

// PostgresBatchStore persists consumer tracker rows in PostgreSQL.
type PostgresBatchStore struct {
	db *sql.DB
}

func NewPostgresBatchStore(db *sql.DB) *PostgresBatchStore {
	return &PostgresBatchStore{db: db}
}

// execer lets store methods run inside a caller-provided transaction when one
// is present in the context.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func runner(ctx context.Context, db *sql.DB) execer {
	if t, ok := tx.From(ctx); ok {
		return t
	}
	return db
}

func (s *PostgresBatchStore) Create(ctx context.Context, rec *BatchRecord) error {
	status := rec.Status
	if status == "" {
		status = models.StatusPending
	}
	lastRun := rec.LastRun
	if lastRun.IsZero() {
		lastRun = requestcontext.Now(ctx)
	}
	_, err := runner(ctx, s.db).ExecContext(ctx, `
		INSERT INTO batch_tracker (request_id, status, last_part_processed, last_index, last_run, request_payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.RequestID.String(), string(status), rec.LastPartProcessed,
		nullIndex(rec.LastIndex), lastRun, []byte(rec.RequestPayload),
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create batch tracker row: %w", err)
	}
	return nil
}

func (s *PostgresBatchStore) Checkpoint(ctx context.Context, requestID id.RequestID) (Checkpoint, error) {
	var (
		status    string
		lastPart  int
		lastIndex sql.NullInt64
	)
	err := runner(ctx, s.db).QueryRowContext(ctx, `
		SELECT status, last_part_processed, last_index
		FROM batch_tracker WHERE request_id = $1`,
		requestID.String(),
	).Scan(&status, &lastPart, &lastIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{Status: models.StatusPending, LastPart: 0, LastIndex: NoIndex}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load batch checkpoint: %w", err)
	}
	return Checkpoint{
		Status:    models.Status(status),
		LastPart:  lastPart,
		LastIndex: fromNullIndex(lastIndex),
	}, nil
}

func (s *PostgresBatchStore) Advance(ctx context.Context, requestID id.RequestID, adv BatchAdvance) error {
	sets := []string{"last_run = $2"}
	args := []any{requestID.String(), requestcontext.Now(ctx)}

	if adv.Status != "" {
		args = append(args, string(adv.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if adv.LastPart != nil {
		args = append(args, *adv.LastPart)
		sets = append(sets, fmt.Sprintf("last_part_processed = $%d", len(args)))
	}
	if adv.LastIndex != nil {
		args = append(args, nullIndex(*adv.LastIndex))
		sets = append(sets, fmt.Sprintf("last_index = $%d", len(args)))
	}

	query := fmt.Sprintf("UPDATE batch_tracker SET %s WHERE request_id = $1", strings.Join(sets, ", "))
	res, err := runner(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("advance batch tracker: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresBatchStore) ListActive(ctx context.Context) ([]*BatchRecord, error) {
	rows, err := runner(ctx, s.db).QueryContext(ctx, `
		SELECT request_id, status, last_part_processed, last_index, last_run, request_payload
		FROM batch_tracker
		WHERE status IN ($1, $2, $3)
		ORDER BY last_run`,
		string(models.StatusPending), string(models.StatusProcessing), string(models.StatusError),
	)
	if err != nil {
		return nil, fmt.Errorf("list active batches: %w", err)
	}
	defer rows.Close()

	var records []*BatchRecord
	for rows.Next() {
		var (
			rec       BatchRecord
			requestID string
			status    string
			lastIndex sql.NullInt64
			payload   []byte
		)
		if err := rows.Scan(&requestID, &status, &rec.LastPartProcessed, &lastIndex, &rec.LastRun, &payload); err != nil {
			return nil, fmt.Errorf("scan batch tracker row: %w", err)
		}
		rec.RequestID = id.RequestID(requestID)
		rec.Status = models.Status(status)
		rec.LastIndex = fromNullIndex(lastIndex)
		rec.RequestPayload = json.RawMessage(payload)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// PostgresRequestStore persists provider tracker rows in PostgreSQL.
type PostgresRequestStore struct {
	db *sql.DB
}

func NewPostgresRequestStore(db *sql.DB) *PostgresRequestStore {
	return &PostgresRequestStore{db: db}
}

func (s *PostgresRequestStore) Create(ctx context.Context, rec *RequestRecord) error {
	status := rec.Status
	if status == "" {
		status = models.StatusPending
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = requestcontext.Now(ctx)
	}
	files, err := json.Marshal(orEmpty(rec.Files))
	if err != nil {
		return fmt.Errorf("marshal file list: %w", err)
	}
	_, err = runner(ctx, s.db).ExecContext(ctx, `
		INSERT INTO request_tracker (tenant_id, request_id, status, files, error, created_at, last_processed_index, request_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.TenantID.String(), rec.RequestID.String(), string(status), files,
		nullString(rec.Error), createdAt, rec.LastProcessedIndex, []byte(rec.RequestPayload),
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create request tracker row: %w", err)
	}
	return nil
}

func (s *PostgresRequestStore) Get(ctx context.Context, tenantID id.TenantID, requestID id.RequestID) (*RequestRecord, error) {
	row := runner(ctx, s.db).QueryRowContext(ctx, `
		SELECT tenant_id, request_id, status, files, error, created_at, last_processed_index, request_payload
		FROM request_tracker WHERE tenant_id = $1 AND request_id = $2`,
		tenantID.String(), requestID.String(),
	)
	rec, err := scanRequestRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request tracker row: %w", err)
	}
	return rec, nil
}

func (s *PostgresRequestStore) Advance(ctx context.Context, requestID id.RequestID, adv RequestAdvance) error {
	var sets []string
	args := []any{requestID.String()}

	if adv.Status != "" {
		args = append(args, string(adv.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if adv.Files != nil {
		files, err := json.Marshal(adv.Files)
		if err != nil {
			return fmt.Errorf("marshal file list: %w", err)
		}
		args = append(args, files)
		sets = append(sets, fmt.Sprintf("files = $%d", len(args)))
	}
	if adv.Error != nil {
		args = append(args, nullString(*adv.Error))
		sets = append(sets, fmt.Sprintf("error = $%d", len(args)))
	}
	if adv.LastProcessedIndex != nil {
		args = append(args, *adv.LastProcessedIndex)
		sets = append(sets, fmt.Sprintf("last_processed_index = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE request_tracker SET %s WHERE request_id = $1", strings.Join(sets, ", "))
	res, err := runner(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("advance request tracker: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresRequestStore) ListUnfinished(ctx context.Context) ([]*RequestRecord, error) {
	rows, err := runner(ctx, s.db).QueryContext(ctx, `
		SELECT tenant_id, request_id, status, files, error, created_at, last_processed_index, request_payload
		FROM request_tracker
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at`,
		string(models.StatusCompleted), string(models.StatusFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("list unfinished requests: %w", err)
	}
	defer rows.Close()

	var records []*RequestRecord
	for rows.Next() {
		rec, err := scanRequestRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request tracker row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequestRecord(row rowScanner) (*RequestRecord, error) {
	var (
		rec      RequestRecord
		tenantID string
		reqID    string
		status   string
		files    []byte
		errMsg   sql.NullString
		payload  []byte
	)
	if err := row.Scan(&tenantID, &reqID, &status, &files, &errMsg, &rec.CreatedAt, &rec.LastProcessedIndex, &payload); err != nil {
		return nil, err
	}
	rec.TenantID = id.TenantID(tenantID)
	rec.RequestID = id.RequestID(reqID)
	rec.Status = models.Status(status)
	rec.Error = errMsg.String
	rec.RequestPayload = json.RawMessage(payload)
	if len(files) > 0 {
		if err := json.Unmarshal(files, &rec.Files); err != nil {
			return nil, fmt.Errorf("unmarshal file list: %w", err)
		}
	}
	return &rec, nil
}

// nullIndex maps the NoIndex sentinel to a NULL column so the database never
// stores the magic value.
func nullIndex(v int) sql.NullInt64 {
	if v == NoIndex {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func fromNullIndex(v sql.NullInt64) int {
	if !v.Valid {
		return NoIndex
	}
	return int(v.Int64)
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func orEmpty(files []string) []string {
	if files == nil {
		return []string{}
	}
	return files
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
