package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"setu/internal/crypto"
	id "setu/pkg/domain"
	"setu/pkg/platform/tx"
)

// Schema holds both consumer-side result tables. The envelope columns are
// JSONB because envelopes are self-describing JSON objects.
const Schema = `
CREATE TABLE IF NOT EXISTS verify_results (
	masked_identifier TEXT NOT NULL,
	request_id        TEXT NOT NULL,
	criteria_results  JSONB NOT NULL,
	match_score       DOUBLE PRECISION NOT NULL,
	stored_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (masked_identifier, request_id)
);
CREATE TABLE IF NOT EXISTS search_results (
	masked_identifier TEXT NOT NULL,
	request_id        TEXT NOT NULL,
	citizen_data      JSONB NOT NULL,
	stored_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (masked_identifier, request_id)
);
`

// PostgresStore persists result records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// execer lets inserts run inside a caller-provided transaction, so a page of
// results and the checkpoint that claims it commit together.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func runner(ctx context.Context, db *sql.DB) execer {
	if t, ok := tx.From(ctx); ok {
		return t
	}
	return db
}

// BulkInsertVerify inserts a page of verify records in one statement.
// ON CONFLICT DO NOTHING keeps retries after a crash between insert and
// checkpoint-advance from failing on the natural key.
func (s *PostgresStore) BulkInsertVerify(ctx context.Context, records []*VerifyRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := "INSERT INTO verify_results (masked_identifier, request_id, criteria_results, match_score, stored_at) VALUES "
	args := make([]any, 0, len(records)*5)
	for i, record := range records {
		envelope, err := json.Marshal(record.CriteriaResults)
		if err != nil {
			return fmt.Errorf("marshal criteria envelope: %w", err)
		}
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", i*5+1, i*5+2, i*5+3, i*5+4, i*5+5)
		args = append(args, record.MaskedIdentifier, record.RequestID.String(), envelope, record.MatchScore, record.StoredAt)
	}
	query += " ON CONFLICT (masked_identifier, request_id) DO NOTHING"

	if _, err := runner(ctx, s.db).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk insert verify results: %w", err)
	}
	return nil
}

// BulkInsertSearch inserts a page of search records; see BulkInsertVerify for
// the idempotency contract.
func (s *PostgresStore) BulkInsertSearch(ctx context.Context, records []*SearchRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := "INSERT INTO search_results (masked_identifier, request_id, citizen_data, stored_at) VALUES "
	args := make([]any, 0, len(records)*4)
	for i, record := range records {
		envelope, err := json.Marshal(record.CitizenData)
		if err != nil {
			return fmt.Errorf("marshal citizen envelope: %w", err)
		}
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("($%d, $%d, $%d, $%d)", i*4+1, i*4+2, i*4+3, i*4+4)
		args = append(args, record.MaskedIdentifier, record.RequestID.String(), envelope, record.StoredAt)
	}
	query += " ON CONFLICT (masked_identifier, request_id) DO NOTHING"

	if _, err := runner(ctx, s.db).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk insert search results: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVerify(ctx context.Context, requestID id.RequestID) ([]*VerifyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT masked_identifier, request_id, criteria_results, match_score, stored_at
		FROM verify_results WHERE request_id = $1
		ORDER BY masked_identifier`,
		requestID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list verify results: %w", err)
	}
	defer rows.Close()

	var records []*VerifyRecord
	for rows.Next() {
		var (
			record   VerifyRecord
			reqID    string
			envelope []byte
		)
		if err := rows.Scan(&record.MaskedIdentifier, &reqID, &envelope, &record.MatchScore, &record.StoredAt); err != nil {
			return nil, fmt.Errorf("scan verify result: %w", err)
		}
		record.RequestID = id.RequestID(reqID)
		record.CriteriaResults = &crypto.Envelope{}
		if err := json.Unmarshal(envelope, record.CriteriaResults); err != nil {
			return nil, fmt.Errorf("unmarshal criteria envelope: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) ListSearch(ctx context.Context, requestID id.RequestID) ([]*SearchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT masked_identifier, request_id, citizen_data, stored_at
		FROM search_results WHERE request_id = $1
		ORDER BY masked_identifier`,
		requestID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list search results: %w", err)
	}
	defer rows.Close()

	var records []*SearchRecord
	for rows.Next() {
		var (
			record   SearchRecord
			reqID    string
			envelope []byte
		)
		if err := rows.Scan(&record.MaskedIdentifier, &reqID, &envelope, &record.StoredAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		record.RequestID = id.RequestID(reqID)
		record.CitizenData = &crypto.Envelope{}
		if err := json.Unmarshal(envelope, record.CitizenData); err != nil {
			return nil, fmt.Errorf("unmarshal citizen envelope: %w", err)
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}
