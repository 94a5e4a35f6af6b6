package citizens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"setu/internal/exchange/models"
	"setu/pkg/platform/sentinel"
)

// Schema is the provider's authoritative record table.
const Schema = `
CREATE TABLE IF NOT EXISTS citizens (
	identifier   TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	age          INTEGER NOT NULL,
	gender       TEXT NOT NULL,
	caste        TEXT,
	location     TEXT,
	phone_number TEXT,
	created_on   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_on   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// queryableColumns whitelists criterion fields so request criteria can never
// name an arbitrary column.
var queryableColumns = map[string]string{
	"identifier":   "identifier",
	"name":         "name",
	"age":          "age",
	"gender":       "gender",
	"caste":        "caste",
	"location":     "location",
	"phone_number": "phone_number",
}

// PostgresStore reads citizen records from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `identifier, name, age, gender, COALESCE(caste, ''), COALESCE(location, ''), COALESCE(phone_number, ''), created_on, updated_on`

func (s *PostgresStore) FindByIdentifier(ctx context.Context, identifier string) (*Citizen, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM citizens WHERE identifier = $1", identifier)
	record, err := scanCitizen(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find citizen by identifier: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) FindCandidate(ctx context.Context, probe Probe) (*Citizen, error) {
	if probe.IsEmpty() {
		return nil, sentinel.ErrNotFound
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if probe.Name != "" {
		where = append(where, "name ILIKE "+arg(escapeLike(probe.Name)+"%"))
	}
	if probe.Age != 0 {
		where = append(where, "ABS(age - "+arg(probe.Age)+") <= 2")
	}
	if probe.Gender != "" {
		where = append(where, "LOWER(gender) = LOWER("+arg(probe.Gender)+")")
	}
	if probe.Caste != "" {
		where = append(where, "LOWER(caste) = LOWER("+arg(probe.Caste)+")")
	}
	if probe.Location != "" {
		where = append(where, "location ILIKE "+arg(escapeLike(probe.Location)+"%"))
	}

	query := "SELECT " + selectColumns + " FROM citizens WHERE " +
		strings.Join(where, " AND ") + " ORDER BY identifier LIMIT 1"
	row := s.db.QueryRowContext(ctx, query, args...)
	record, err := scanCitizen(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find candidate: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Search(ctx context.Context, criteria []models.Criterion, offset, limit int) ([]*Citizen, error) {
	where, args, err := buildCriteriaWhere(criteria)
	if err != nil {
		return nil, err
	}

	args = append(args, limit)
	limitArg := len(args)
	args = append(args, offset)
	offsetArg := len(args)

	query := fmt.Sprintf(
		"SELECT %s FROM citizens WHERE %s ORDER BY identifier LIMIT $%d OFFSET $%d",
		selectColumns, where, limitArg, offsetArg,
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search citizens: %w", err)
	}
	defer rows.Close()

	var records []*Citizen
	for rows.Next() {
		record, err := scanCitizen(rows)
		if err != nil {
			return nil, fmt.Errorf("scan citizen row: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func buildCriteriaWhere(criteria []models.Criterion) (string, []any, error) {
	if len(criteria) == 0 {
		return "TRUE", nil, nil
	}

	var (
		where []string
		args  []any
	)
	for _, criterion := range criteria {
		column, ok := queryableColumns[criterion.Field]
		if !ok {
			return "", nil, fmt.Errorf("field %q is not queryable", criterion.Field)
		}
		args = append(args, criterion.Value)
		placeholder := fmt.Sprintf("$%d", len(args))

		switch criterion.Operator {
		case models.OpEqual:
			if _, isString := criterion.Value.(string); isString {
				where = append(where, fmt.Sprintf("LOWER(%s::text) = LOWER(%s)", column, placeholder))
			} else {
				where = append(where, fmt.Sprintf("%s = %s", column, placeholder))
			}
		case models.OpGreaterThan:
			where = append(where, fmt.Sprintf("%s > %s", column, placeholder))
		case models.OpLessThan:
			where = append(where, fmt.Sprintf("%s < %s", column, placeholder))
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", criterion.Operator)
		}
	}
	return strings.Join(where, " AND "), args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCitizen(row rowScanner) (*Citizen, error) {
	var c Citizen
	if err := row.Scan(&c.Identifier, &c.Name, &c.Age, &c.Gender, &c.Caste, &c.Location, &c.Phone, &c.CreatedOn, &c.UpdatedOn); err != nil {
		return nil, err
	}
	return &c, nil
}

func escapeLike(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "%", `\%`)
	return strings.ReplaceAll(v, "_", `\_`)
}
