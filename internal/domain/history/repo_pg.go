package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aurix/cardio/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGRepository stores the ledger in the patient_history table. The
// primary key on (name, visit_date) enforces first-write-wins even across
// processes.
type PGRepository struct{ pool *pgxpool.Pool }

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const historyCols = `name, age, visit_date, observations`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.Name, &rec.Age, &rec.VisitDate, &rec.Observations)
	rec.VisitDate = Day(rec.VisitDate)
	return rec, err
}

func (r *PGRepository) AppendIfAbsent(ctx context.Context, rec Record) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_history (name, age, visit_date, observations)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, visit_date) DO NOTHING`,
		rec.Name, rec.Age, Day(rec.VisitDate), rec.Observations)
	if err != nil {
		return false, fmt.Errorf("insert ledger row: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) Find(ctx context.Context, name string, day time.Time) (*Record, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+historyCols+` FROM patient_history WHERE name = $1 AND visit_date = $2`,
		name, Day(day))
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger row: %w", err)
	}
	return &rec, nil
}

func (r *PGRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+historyCols+` FROM patient_history ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
