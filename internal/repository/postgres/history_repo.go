package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joonho-lim/LarkTrain/internal/domain"
)

// HistoryRepository stores the audit record of terminal trains. It is
// not engine state: the active train never lives here.
type HistoryRepository struct {
	db *pgxpool.Pool
}

func NewHistoryRepository(db *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{
		db: db,
	}
}

func (r *HistoryRepository) Create(ctx context.Context, record *domain.TrainRecord) error {
	query := `INSERT INTO train_history (destination, launch_time, issuer_id, issuer_name, passengers, outcome)
						VALUES ($1, $2, $3, $4, $5, $6)
						RETURNING id, created_at`
	return r.db.QueryRow(ctx, query,
		record.Destination,
		record.LaunchTime,
		record.IssuerID,
		record.IssuerName,
		record.Passengers,
		record.Outcome,
	).Scan(&record.ID, &record.CreatedAt)
}

func (r *HistoryRepository) Recent(ctx context.Context, limit int) ([]*domain.TrainRecord, error) {
	query := `SELECT id, destination, launch_time, issuer_id, issuer_name, passengers, outcome, created_at
						FROM train_history
						ORDER BY created_at DESC
						LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*domain.TrainRecord, 0, limit)
	for rows.Next() {
		record := &domain.TrainRecord{}
		err := rows.Scan(
			&record.ID,
			&record.Destination,
			&record.LaunchTime,
			&record.IssuerID,
			&record.IssuerName,
			&record.Passengers,
			&record.Outcome,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return records, nil
}
