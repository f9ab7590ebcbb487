package domain

import (
	"context"
	"time"
)

const (
	OutcomeDeparted  = "departed"
	OutcomeCancelled = "cancelled"
)

// TrainRecord is the audit row written when a train reaches a terminal
// state. It is a record of what happened, not engine state: an
// in-flight train still dies with the process.
type TrainRecord struct {
	ID          int64     `db:"id"`
	Destination string    `db:"destination"`
	LaunchTime  time.Time `db:"launch_time"`
	IssuerID    string    `db:"issuer_id"`
	IssuerName  string    `db:"issuer_name"`
	Passengers  int       `db:"passengers"`
	Outcome     string    `db:"outcome"`
	CreatedAt   time.Time `db:"created_at"`
}

type TrainHistoryRepository interface {
	Create(ctx context.Context, record *TrainRecord) error
	Recent(ctx context.Context, limit int) ([]*TrainRecord, error)
}
