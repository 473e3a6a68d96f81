package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store persists swap-lifecycle envelopes to Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore connects a pool for the given DSN.
func NewStore(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Emit inserts one envelope row. Failures are logged and dropped; the event
// path never blocks on the database.
func (s *Store) Emit(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("swap event marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s.pool.Exec(ctx, `
			INSERT INTO swap_events (event, payload, created_at)
			VALUES ($1, $2, now())
		`, event, data)
		if err != nil {
			s.logger.Warn("swap event insert failed", zap.String("event", event), zap.Error(err))
		}
	}()
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
