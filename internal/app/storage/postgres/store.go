// Package postgres implements the MarketDataStore backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/storage"
)

// Store persists market data in PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.MarketDataStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, market.WrapError(market.CodeStore, "open postgres", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, market.WrapError(market.CodeStore, "ping postgres", err)
	}
	return New(db), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Health reports whether the database is reachable.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) SavePriceAndAverage(ctx context.Context, event market.PriceEvent, record market.MovingAverageRecord) error {
	windowJSON, err := json.Marshal(record.Window)
	if err != nil {
		return market.WrapError(market.CodeStore, "marshal window", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.WrapError(market.CodeStore, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO market_data (id, symbol, sequence, price, volume, source, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), event.Symbol, event.Sequence, event.Price, event.Volume, event.Source, event.Timestamp, time.Now().UTC())
	if err != nil {
		return market.WrapError(market.CodeStore, "insert price", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO moving_averages (symbol, window_size, average, sample_count, last_sequence, window, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			window_size = EXCLUDED.window_size,
			average = EXCLUDED.average,
			sample_count = EXCLUDED.sample_count,
			last_sequence = EXCLUDED.last_sequence,
			window = EXCLUDED.window,
			last_updated_at = EXCLUDED.last_updated_at
	`, record.Symbol, record.WindowSize, record.Average, record.SampleCount, record.LastSequence, windowJSON, record.LastUpdatedAt)
	if err != nil {
		return market.WrapError(market.CodeStore, "upsert average", err)
	}

	if err := tx.Commit(); err != nil {
		return market.WrapError(market.CodeStore, "commit", err)
	}
	return nil
}

func (s *Store) ReadLatest(ctx context.Context, symbol string) (market.PriceEvent, market.MovingAverageRecord, error) {
	var event market.PriceEvent
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, sequence, price, volume, source, timestamp
		FROM market_data
		WHERE symbol = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, symbol)
	if err := row.Scan(&event.Symbol, &event.Sequence, &event.Price, &event.Volume, &event.Source, &event.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return market.PriceEvent{}, market.MovingAverageRecord{}, market.Errorf(market.CodeNotFound, "no data for symbol %s", symbol)
		}
		return market.PriceEvent{}, market.MovingAverageRecord{}, market.WrapError(market.CodeStore, "read latest price", err)
	}

	var (
		record     market.MovingAverageRecord
		windowJSON []byte
	)
	row = s.db.QueryRowContext(ctx, `
		SELECT symbol, window_size, average, sample_count, last_sequence, window, last_updated_at
		FROM moving_averages
		WHERE symbol = $1
	`, symbol)
	if err := row.Scan(&record.Symbol, &record.WindowSize, &record.Average, &record.SampleCount, &record.LastSequence, &windowJSON, &record.LastUpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Price rows without an average row cannot happen through the
			// atomic write path, but tolerate it for externally seeded data.
			return event, market.MovingAverageRecord{Symbol: symbol}, nil
		}
		return market.PriceEvent{}, market.MovingAverageRecord{}, market.WrapError(market.CodeStore, "read average", err)
	}
	if len(windowJSON) > 0 {
		_ = json.Unmarshal(windowJSON, &record.Window)
	}
	return event, record, nil
}

func (s *Store) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM market_data ORDER BY symbol`)
	if err != nil {
		return nil, market.WrapError(market.CodeStore, "list symbols", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, market.WrapError(market.CodeStore, "scan symbol", err)
		}
		symbols = append(symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, market.WrapError(market.CodeStore, "list symbols", err)
	}
	return symbols, nil
}

func (s *Store) ListPrices(ctx context.Context, symbol string, limit int) ([]market.PriceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, sequence, price, volume, source, timestamp
		FROM market_data
		WHERE symbol = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, symbol, limit)
	if err != nil {
		return nil, market.WrapError(market.CodeStore, "list prices", err)
	}
	defer rows.Close()

	var events []market.PriceEvent
	for rows.Next() {
		var event market.PriceEvent
		if err := rows.Scan(&event.Symbol, &event.Sequence, &event.Price, &event.Volume, &event.Source, &event.Timestamp); err != nil {
			return nil, market.WrapError(market.CodeStore, "scan price", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, market.WrapError(market.CodeStore, "list prices", err)
	}
	if len(events) == 0 {
		return nil, market.Errorf(market.CodeNotFound, "no data for symbol %s", symbol)
	}
	return events, nil
}
