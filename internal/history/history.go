package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"token-aggregator/internal/market"
)

const schema = `
create table if not exists price_updates (
	id               bigserial primary key,
	token_address    text not null,
	token_ticker     text not null,
	price_sol        double precision not null,
	volume_sol       double precision not null,
	price_1hr_change double precision not null,
	observed_at      timestamptz not null
);
create index if not exists price_updates_token_time_idx
	on price_updates (token_address, observed_at desc);
`

// Point is one archived price observation.
type Point struct {
	ID            string    `json:"token_address"`
	Symbol        string    `json:"token_ticker"`
	Price         float64   `json:"price_sol"`
	Volume        float64   `json:"volume_sol"`
	PriceChange1h float64   `json:"price_1hr_change"`
	ObservedAt    time.Time `json:"observed_at"`
}

// Store archives published price updates in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) InsertPriceUpdates(ctx context.Context, at time.Time, records []market.AssetRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			insert into price_updates (token_address, token_ticker, price_sol, volume_sol, price_1hr_change, observed_at)
			values ($1, $2, $3, $4, $5, $6)
		`, rec.ID, rec.Symbol, rec.Price, rec.Volume, rec.PriceChange1h, at)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit archived points for id, newest first.
func (s *Store) Recent(ctx context.Context, id string, limit int) ([]Point, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		select token_address, token_ticker, price_sol, volume_sol, price_1hr_change, observed_at
		from price_updates
		where token_address = $1
		order by observed_at desc, id desc
		limit $2
	`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []Point{}
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Price, &p.Volume, &p.PriceChange1h, &p.ObservedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
