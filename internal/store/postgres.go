package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fracshare/settlement-engine/internal/addr"
	"github.com/fracshare/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// u64 amounts are stored as NUMERIC and scanned as TEXT so values above
// int64 range survive the round trip.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func u64s(v uint64) string { return strconv.FormatUint(v, 10) }

func parseU64(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }

func (s *PostgresStore) CreateEscrow(ctx context.Context, rec *model.EscrowRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO escrow_records (id, owner, asset_id, vault_address, claim_token_id,
		     token_supply, unit_price, remaining_for_sale, elapsed_days, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		rec.ID, rec.Owner, rec.AssetID, rec.VaultAddress, rec.ClaimTokenID,
		u64s(rec.TokenSupply), u64s(rec.UnitPrice), u64s(rec.RemainingForSale),
		u64s(rec.ElapsedDays), rec.CreatedAt,
	)
	return err
}

const escrowColumns = `id, owner, asset_id, vault_address, claim_token_id,
	token_supply::TEXT, unit_price::TEXT, remaining_for_sale::TEXT,
	elapsed_days::TEXT, created_at`

func scanEscrow(row pgx.Row) (*model.EscrowRecord, error) {
	var rec model.EscrowRecord
	var supply, price, remaining, days string

	err := row.Scan(&rec.ID, &rec.Owner, &rec.AssetID, &rec.VaultAddress, &rec.ClaimTokenID,
		&supply, &price, &remaining, &days, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if rec.TokenSupply, err = parseU64(supply); err != nil {
		return nil, err
	}
	if rec.UnitPrice, err = parseU64(price); err != nil {
		return nil, err
	}
	if rec.RemainingForSale, err = parseU64(remaining); err != nil {
		return nil, err
	}
	if rec.ElapsedDays, err = parseU64(days); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) GetEscrow(ctx context.Context, id addr.Address) (*model.EscrowRecord, error) {
	rec, err := scanEscrow(s.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrow_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escrow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListEscrows(ctx context.Context) ([]model.EscrowRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+escrowColumns+` FROM escrow_records ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EscrowRecord
	for rows.Next() {
		rec, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateEscrow(ctx context.Context, rec *model.EscrowRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE escrow_records
		 SET token_supply = $2::NUMERIC, remaining_for_sale = $3::NUMERIC,
		     elapsed_days = $4::NUMERIC
		 WHERE id = $1`,
		rec.ID, u64s(rec.TokenSupply), u64s(rec.RemainingForSale), u64s(rec.ElapsedDays),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateAuction(ctx context.Context, rec *model.AuctionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auction_records (escrow_id, day, max_price, max_bidder, num_tokens, amount, phase, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		rec.EscrowID, u64s(rec.Day), u64s(rec.MaxPrice), rec.MaxBidder,
		u64s(rec.NumTokens), u64s(rec.Amount), string(rec.Phase), rec.CreatedAt,
	)
	return err
}

func scanAuction(row pgx.Row) (*model.AuctionRecord, error) {
	var rec model.AuctionRecord
	var day, price, tokens, amount, phase string

	err := row.Scan(&rec.EscrowID, &day, &price, &rec.MaxBidder, &tokens, &amount, &phase, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if rec.Day, err = parseU64(day); err != nil {
		return nil, err
	}
	if rec.MaxPrice, err = parseU64(price); err != nil {
		return nil, err
	}
	if rec.NumTokens, err = parseU64(tokens); err != nil {
		return nil, err
	}
	if rec.Amount, err = parseU64(amount); err != nil {
		return nil, err
	}
	rec.Phase = model.AuctionPhase(phase)
	return &rec, nil
}

func (s *PostgresStore) GetAuction(ctx context.Context, escrowID addr.Address, day uint64) (*model.AuctionRecord, error) {
	rec, err := scanAuction(s.pool.QueryRow(ctx,
		`SELECT escrow_id, day::TEXT, max_price::TEXT, max_bidder, num_tokens::TEXT,
		        amount::TEXT, phase, created_at
		 FROM auction_records WHERE escrow_id = $1 AND day = $2::NUMERIC`,
		escrowID, u64s(day)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("auction %s/%d: %w", escrowID, day, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s/%d: %w", escrowID, day, err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateAuction(ctx context.Context, rec *model.AuctionRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE auction_records
		 SET max_price = $3::NUMERIC, max_bidder = $4, num_tokens = $5::NUMERIC,
		     amount = $6::NUMERIC, phase = $7
		 WHERE escrow_id = $1 AND day = $2::NUMERIC`,
		rec.EscrowID, u64s(rec.Day), u64s(rec.MaxPrice), rec.MaxBidder,
		u64s(rec.NumTokens), u64s(rec.Amount), string(rec.Phase),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("auction %s/%d: %w", rec.EscrowID, rec.Day, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateWager(ctx context.Context, rec *model.WagerRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wager_records (id, escrow_id, player, outcome, winner, payout_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		rec.ID, rec.EscrowID, rec.Player, string(rec.Outcome), rec.Winner,
		u64s(rec.PayoutAmount), rec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetWager(ctx context.Context, id addr.Address) (*model.WagerRecord, error) {
	var rec model.WagerRecord
	var outcome, payout string

	err := s.pool.QueryRow(ctx,
		`SELECT id, escrow_id, player, outcome, winner, payout_amount::TEXT, created_at
		 FROM wager_records WHERE id = $1`, id).
		Scan(&rec.ID, &rec.EscrowID, &rec.Player, &outcome, &rec.Winner, &payout, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get wager %s: %w", id, err)
	}
	rec.Outcome = model.WagerOutcome(outcome)
	if rec.PayoutAmount, err = parseU64(payout); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) DeleteWager(ctx context.Context, id addr.Address) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM wager_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	return nil
}
