package txlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists the local log in PostgreSQL, one row per record.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed log.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts rec in a single statement; the (wallet, lower(hash)) unique
// index rejects duplicates.
func (s *PostgresStore) Append(ctx context.Context, wallet common.Address, rec Record) error {
	const query = `
        INSERT INTO tx_log (id, wallet, hash, from_address, to_address, value, occurred_at, direction, provenance, dependent)
        VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
        ON CONFLICT (wallet, lower(hash)) DO NOTHING`
	tag, err := s.db.Exec(ctx, query,
		uuid.New(), walletKey(wallet), rec.Hash, rec.From, rec.To, rec.Value.String(),
		rec.Timestamp, rec.Direction, rec.Provenance, strings.ToLower(rec.Dependent))
	if err != nil {
		return fmt.Errorf("append tx log record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateRecord
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, wallet common.Address) ([]Record, error) {
	const query = `
        SELECT hash, from_address, to_address, value::text, occurred_at, direction, provenance, dependent
        FROM tx_log
        WHERE wallet = $1
        ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query, walletKey(wallet))
	if err != nil {
		return nil, fmt.Errorf("list tx log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec   Record
			value string
		)
		if err := rows.Scan(&rec.Hash, &rec.From, &rec.To, &value, &rec.Timestamp, &rec.Direction, &rec.Provenance, &rec.Dependent); err != nil {
			return nil, fmt.Errorf("scan tx log: %w", err)
		}
		if rec.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("parse tx log value %q: %w", value, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Prune(ctx context.Context, wallet common.Address, hashes []string, olderThan int64) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	lowered := make([]string, len(hashes))
	for i, h := range hashes {
		lowered[i] = strings.ToLower(h)
	}
	tag, err := s.db.Exec(ctx,
		`DELETE FROM tx_log WHERE wallet = $1 AND lower(hash) = ANY($2) AND occurred_at < $3`,
		walletKey(wallet), lowered, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune tx log: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Wallets(ctx context.Context) ([]common.Address, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT wallet FROM tx_log ORDER BY wallet`)
	if err != nil {
		return nil, fmt.Errorf("list tx log wallets: %w", err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan tx log wallet: %w", err)
		}
		out = append(out, common.HexToAddress(w))
	}
	return out, rows.Err()
}
