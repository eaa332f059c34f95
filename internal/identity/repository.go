package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Repository persists dependent identities.
type Repository interface {
	Create(ctx context.Context, identity Identity) error
	FindByAddress(ctx context.Context, address common.Address) (Identity, error)
	FindByDevice(ctx context.Context, deviceID string) (Identity, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new identity.
func (r *PostgresRepository) Create(ctx context.Context, identity Identity) error {
	id, err := uuid.Parse(identity.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO identities (id, address, device_id, pin_hash, salt, sealed_key, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, strings.ToLower(identity.Address.Hex()), identity.DeviceID, identity.PINHash, identity.Salt, identity.SealedKey, identity.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrIdentityExists
	}
	return err
}

// FindByAddress fetches an identity by its ledger address.
func (r *PostgresRepository) FindByAddress(ctx context.Context, address common.Address) (Identity, error) {
	return r.findOne(ctx, `WHERE address = $1`, strings.ToLower(address.Hex()))
}

// FindByDevice fetches the identity bound to deviceID.
func (r *PostgresRepository) FindByDevice(ctx context.Context, deviceID string) (Identity, error) {
	return r.findOne(ctx, `WHERE device_id = $1`, deviceID)
}

func (r *PostgresRepository) findOne(ctx context.Context, where string, arg any) (Identity, error) {
	row := r.db.QueryRow(ctx, `SELECT id, address, device_id, pin_hash, salt, sealed_key, created_at FROM identities `+where, arg)
	var (
		id        uuid.UUID
		address   string
		createdAt time.Time
		identity  Identity
	)
	if err := row.Scan(&id, &address, &identity.DeviceID, &identity.PINHash, &identity.Salt, &identity.SealedKey, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrIdentityMissing
		}
		return Identity{}, err
	}
	identity.ID = id.String()
	identity.Address = common.HexToAddress(address)
	identity.CreatedAt = createdAt.UTC()
	return identity, nil
}
