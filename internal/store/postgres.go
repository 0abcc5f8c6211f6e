package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/emvios/depositgate/internal/models"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrPriceNotFound      = errors.New("price not found")
	ErrBalanceNotFound    = errors.New("balance not found")
	ErrDepositLogNotFound = errors.New("deposit log record not found")

	// ErrDuplicateDeposit means the deposit_log unique constraint on
	// record_id fired: some other delivery already credited this record.
	ErrDuplicateDeposit = errors.New("deposit already credited")
)

const uniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// FindUser retrieves a user by id.
func (s *Store) FindUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx, "SELECT id, login FROM users WHERE id = $1", id).Scan(&u.ID, &u.Login)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// FindPrice returns the internal USD price for a currency symbol.
func (s *Store) FindPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := s.db.QueryRow(ctx, "SELECT usd_price FROM currency_prices WHERE symbol = $1", symbol).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, ErrPriceNotFound
		}
		return decimal.Decimal{}, err
	}
	return price, nil
}

// GetBalance returns the current balance for a (user, currency) pair.
func (s *Store) GetBalance(ctx context.Context, userID int64, currency string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := s.db.QueryRow(ctx,
		"SELECT amount FROM balances WHERE user_id = $1 AND currency = $2",
		userID, currency).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, ErrBalanceNotFound
		}
		return decimal.Decimal{}, err
	}
	return amount, nil
}

// FindDepositLog looks up a credited deposit by provider record id.
func (s *Store) FindDepositLog(ctx context.Context, recordID string) (*models.DepositLogRecord, error) {
	var rec models.DepositLogRecord
	err := s.db.QueryRow(ctx,
		"SELECT id, created_at, user_id, login, currency, amount, record_id, status FROM deposit_log WHERE record_id = $1",
		recordID).Scan(&rec.ID, &rec.CreatedAt, &rec.UserID, &rec.Login, &rec.Currency, &rec.Amount, &rec.RecordID, &rec.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositLogNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// CreditDeposit applies a reconciled deposit as one transaction: the
// deposit_log insert and the balance upsert commit or roll back together,
// so there is no window where the balance moved but the idempotency row
// is missing. A unique violation on record_id is reported as
// ErrDuplicateDeposit; concurrent deliveries of the same record race on
// that constraint and at most one commits.
func (s *Store) CreditDeposit(ctx context.Context, rec *models.DepositLogRecord) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Log insert first: a duplicate fails fast before any balance lock.
	_, err = tx.Exec(ctx,
		"INSERT INTO deposit_log (created_at, user_id, login, currency, amount, record_id, status) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		rec.CreatedAt, rec.UserID, rec.Login, rec.Currency, rec.Amount, rec.RecordID, rec.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateDeposit
		}
		return fmt.Errorf("deposit log insert failed: %w", err)
	}

	// Row-level serialization of concurrent credits to the same pair.
	_, err = tx.Exec(ctx,
		`INSERT INTO balances (user_id, currency, amount) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, currency) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		rec.UserID, rec.Currency, rec.Amount,
	)
	if err != nil {
		return fmt.Errorf("balance upsert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}
