package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("account not found")
	ErrDuplicate = errors.New("account already exists")
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Create(ctx context.Context, account Account) (Account, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (account_id, email)
		 VALUES ($1, $2)
		 RETURNING account_id, email, created_at`,
		account.AccountID, account.Email)

	var created Account
	if err := row.Scan(&created.AccountID, &created.Email, &created.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicate
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return created, nil
}

func (s *Store) GetByAccountID(ctx context.Context, accountID string) (Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT account_id, email, created_at FROM accounts WHERE account_id = $1`,
		accountID)

	var account Account
	if err := row.Scan(&account.AccountID, &account.Email, &account.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account: %w", err)
	}
	return account, nil
}

func (s *Store) List(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, email, created_at FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var result []Account
	for rows.Next() {
		var account Account
		if err := rows.Scan(&account.AccountID, &account.Email, &account.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		result = append(result, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return result, nil
}
