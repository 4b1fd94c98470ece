package arbiters

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed arbiter store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *Arbiter) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbiters (address, name, active, cases_served, registered_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.Address, a.Name, a.Active, a.CasesServed, a.RegisteredAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("failed to create arbiter: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, address string) (*Arbiter, error) {
	a := &Arbiter{}
	var name sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT address, name, active, cases_served, registered_at
		FROM arbiters WHERE address = $1
	`, address).Scan(&a.Address, &name, &a.Active, &a.CasesServed, &a.RegisteredAt)

	if err == sql.ErrNoRows {
		return nil, ErrArbiterNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Name = name.String
	return a, nil
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Arbiter, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, name, active, cases_served, registered_at
		FROM arbiters
		WHERE active = TRUE
		ORDER BY address
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var arbiters []*Arbiter
	for rows.Next() {
		a := &Arbiter{}
		var name sql.NullString
		if err := rows.Scan(&a.Address, &name, &a.Active, &a.CasesServed, &a.RegisteredAt); err != nil {
			return nil, err
		}
		a.Name = name.String
		arbiters = append(arbiters, a)
	}
	return arbiters, rows.Err()
}

func (p *PostgresStore) SetActive(ctx context.Context, address string, active bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE arbiters SET active = $2 WHERE address = $1
	`, address, active)
	if err != nil {
		return fmt.Errorf("failed to update arbiter: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrArbiterNotFound
	}
	return nil
}

func (p *PostgresStore) IncrementCasesServed(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE arbiters SET cases_served = cases_served + 1
		WHERE address = ANY($1)
	`, pq.Array(addresses))
	if err != nil {
		return fmt.Errorf("failed to update cases served: %w", err)
	}
	return nil
}
