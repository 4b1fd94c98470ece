package treasury

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agrimesh/escrowd/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed treasury store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves a party's balance
func (p *PostgresStore) GetBalance(ctx context.Context, party string) (*Balance, error) {
	bal := &Balance{Party: party}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, total_in, total_out, updated_at
		FROM treasury_balances WHERE party_address = $1
	`, party).Scan(&bal.Available, &bal.Escrowed, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			Party:     party,
			Available: "0",
			Escrowed:  "0",
			TotalIn:   "0",
			TotalOut:  "0",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds funds to a party's balance
func (p *PostgresStore) Credit(ctx context.Context, party, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Upsert balance using native NUMERIC arithmetic
	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasury_balances (party_address, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
		ON CONFLICT (party_address) DO UPDATE SET
			available  = treasury_balances.available + $2::NUMERIC(20,6),
			total_in   = treasury_balances.total_in  + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, party, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasury_entries (id, party_address, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'deposit', $3::NUMERIC(20,6), $4, $5, NOW())
	`, idgen.WithPrefix("entry_"), party, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// EscrowLock moves funds from available to escrowed.
// The guarded UPDATE refuses to overdraw; the CHECK constraint on
// available >= 0 is the backstop.
func (p *PostgresStore) EscrowLock(ctx context.Context, party, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE treasury_balances SET
			available  = available - $2::NUMERIC(20,6),
			escrowed   = escrowed  + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE party_address = $1 AND available >= $2::NUMERIC(20,6)
	`, party, amount)
	if err != nil {
		return fmt.Errorf("failed to lock funds: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return p.lockFailure(ctx, tx, party)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasury_entries (id, party_address, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'escrow_lock', $3::NUMERIC(20,6), $4, 'funds_locked', NOW())
	`, idgen.WithPrefix("entry_"), party, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record lock entry: %w", err)
	}

	return tx.Commit()
}

// ReleaseEscrow moves funds from one party's escrowed to another's available.
func (p *PostgresStore) ReleaseEscrow(ctx context.Context, fromParty, toParty, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Debit sender's escrowed
	result, err := tx.ExecContext(ctx, `
		UPDATE treasury_balances SET
			escrowed   = escrowed  - $2::NUMERIC(20,6),
			total_out  = total_out + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE party_address = $1 AND escrowed >= $2::NUMERIC(20,6)
	`, fromParty, amount)
	if err != nil {
		return fmt.Errorf("failed to debit escrowed funds: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return p.lockFailure(ctx, tx, fromParty)
	}

	// Credit recipient's available
	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasury_balances (party_address, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
		ON CONFLICT (party_address) DO UPDATE SET
			available  = treasury_balances.available + $2::NUMERIC(20,6),
			total_in   = treasury_balances.total_in  + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, toParty, amount)
	if err != nil {
		return fmt.Errorf("failed to credit recipient: %w", err)
	}

	// Record entries for both parties
	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasury_entries (id, party_address, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'escrow_release', $3::NUMERIC(20,6), $4, 'funds_released', NOW())
	`, idgen.WithPrefix("entry_"), fromParty, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record release entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasury_entries (id, party_address, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'escrow_receive', $3::NUMERIC(20,6), $4, 'funds_received', NOW())
	`, idgen.WithPrefix("entry_"), toParty, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record receive entry: %w", err)
	}

	return tx.Commit()
}

// RefundEscrow returns escrowed funds to available.
func (p *PostgresStore) RefundEscrow(ctx context.Context, party, amount, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE treasury_balances SET
			escrowed   = escrowed  - $2::NUMERIC(20,6),
			available  = available + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE party_address = $1 AND escrowed >= $2::NUMERIC(20,6)
	`, party, amount)
	if err != nil {
		return fmt.Errorf("failed to refund funds: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return p.lockFailure(ctx, tx, party)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasury_entries (id, party_address, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'escrow_refund', $3::NUMERIC(20,6), $4, 'funds_refunded', NOW())
	`, idgen.WithPrefix("entry_"), party, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record refund entry: %w", err)
	}

	return tx.Commit()
}

// GetHistory retrieves treasury entries for a party
func (p *PostgresStore) GetHistory(ctx context.Context, party string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, party_address, type, amount, reference, description, created_at
		FROM treasury_entries
		WHERE party_address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, party, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.Party, &e.Type, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HasDeposit checks if a deposit reference has already been processed
func (p *PostgresStore) HasDeposit(ctx context.Context, reference string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM treasury_entries WHERE reference = $1 AND type = 'deposit'
	`, reference).Scan(&count)
	return count > 0, err
}

// lockFailure distinguishes a missing account from an insufficient balance
// after a guarded UPDATE touched zero rows.
func (p *PostgresStore) lockFailure(ctx context.Context, tx *sql.Tx, party string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM treasury_balances WHERE party_address = $1)
	`, party).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrInsufficientFunds
}
