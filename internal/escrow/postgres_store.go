package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow and dispute data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NextID allocates a new escrow ID from the dedicated sequence.
func (p *PostgresStore) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('escrow_id_seq')`).Scan(&id)
	return id, err
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer_addr, seller_addr, batch_ref, amount,
			status, arbitrators, disputed, funds_released, resolution,
			created_at, confirm_deadline, resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,6),
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		)`,
		e.ID, e.Buyer, e.Seller, e.BatchRef, e.Amount,
		string(e.Status), pq.Array(e.Arbitrators), e.Disputed, e.FundsReleased, nullString(e.Resolution),
		e.CreatedAt, e.ConfirmDeadline, nullTime(e.ResolvedAt), e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, buyer_addr, seller_addr, batch_ref, amount,
		       status, arbitrators, disputed, funds_released, resolution,
		       created_at, confirm_deadline, resolved_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, arbitrators = $2, disputed = $3, funds_released = $4,
			resolution = $5, resolved_at = $6, updated_at = $7
		WHERE id = $8`,
		string(e.Status), pq.Array(e.Arbitrators), e.Disputed, e.FundsReleased,
		nullString(e.Resolution), nullTime(e.ResolvedAt), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, party string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_addr = $1 OR seller_addr = $1
		ORDER BY id DESC
		LIMIT $2`, party, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	votesJSON, err := json.Marshal(d.Votes)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			escrow_id, evidence, opened_by, votes, buyer_votes, seller_votes,
			resolved, winner, opened_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10
		)`,
		d.EscrowID, d.Evidence, d.OpenedBy, votesJSON, d.BuyerVotes, d.SellerVotes,
		d.Resolved, nullString(string(d.Winner)), d.OpenedAt, nullTime(d.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) GetDispute(ctx context.Context, escrowID int64) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT escrow_id, evidence, opened_by, votes, buyer_votes, seller_votes,
		       resolved, winner, opened_at, resolved_at
		FROM disputes WHERE escrow_id = $1`, escrowID)

	d := &Dispute{}
	var (
		votesJSON  []byte
		winner     sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&d.EscrowID, &d.Evidence, &d.OpenedBy, &votesJSON, &d.BuyerVotes, &d.SellerVotes,
		&d.Resolved, &winner, &d.OpenedAt, &resolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Votes = make(map[string]Choice)
	if len(votesJSON) > 0 {
		if err := json.Unmarshal(votesJSON, &d.Votes); err != nil {
			return nil, err
		}
	}
	d.Winner = Choice(winner.String)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	votesJSON, err := json.Marshal(d.Votes)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			votes = $1, buyer_votes = $2, seller_votes = $3,
			resolved = $4, winner = $5, resolved_at = $6
		WHERE escrow_id = $7`,
		votesJSON, d.BuyerVotes, d.SellerVotes,
		d.Resolved, nullString(string(d.Winner)), nullTime(d.ResolvedAt),
		d.EscrowID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status     string
		resolution sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.Buyer, &e.Seller, &e.BatchRef, &e.Amount,
		&status, pq.Array(&e.Arbitrators), &e.Disputed, &e.FundsReleased, &resolution,
		&e.CreatedAt, &e.ConfirmDeadline, &resolvedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.Resolution = resolution.String
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertions that PostgresStore implements both stores.
var (
	_ Store        = (*PostgresStore)(nil)
	_ DisputeStore = (*PostgresStore)(nil)
)
