package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres error codes the store maps to domain errors.
const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
)

// PostgresStore persists settlement records in PostgreSQL. The schema lives
// in migrations/ and is applied with goose.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name  = EXCLUDED.name,
			email = EXCLUDED.email,
			role  = EXCLUDED.role`,
		u.ID, u.Name, u.Email, string(u.Role), u.Balance, u.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var role string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, balance, created_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &role, &u.Balance, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return u, nil
}

func (p *PostgresStore) CreateCheckout(ctx context.Context, order *Order, escrow *Escrow) error {
	if order.Total <= 0 || escrow.Amount <= 0 {
		return ErrInvalidAmount
	}

	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	addrJSON, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}
	reportsJSON, err := json.Marshal(nonNilReports(order.ProblemReports))
	if err != nil {
		return fmt.Errorf("marshal problem reports: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, seller_id, items, shipping_address, payment_method,
			total, status, cancellation_reason, problem_reports, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		order.ID, order.BuyerID, order.SellerID, itemsJSON, addrJSON, order.PaymentMethod,
		order.Total, string(order.Status), nullString(order.CancellationReason), reportsJSON,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return mapCheckoutError(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, buyer_id, seller_id, amount, status,
			buyer_confirmed, delivery_confirmed, auto_release_at,
			confirm_token, confirm_token_expires_at, payment_reference,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		escrow.ID, escrow.OrderID, escrow.BuyerID, escrow.SellerID, escrow.Amount, string(escrow.Status),
		escrow.ReleaseConditions.BuyerConfirmation, escrow.ReleaseConditions.DeliveryConfirmation,
		nullTime(escrow.ReleaseConditions.AutoReleaseAt),
		nullString(escrow.ConfirmToken), nullTime(escrow.ConfirmTokenExpiresAt),
		nullString(escrow.PaymentReference), escrow.CreatedAt, escrow.UpdatedAt,
	)
	if err != nil {
		return mapCheckoutError(err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	return getOrder(ctx, p.db, id, false)
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return getEscrow(ctx, p.db, `WHERE id = $1`, id, false)
}

func (p *PostgresStore) GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return getEscrow(ctx, p.db, `WHERE order_id = $1`, orderID, false)
}

func (p *PostgresStore) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE payment_reference = $1`, reference)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ListTransactionsByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE escrow_id = $1
		ORDER BY created_at, id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetConfirmToken(ctx context.Context, escrowID, token string, expiresAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			confirm_token = $1,
			confirm_token_expires_at = $2,
			updated_at = NOW()
		WHERE id = $3 AND status IN ('pending', 'funded')`,
		token, expiresAt, escrowID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return missingOrInvalid(ctx, p.db, escrowID)
	}
	return nil
}

// WithTx runs fn inside a READ COMMITTED transaction. Row locks taken by
// Tx.GetEscrow and the guarded UPDATE in TransitionEscrow serialize
// competing settlements on the same escrow.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return getEscrow(ctx, t.tx, `WHERE id = $1`, id, true)
}

func (t *postgresTx) GetOrder(ctx context.Context, id string) (*Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *postgresTx) TransitionEscrow(ctx context.Context, tr EscrowTransition) error {
	if !CanTransition(tr.From, tr.To) {
		return ErrInvalidState
	}

	var fundedAt, resolvedAt *time.Time
	if tr.To == EscrowFunded {
		fundedAt = &tr.At
	}
	if tr.To.IsTerminal() {
		resolvedAt = &tr.At
	}
	var disputeJSON sql.NullString
	if tr.Dispute != nil {
		b, err := json.Marshal(tr.Dispute)
		if err != nil {
			return fmt.Errorf("marshal dispute: %w", err)
		}
		disputeJSON = sql.NullString{String: string(b), Valid: true}
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE escrows SET
			status            = $1,
			updated_at        = $2,
			payment_reference = COALESCE($3, payment_reference),
			funded_at         = COALESCE($4, funded_at),
			resolved_at       = COALESCE($5, resolved_at),
			buyer_confirmed   = buyer_confirmed OR $6::BOOLEAN,
			confirm_token     = CASE WHEN $7::BOOLEAN THEN NULL ELSE confirm_token END,
			confirm_token_expires_at = CASE WHEN $7::BOOLEAN THEN NULL ELSE confirm_token_expires_at END,
			dispute           = COALESCE($8::JSONB, dispute)
		WHERE id = $9 AND status = $10
		  AND ($11::TEXT = '' OR confirm_token = $11::TEXT)`,
		string(tr.To), tr.At, nullString(tr.PaymentReference),
		nullTime(fundedAt), nullTime(resolvedAt),
		tr.BuyerConfirmed, tr.ClearToken, disputeJSON,
		tr.EscrowID, string(tr.From), tr.ExpectedToken,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return missingOrInvalid(ctx, t.tx, tr.EscrowID)
	}
	return nil
}

func (t *postgresTx) SetOrderStatus(ctx context.Context, orderID string, status OrderStatus, reason string, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1,
			cancellation_reason = COALESCE($2, cancellation_reason),
			updated_at = $3
		WHERE id = $4`,
		string(status), nullString(reason), at, orderID,
	)
	return expectOneRow(result, err)
}

func (t *postgresTx) AppendProblemReport(ctx context.Context, orderID string, report ProblemReport, at time.Time) error {
	reportJSON, err := json.Marshal([]ProblemReport{report})
	if err != nil {
		return fmt.Errorf("marshal problem report: %w", err)
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET
			problem_reports = problem_reports || $1::JSONB,
			updated_at = $2
		WHERE id = $3`,
		reportJSON, at, orderID,
	)
	return expectOneRow(result, err)
}

func (t *postgresTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, from_user_id, to_user_id, type, amount, disbursed_amount, platform_fee,
			payment_reference, status, escrow_id, created_at, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		txn.ID, txn.FromUserID, txn.ToUserID, string(txn.Type), txn.Amount,
		txn.DisbursedAmount, txn.PlatformFee, nullString(txn.PaymentReference),
		string(txn.Status), txn.EscrowID, txn.CreatedAt, nullTime(txn.SettledAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrDuplicateReference
	}
	return err
}

func (t *postgresTx) SettleHold(ctx context.Context, escrowID string, typ TxType, disbursed, fee int64, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET
			type = $1,
			disbursed_amount = $2,
			platform_fee = $3,
			status = 'completed',
			settled_at = $4
		WHERE escrow_id = $5 AND type = 'held'`,
		string(typ), disbursed, fee, at, escrowID,
	)
	return expectOneRow(result, err)
}

func (t *postgresTx) IncrementBalance(ctx context.Context, userID string, delta int64) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + $1 WHERE id = $2`, delta, userID)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqCheckViolation {
		return ErrInvalidAmount
	}
	return expectOneRow(result, err)
}

const escrowColumns = `id, order_id, buyer_id, seller_id, amount, status,
		       buyer_confirmed, delivery_confirmed, auto_release_at,
		       confirm_token, confirm_token_expires_at, dispute, payment_reference,
		       created_at, updated_at, funded_at, resolved_at`

const orderColumns = `id, buyer_id, seller_id, items, shipping_address, payment_method,
		       total, status, cancellation_reason, problem_reports, created_at, updated_at`

const transactionColumns = `id, from_user_id, to_user_id, type, amount, disbursed_amount, platform_fee,
		       payment_reference, status, escrow_id, created_at, settled_at`

func getEscrow(ctx context.Context, q querier, where string, arg any, lock bool) (*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows ` + where
	if lock {
		query += ` FOR UPDATE`
	}
	e, err := scanEscrow(q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func getOrder(ctx context.Context, q querier, id string, lock bool) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// missingOrInvalid distinguishes a guarded update that matched no row
// because the escrow does not exist from one whose pre-state check failed.
func missingOrInvalid(ctx context.Context, q querier, escrowID string) error {
	var exists bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, escrowID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidState
}

func expectOneRow(result sql.Result, err error) error {
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

func mapCheckoutError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return ErrDuplicateOrder
		case pqCheckViolation:
			return ErrInvalidAmount
		}
	}
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status         string
		autoReleaseAt  sql.NullTime
		confirmToken   sql.NullString
		tokenExpiresAt sql.NullTime
		disputeJSON    []byte
		paymentRef     sql.NullString
		fundedAt       sql.NullTime
		resolvedAt     sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.OrderID, &e.BuyerID, &e.SellerID, &e.Amount, &status,
		&e.ReleaseConditions.BuyerConfirmation, &e.ReleaseConditions.DeliveryConfirmation, &autoReleaseAt,
		&confirmToken, &tokenExpiresAt, &disputeJSON, &paymentRef,
		&e.CreatedAt, &e.UpdatedAt, &fundedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = EscrowStatus(status)
	e.ConfirmToken = confirmToken.String
	e.PaymentReference = paymentRef.String
	e.ReleaseConditions.AutoReleaseAt = timePtr(autoReleaseAt)
	e.ConfirmTokenExpiresAt = timePtr(tokenExpiresAt)
	e.FundedAt = timePtr(fundedAt)
	e.ResolvedAt = timePtr(resolvedAt)
	if len(disputeJSON) > 0 {
		d := &Dispute{}
		if err := json.Unmarshal(disputeJSON, d); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
		e.Dispute = d
	}
	return e, nil
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status      string
		itemsJSON   []byte
		addrJSON    []byte
		reportsJSON []byte
		reason      sql.NullString
	)

	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &itemsJSON, &addrJSON, &o.PaymentMethod,
		&o.Total, &status, &reason, &reportsJSON, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = OrderStatus(status)
	o.CancellationReason = reason.String
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if err := json.Unmarshal(addrJSON, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if len(reportsJSON) > 0 {
		if err := json.Unmarshal(reportsJSON, &o.ProblemReports); err != nil {
			return nil, fmt.Errorf("decode problem reports: %w", err)
		}
	}
	o.ProblemReports = nonNilReports(o.ProblemReports)
	return o, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		typ        string
		status     string
		paymentRef sql.NullString
		settledAt  sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.FromUserID, &t.ToUserID, &typ, &t.Amount, &t.DisbursedAmount, &t.PlatformFee,
		&paymentRef, &status, &t.EscrowID, &t.CreatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = TxType(typ)
	t.Status = TxStatus(status)
	t.PaymentReference = paymentRef.String
	t.SettledAt = timePtr(settledAt)
	return t, nil
}

func nonNilReports(r []ProblemReport) []ProblemReport {
	if r == nil {
		return []ProblemReport{}
	}
	return r
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

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
