package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/storecredit/ledger"
)

// conn implements ledger.Store on top of a *sqlx.DB or *sqlx.Tx without
// locking. Multi-statement writes must run on a *sqlx.Tx.
type conn struct {
	q sqlx.ExtContext
}

var debtColumns = []string{
	"id", "customer_id", "customer_name", "customer_email", "order_id",
	"amount", "remaining_amount", "status", "version", "created_at", "last_updated",
}

var transactionColumns = []string{
	"id", "debt_id", "seq", "tx_type", "amount", "decrease", "credit_mode", "tx_date",
	"order_id", "note", "payment_method", "discount",
	"owner_id", "owner_name", "owner_email", "processed_by", "processed_by_name",
	"idempotency_key",
}

type debtRow struct {
	ID            string          `db:"id"`
	CustomerID    string          `db:"customer_id"`
	CustomerName  string          `db:"customer_name"`
	CustomerEmail string          `db:"customer_email"`
	OrderID       string          `db:"order_id"`
	Amount        decimal.Decimal `db:"amount"`
	Remaining     decimal.Decimal `db:"remaining_amount"`
	Status        string          `db:"status"`
	Version       int64           `db:"version"`
	CreatedAt     time.Time       `db:"created_at"`
	LastUpdated   time.Time       `db:"last_updated"`
}

type transactionRow struct {
	ID              string          `db:"id"`
	DebtID          string          `db:"debt_id"`
	Seq             int             `db:"seq"`
	Type            string          `db:"tx_type"`
	Amount          decimal.Decimal `db:"amount"`
	Decrease        bool            `db:"decrease"`
	CreditMode      bool            `db:"credit_mode"`
	Date            time.Time       `db:"tx_date"`
	OrderID         sql.NullString  `db:"order_id"`
	Note            sql.NullString  `db:"note"`
	PaymentMethod   sql.NullString  `db:"payment_method"`
	Discount        decimal.Decimal `db:"discount"`
	OwnerID         string          `db:"owner_id"`
	OwnerName       string          `db:"owner_name"`
	OwnerEmail      string          `db:"owner_email"`
	ProcessedBy     string          `db:"processed_by"`
	ProcessedByName string          `db:"processed_by_name"`
	IdempotencyKey  sql.NullString  `db:"idempotency_key"`
}

// =============================================================================
// DEBTS
// =============================================================================

func (c *conn) CreateDebt(ctx context.Context, d *ledger.Debt) error {
	if d.Version == 0 {
		d.Version = 1
	}
	if d.Status == "" {
		d.Status = ledger.StatusFor(d.Amount, d.Remaining)
	}

	query, args, err := sq.Insert("debts").Columns(debtColumns...).Values(
		d.ID, d.Owner.ID, d.Owner.Name, d.Owner.Email, d.OrderID,
		d.Amount, d.Remaining, d.Status, d.Version, d.CreatedAt, d.LastUpdated,
	).ToSql()
	if err != nil {
		return fmt.Errorf("generating insert SQL: %w", err)
	}
	if _, err := c.q.ExecContext(ctx, query, args...); err != nil {
		return constraintError("insert debt", err)
	}
	return c.insertTransactions(ctx, d.Transactions)
}

func (c *conn) GetDebt(ctx context.Context, id ledger.DebtID) (*ledger.Debt, error) {
	query, args, err := sq.Select(debtColumns...).From("debts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("generating select SQL: %w", err)
	}

	var row debtRow
	if err := sqlx.GetContext(ctx, c.q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ledger.NotFoundError{Kind: "debt", ID: string(id)}
		}
		return nil, &ledger.PersistenceError{Op: "select debt", Err: err}
	}

	logs, err := c.loadTransactions(ctx, []string{row.ID})
	if err != nil {
		return nil, err
	}
	return toDebt(row, logs[row.ID]), nil
}

func (c *conn) ListDebts(ctx context.Context, filter ledger.DebtFilter) ([]*ledger.Debt, error) {
	builder := sq.Select(debtColumns...).From("debts").OrderBy("last_updated DESC", "id DESC")
	if filter.CustomerID != "" {
		builder = builder.Where(sq.Eq{"customer_id": filter.CustomerID})
	}
	if filter.Email != "" {
		builder = builder.Where(sq.Eq{"customer_email": filter.Email})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		builder = builder.Where(sq.Eq{"status": statuses})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("generating select SQL: %w", err)
	}
	var rows []debtRow
	if err := sqlx.SelectContext(ctx, c.q, &rows, query, args...); err != nil {
		return nil, &ledger.PersistenceError{Op: "select debts", Err: err}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	logs, err := c.loadTransactions(ctx, ids)
	if err != nil {
		return nil, err
	}

	debts := make([]*ledger.Debt, len(rows))
	for i, r := range rows {
		debts[i] = toDebt(r, logs[r.ID])
	}
	return debts, nil
}

func (c *conn) UpdateDebt(ctx context.Context, d *ledger.Debt, expectedVersion int64, txs ...ledger.Transaction) error {
	query, args, err := sq.Update("debts").SetMap(map[string]interface{}{
		"amount":           d.Amount,
		"remaining_amount": d.Remaining,
		"status":           d.Status,
		"last_updated":     d.LastUpdated,
		"version":          expectedVersion + 1,
	}).Where(sq.Eq{"id": d.ID, "version": expectedVersion}).ToSql()
	if err != nil {
		return fmt.Errorf("generating update SQL: %w", err)
	}

	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return constraintError("update debt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &ledger.PersistenceError{Op: "update debt", Err: err}
	}
	if n == 0 {
		exists, err := c.debtExists(ctx, d.ID)
		if err != nil {
			return err
		}
		if !exists {
			return &ledger.NotFoundError{Kind: "debt", ID: string(d.ID)}
		}
		return ledger.ErrConcurrentModification
	}

	if err := c.insertTransactions(ctx, txs); err != nil {
		return err
	}
	d.Version = expectedVersion + 1
	return nil
}

func (c *conn) DeleteDebt(ctx context.Context, id ledger.DebtID) error {
	query, args, err := sq.Delete("debt_transactions").Where(sq.Eq{"debt_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("generating delete SQL: %w", err)
	}
	if _, err := c.q.ExecContext(ctx, query, args...); err != nil {
		return &ledger.PersistenceError{Op: "delete transactions", Err: err}
	}

	query, args, err = sq.Delete("debts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("generating delete SQL: %w", err)
	}
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return &ledger.PersistenceError{Op: "delete debt", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: "debt", ID: string(id)}
	}
	return nil
}

func (c *conn) debtExists(ctx context.Context, id ledger.DebtID) (bool, error) {
	query, args, err := sq.Select("COUNT(*)").From("debts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, fmt.Errorf("generating select SQL: %w", err)
	}
	var count int
	if err := sqlx.GetContext(ctx, c.q, &count, query, args...); err != nil {
		return false, &ledger.PersistenceError{Op: "count debts", Err: err}
	}
	return count > 0, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (c *conn) insertTransactions(ctx context.Context, txs []ledger.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	builder := sq.Insert("debt_transactions").Columns(transactionColumns...)
	for _, tx := range txs {
		builder = builder.Values(
			tx.ID, tx.DebtID, tx.Sequence, tx.Type, tx.Amount, tx.Decrease, tx.CreditMode, tx.Date,
			nullString(string(tx.OrderID)), nullString(tx.Note), nullString(tx.PaymentMethod), tx.Discount,
			tx.Owner.ID, tx.Owner.Name, tx.Owner.Email, tx.ProcessedBy, tx.ProcessedByName,
			nullString(tx.IdempotencyKey),
		)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("generating insert SQL: %w", err)
	}
	if _, err := c.q.ExecContext(ctx, query, args...); err != nil {
		return constraintError("insert transactions", err)
	}
	return nil
}

// loadTransactions returns the logs of the given debts, keyed by debt ID,
// each in sequence order.
func (c *conn) loadTransactions(ctx context.Context, debtIDs []string) (map[string][]ledger.Transaction, error) {
	query, args, err := sq.Select(transactionColumns...).From("debt_transactions").
		Where(sq.Eq{"debt_id": debtIDs}).
		OrderBy("debt_id", "seq").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("generating select SQL: %w", err)
	}

	var rows []transactionRow
	if err := sqlx.SelectContext(ctx, c.q, &rows, query, args...); err != nil {
		return nil, &ledger.PersistenceError{Op: "select transactions", Err: err}
	}

	logs := make(map[string][]ledger.Transaction, len(debtIDs))
	for _, r := range rows {
		logs[r.DebtID] = append(logs[r.DebtID], toTransaction(r))
	}
	return logs, nil
}

// =============================================================================
// ROW MAPPING
// =============================================================================

func toDebt(r debtRow, txs []ledger.Transaction) *ledger.Debt {
	return &ledger.Debt{
		ID:           ledger.DebtID(r.ID),
		Owner:        ledger.Identity{ID: ledger.CustomerID(r.CustomerID), Name: r.CustomerName, Email: r.CustomerEmail},
		OrderID:      ledger.OrderID(r.OrderID),
		Amount:       r.Amount,
		Remaining:    r.Remaining,
		Status:       ledger.Status(r.Status),
		Transactions: txs,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt.UTC(),
		LastUpdated:  r.LastUpdated.UTC(),
	}
}

func toTransaction(r transactionRow) ledger.Transaction {
	return ledger.Transaction{
		ID:              ledger.TransactionID(r.ID),
		DebtID:          ledger.DebtID(r.DebtID),
		Sequence:        r.Seq,
		Type:            ledger.TransactionType(r.Type),
		Amount:          r.Amount,
		Decrease:        r.Decrease,
		CreditMode:      r.CreditMode,
		Date:            r.Date.UTC(),
		OrderID:         ledger.OrderID(r.OrderID.String),
		Note:            r.Note.String,
		PaymentMethod:   r.PaymentMethod.String,
		Discount:        r.Discount,
		IdempotencyKey:  r.IdempotencyKey.String,
		Owner:           ledger.Identity{ID: ledger.CustomerID(r.OwnerID), Name: r.OwnerName, Email: r.OwnerEmail},
		ProcessedBy:     r.ProcessedBy,
		ProcessedByName: r.ProcessedByName,
	}
}
