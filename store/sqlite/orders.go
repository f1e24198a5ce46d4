package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/storecredit/ledger"
)

var orderColumns = []string{
	"id", "customer_id", "total_amount", "original_amount", "discount", "items_json",
	"credit_mode", "payment_method", "debt_id", "debt_status", "created_at", "updated_at",
}

type orderRow struct {
	ID             string          `db:"id"`
	CustomerID     string          `db:"customer_id"`
	TotalAmount    decimal.Decimal `db:"total_amount"`
	OriginalAmount decimal.Decimal `db:"original_amount"`
	Discount       decimal.Decimal `db:"discount"`
	ItemsJSON      string          `db:"items_json"`
	CreditMode     bool            `db:"credit_mode"`
	PaymentMethod  string          `db:"payment_method"`
	DebtID         sql.NullString  `db:"debt_id"`
	DebtStatus     sql.NullString  `db:"debt_status"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (c *conn) GetOrder(ctx context.Context, id ledger.OrderID) (*ledger.Order, error) {
	query, args, err := sq.Select(orderColumns...).From("orders").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("generating select SQL: %w", err)
	}

	var row orderRow
	if err := sqlx.GetContext(ctx, c.q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ledger.NotFoundError{Kind: "order", ID: string(id)}
		}
		return nil, &ledger.PersistenceError{Op: "select order", Err: err}
	}

	var items []ledger.OrderItem
	if row.ItemsJSON != "" {
		if err := json.Unmarshal([]byte(row.ItemsJSON), &items); err != nil {
			return nil, &ledger.PersistenceError{Op: "decode order items", Err: err}
		}
	}

	return &ledger.Order{
		ID:             ledger.OrderID(row.ID),
		CustomerID:     ledger.CustomerID(row.CustomerID),
		TotalAmount:    row.TotalAmount,
		OriginalAmount: row.OriginalAmount,
		Discount:       row.Discount,
		Items:          items,
		CreditMode:     row.CreditMode,
		PaymentMethod:  row.PaymentMethod,
		DebtID:         ledger.DebtID(row.DebtID.String),
		DebtStatus:     ledger.Status(row.DebtStatus.String),
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}, nil
}

// SaveOrder inserts or replaces the order row.
func (c *conn) SaveOrder(ctx context.Context, o *ledger.Order) error {
	items := o.Items
	if items == nil {
		items = []ledger.OrderItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding order items: %w", err)
	}

	query, args, err := sq.Replace("orders").Columns(orderColumns...).Values(
		o.ID, o.CustomerID, o.TotalAmount, o.OriginalAmount, o.Discount, string(itemsJSON),
		o.CreditMode, o.PaymentMethod, nullString(string(o.DebtID)), nullString(string(o.DebtStatus)),
		o.CreatedAt, o.UpdatedAt,
	).ToSql()
	if err != nil {
		return fmt.Errorf("generating replace SQL: %w", err)
	}
	if _, err := c.q.ExecContext(ctx, query, args...); err != nil {
		return &ledger.PersistenceError{Op: "save order", Err: err}
	}
	return nil
}
