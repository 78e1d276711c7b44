package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"fundwatch/internal/models"
)

// Ledger is the append-only trade record backed by SQLite. Rows are immutable
// once written; closing a trade fills the linkage columns on the existing row
// and never rewrites the original fields.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Append writes one trade row. A missing ID or timestamp is filled in; the
// returned entry carries the final values.
func (l *Ledger) Append(e models.TradeEntry) (models.TradeEntry, error) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err := l.db.Exec(`
		INSERT INTO trades
		(id, ts, fund, symbol, side, quantity, price, total_value, order_type, session_type, reasoning)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.Fund, e.Symbol, e.Side,
		e.Quantity.String(), e.Price.String(), e.TotalValue.String(),
		e.OrderType, e.SessionType, e.Reasoning,
	)
	if err != nil {
		return e, fmt.Errorf("append trade: %w", err)
	}
	return e, nil
}

// CloseTrade fills the close-linkage columns on an existing buy row. The
// realized P&L is derived from the row's own entry price.
func (l *Ledger) CloseTrade(id string, closedAt time.Time, closePrice decimal.Decimal) error {
	row := l.db.QueryRow(`SELECT quantity, price FROM trades WHERE id = ?`, id)

	var qtyStr, priceStr string
	if err := row.Scan(&qtyStr, &priceStr); err != nil {
		return fmt.Errorf("close trade %s: %w", id, err)
	}
	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return fmt.Errorf("close trade %s: bad quantity %q", id, qtyStr)
	}
	entry, err := decimal.NewFromString(priceStr)
	if err != nil {
		return fmt.Errorf("close trade %s: bad price %q", id, priceStr)
	}

	pnl := closePrice.Sub(entry).Mul(qty)
	pnlPct := decimal.Zero
	if !entry.IsZero() {
		pnlPct = closePrice.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100)).Round(2)
	}

	_, err = l.db.Exec(`
		UPDATE trades SET closed_at = ?, close_price = ?, pnl = ?, pnl_pct = ?
		WHERE id = ?`,
		closedAt, closePrice.String(), pnl.String(), pnlPct.String(), id,
	)
	if err != nil {
		return fmt.Errorf("close trade %s: %w", id, err)
	}
	return nil
}

// OpenBuys returns the buy rows for a fund and symbol that have not been
// closed yet, oldest first. Used to link a protective sell back to its entry.
func (l *Ledger) OpenBuys(fund, symbol string) ([]models.TradeEntry, error) {
	rows, err := l.db.Query(`
		SELECT id, ts, fund, symbol, side, quantity, price, total_value, order_type, session_type, reasoning
		FROM trades
		WHERE fund = ? AND symbol = ? AND side = 'buy' AND closed_at IS NULL
		ORDER BY ts ASC`, fund, symbol)
	if err != nil {
		return nil, fmt.Errorf("list open buys: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// CountSince counts a fund's trades recorded at or after the given instant.
func (l *Ledger) CountSince(fund string, since time.Time) (int, error) {
	row := l.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE fund = ? AND ts >= ?`, fund, since)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}

// ListByFund returns all trades for a fund, newest first.
func (l *Ledger) ListByFund(fund string) ([]models.TradeEntry, error) {
	rows, err := l.db.Query(`
		SELECT id, ts, fund, symbol, side, quantity, price, total_value, order_type, session_type, reasoning
		FROM trades
		WHERE fund = ?
		ORDER BY ts DESC`, fund)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]models.TradeEntry, error) {
	var out []models.TradeEntry
	for rows.Next() {
		var e models.TradeEntry
		var qty, price, total string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Fund, &e.Symbol, &e.Side,
			&qty, &price, &total, &e.OrderType, &e.SessionType, &e.Reasoning); err != nil {
			return nil, err
		}
		var err error
		if e.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("trade %s: bad quantity %q", e.ID, qty)
		}
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("trade %s: bad price %q", e.ID, price)
		}
		if e.TotalValue, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("trade %s: bad total %q", e.ID, total)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
