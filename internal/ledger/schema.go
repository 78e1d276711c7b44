package ledger

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	ts DATETIME NOT NULL,
	fund TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price TEXT NOT NULL,
	total_value TEXT NOT NULL,
	order_type TEXT NOT NULL,
	session_type TEXT NOT NULL,
	reasoning TEXT NOT NULL,
	closed_at DATETIME,
	close_price TEXT,
	pnl TEXT,
	pnl_pct TEXT
);

CREATE INDEX IF NOT EXISTS idx_trades_fund_ts ON trades(fund, ts);
CREATE INDEX IF NOT EXISTS idx_trades_fund_symbol ON trades(fund, symbol);
`
