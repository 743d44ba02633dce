package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predictlab/market-core/internal/model"
)

// Schema creates the tables the store expects. NUMERIC columns keep exact
// decimal precision; values are round-tripped as TEXT.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	type          TEXT NOT NULL,
	b             NUMERIC NOT NULL,
	q_yes         NUMERIC NOT NULL DEFAULT 0,
	q_no          NUMERIC NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	winning_token TEXT NOT NULL DEFAULT '',
	version       BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	resolved_at   TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS outcomes (
	id          TEXT PRIMARY KEY,
	event_id    TEXT NOT NULL REFERENCES events(id),
	name        TEXT NOT NULL,
	liquidity   NUMERIC NOT NULL DEFAULT 0,
	probability NUMERIC NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS balances (
	user_id      TEXT NOT NULL,
	token_symbol TEXT NOT NULL,
	event_id     TEXT NOT NULL DEFAULT '',
	outcome_id   TEXT NOT NULL DEFAULT '',
	amount       NUMERIC NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, token_symbol)
);
CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	event_id      TEXT NOT NULL,
	side          TEXT NOT NULL,
	target_kind   TEXT NOT NULL,
	outcome_id    TEXT NOT NULL DEFAULT '',
	price         NUMERIC NOT NULL,
	amount        NUMERIC NOT NULL,
	amount_filled NUMERIC NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_book_idx
	ON orders (event_id, target_kind, outcome_id, side, status);
CREATE TABLE IF NOT EXISTS trades (
	id               TEXT PRIMARY KEY,
	event_id         TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	order_id         TEXT NOT NULL,
	counter_order_id TEXT NOT NULL DEFAULT '',
	side             TEXT NOT NULL,
	target_kind      TEXT NOT NULL,
	outcome_id       TEXT NOT NULL DEFAULT '',
	price            NUMERIC NOT NULL,
	amount           NUMERIC NOT NULL,
	amm              BOOLEAN NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_event_idx ON trades (event_id, created_at);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

const eventColumns = `id, title, type, b::TEXT, q_yes::TEXT, q_no::TEXT,
	status, winning_token, version, created_at, resolved_at`

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	var b, qYes, qNo string
	err := row.Scan(&e.ID, &e.Title, &e.Type, &b, &qYes, &qNo,
		&e.Status, &e.WinningToken, &e.Version, &e.CreatedAt, &e.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	e.B, _ = decimal.NewFromString(b)
	e.QYes, _ = decimal.NewFromString(qYes)
	e.QNo, _ = decimal.NewFromString(qNo)
	return &e, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
}

func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanOutcomes(rows pgx.Rows) ([]model.Outcome, error) {
	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var liquidity, probability string
		if err := rows.Scan(&o.ID, &o.EventID, &o.Name, &liquidity, &probability); err != nil {
			return nil, err
		}
		o.Liquidity, _ = decimal.NewFromString(liquidity)
		o.Probability, _ = decimal.NewFromString(probability)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) GetOutcomes(ctx context.Context, eventID string) ([]model.Outcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, name, liquidity::TEXT, probability::TEXT
		 FROM outcomes WHERE event_id = $1 ORDER BY id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

const orderColumns = `id, user_id, event_id, side, target_kind, outcome_id,
	price::TEXT, amount::TEXT, amount_filled::TEXT, status, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var kind, outcomeID, price, amount, filled string
	err := row.Scan(&o.ID, &o.UserID, &o.EventID, &o.Side, &kind, &outcomeID,
		&price, &amount, &filled, &o.Status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	o.Target = model.Target{Kind: model.TargetKind(kind), OutcomeID: outcomeID}
	o.Price, _ = decimal.NewFromString(price)
	o.Amount, _ = decimal.NewFromString(amount)
	o.AmountFilled, _ = decimal.NewFromString(filled)
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func openOrdersQuery(side model.OrderSide) string {
	// Bids match best (highest) price first; asks lowest first. Ties go to
	// the oldest order.
	dir := "ASC"
	if side == model.SideBuy {
		dir = "DESC"
	}
	return `SELECT ` + orderColumns + ` FROM orders
		 WHERE event_id = $1 AND target_kind = $2 AND outcome_id = $3
		   AND side = $4 AND status IN ('open', 'partially_filled')
		 ORDER BY price ` + dir + `, created_at ASC`
}

func queryOpenOrders(ctx context.Context, q querier, eventID string, target model.Target, side model.OrderSide) ([]model.Order, error) {
	rows, err := q.Query(ctx, openOrdersQuery(side),
		eventID, string(target.Kind), target.OutcomeID, string(side))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) OpenOrders(ctx context.Context, eventID string, target model.Target, side model.OrderSide) ([]model.Order, error) {
	return queryOpenOrders(ctx, s.pool, eventID, target, side)
}

func (s *PostgresStore) TradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, user_id, order_id, counter_order_id, side,
		        target_kind, outcome_id, price::TEXT, amount::TEXT, amm, created_at
		 FROM trades WHERE event_id = $1 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var kind, outcomeID, price, amount string
		if err := rows.Scan(&t.ID, &t.EventID, &t.UserID, &t.OrderID, &t.CounterOrderID,
			&t.Side, &kind, &outcomeID, &price, &amount, &t.AMM, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Target = model.Target{Kind: model.TargetKind(kind), OutcomeID: outcomeID}
		t.Price, _ = decimal.NewFromString(price)
		t.Amount, _ = decimal.NewFromString(amount)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func queryBalance(ctx context.Context, q querier, userID, symbol string) (decimal.Decimal, error) {
	var amount string
	err := q.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE user_id = $1 AND token_symbol = $2`,
		userID, symbol).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, _ := decimal.NewFromString(amount)
	return d, nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	return queryBalance(ctx, s.pool, userID, symbol)
}

func (s *PostgresStore) UserBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, token_symbol, event_id, outcome_id, amount::TEXT
		 FROM balances WHERE user_id = $1 ORDER BY token_symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBalances(rows)
}

func (s *PostgresStore) UserEventExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id,
		        COALESCE(SUM(CASE WHEN token_symbol LIKE 'NO\_%' THEN -amount
		                          ELSE amount END), 0)::TEXT
		 FROM balances
		 WHERE user_id = $1 AND event_id <> ''
		 GROUP BY event_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exposures := make(map[string]decimal.Decimal)
	for rows.Next() {
		var eventID, net string
		if err := rows.Scan(&eventID, &net); err != nil {
			return nil, err
		}
		exposures[eventID], _ = decimal.NewFromString(net)
	}
	return exposures, rows.Err()
}

func queryHolders(ctx context.Context, q querier, symbol string, limit int) ([]model.Balance, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id, token_symbol, event_id, outcome_id, amount::TEXT
		 FROM balances WHERE token_symbol = $1 AND amount > 0
		 ORDER BY user_id LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBalances(rows)
}

func (s *PostgresStore) HoldersOf(ctx context.Context, symbol string, limit int) ([]model.Balance, error) {
	return queryHolders(ctx, s.pool, symbol, limit)
}

func scanBalances(rows pgx.Rows) ([]model.Balance, error) {
	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		var amount string
		if err := rows.Scan(&b.UserID, &b.TokenSymbol, &b.EventID, &b.OutcomeID, &amount); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amount)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) CreateEvent(ctx context.Context, event *model.Event, outcomes []model.Outcome) error {
	return s.WithTx(ctx, func(tx Tx) error {
		pt := tx.(*pgTx)
		_, err := pt.tx.Exec(ctx,
			`INSERT INTO events (id, title, type, b, q_yes, q_no, status, winning_token, version, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)`,
			event.ID, event.Title, string(event.Type),
			event.B.String(), event.QYes.String(), event.QNo.String(),
			string(event.Status), event.WinningToken, event.Version, event.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", event.ID, err)
		}
		for _, o := range outcomes {
			_, err := pt.tx.Exec(ctx,
				`INSERT INTO outcomes (id, event_id, name, liquidity, probability)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)`,
				o.ID, o.EventID, o.Name, o.Liquidity.String(), o.Probability.String())
			if err != nil {
				return fmt.Errorf("insert outcome %s: %w", o.ID, err)
			}
		}
		return nil
	})
}

// WithTx runs fn inside one pgx transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier abstracts pool and transaction query execution.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetEventForUpdate(ctx context.Context, id string) (*model.Event, error) {
	return scanEvent(t.tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) OutcomesForUpdate(ctx context.Context, eventID string) ([]model.Outcome, error) {
	// Locked in id order so concurrent trades on the same event acquire
	// outcome row locks in the same sequence.
	rows, err := t.tx.Query(ctx,
		`SELECT id, event_id, name, liquidity::TEXT, probability::TEXT
		 FROM outcomes WHERE event_id = $1 ORDER BY id FOR UPDATE`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

func (t *pgTx) UpdateEventState(ctx context.Context, id string, qYes, qNo decimal.Decimal, version int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE events SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC, version = version + 1
		 WHERE id = $1 AND version = $4`,
		id, qYes.String(), qNo.String(), version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrConcurrencyConflict
	}
	return nil
}

func (t *pgTx) UpdateOutcome(ctx context.Context, id string, liquidity, probability decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE outcomes SET liquidity = $2::NUMERIC, probability = $3::NUMERIC WHERE id = $1`,
		id, liquidity.String(), probability.String())
	return err
}

func (t *pgTx) BeginResolution(ctx context.Context, eventID, winningToken string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE events SET status = 'resolving', winning_token = $2, version = version + 1
		 WHERE id = $1 AND status = 'active'`,
		eventID, winningToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAlreadyResolved
	}
	return nil
}

func (t *pgTx) MarkResolved(ctx context.Context, eventID, winningToken string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE events SET status = 'resolved', winning_token = $2, resolved_at = NOW(), version = version + 1
		 WHERE id = $1 AND status = 'resolving'`,
		eventID, winningToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAlreadyResolved
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, event_id, side, target_kind, outcome_id,
		                     price, amount, amount_filled, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		o.ID, o.UserID, o.EventID, string(o.Side),
		string(o.Target.Kind), o.Target.OutcomeID,
		o.Price.String(), o.Amount.String(), o.AmountFilled.String(),
		string(o.Status), o.CreatedAt)
	return err
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateOrderFill(ctx context.Context, id string, amountFilled decimal.Decimal, status model.OrderStatus) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders SET amount_filled = $2::NUMERIC, status = $3 WHERE id = $1`,
		id, amountFilled.String(), string(status))
	return err
}

func (t *pgTx) OpenOrders(ctx context.Context, eventID string, target model.Target, side model.OrderSide) ([]model.Order, error) {
	return queryOpenOrders(ctx, t.tx, eventID, target, side)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, event_id, user_id, order_id, counter_order_id, side,
		                     target_kind, outcome_id, price, amount, amm, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		tr.ID, tr.EventID, tr.UserID, tr.OrderID, tr.CounterOrderID, string(tr.Side),
		string(tr.Target.Kind), tr.Target.OutcomeID,
		tr.Price.String(), tr.Amount.String(), tr.AMM, tr.CreatedAt)
	return err
}

func (t *pgTx) Balance(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	return queryBalance(ctx, t.tx, userID, symbol)
}

func (t *pgTx) ApplyBalanceDelta(ctx context.Context, userID, symbol, eventID, outcomeID string, delta decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balances (user_id, token_symbol, event_id, outcome_id, amount)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC)
		 ON CONFLICT (user_id, token_symbol)
		 DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		userID, symbol, eventID, outcomeID, delta.String())
	return err
}

func (t *pgTx) ZeroBalance(ctx context.Context, userID, symbol string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE balances SET amount = 0 WHERE user_id = $1 AND token_symbol = $2`,
		userID, symbol)
	return err
}

func (t *pgTx) HoldersOf(ctx context.Context, symbol string, limit int) ([]model.Balance, error) {
	return queryHolders(ctx, t.tx, symbol, limit)
}
