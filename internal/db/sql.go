package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/simple-oms/internal/db/conf"
	"github.com/amirphl/simple-oms/internal/db/schema"
	"github.com/amirphl/simple-oms/internal/order"
	"github.com/google/uuid"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// Default is the database/sql backed store. It speaks Postgres (lib/pq)
// and SQLite (glebarez/go-sqlite); queries are written with '?' and
// rebound for Postgres.
type Default struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

func New(c conf.Config, opts ...Option) (*Default, error) {
	if c.DB == nil {
		return nil, errors.New("nil database handle")
	}
	switch c.Driver {
	case schema.DialectPostgres, schema.DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
	o := buildOptions(opts)
	return &Default{db: c.DB, dialect: c.Driver, now: o.now}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// Migrate applies the embedded schema for the store's dialect.
func (p *Default) Migrate(ctx context.Context) error {
	return schema.Apply(ctx, p.db, p.dialect)
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	query = p.rebind(query)
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// rebind turns '?' placeholders into '$n' for Postgres.
func (p *Default) rebind(query string) string {
	if p.dialect != schema.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (p *Default) stamp() time.Time {
	return p.now().UTC()
}

const orderColumns = `id, ticket, user_id, strategy_id, symbol, kind, magic, comment,
	volume, filled_volume, average_fill_price, price, stop_loss, take_profit,
	status, rejection_reason, submission, version,
	created_at, updated_at, opened_at, expiration, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (order.Order, int64, error) {
	var (
		o                                      order.Order
		ticket, version                        int64
		created, updated, opened, exp, deleted int64
		submission                             sql.NullString
	)
	if err := s.Scan(&o.ID, &ticket, &o.UserID, &o.StrategyID, &o.Symbol, &o.Kind, &o.Magic, &o.Comment,
		&o.Volume, &o.FilledVolume, &o.AverageFillPrice, &o.Price, &o.StopLoss, &o.TakeProfit,
		&o.Status, &o.RejectionReason, &submission, &version,
		&created, &updated, &opened, &exp, &deleted); err != nil {
		return order.Order{}, 0, err
	}
	o.Ticket = uint64(ticket)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	o.OpenedAt = fromNanos(opened)
	o.Expiration = fromNanos(exp)
	o.DeletedAt = fromNanos(deleted)
	if submission.Valid && submission.String != "" {
		var sr order.SubmissionResult
		if err := json.Unmarshal([]byte(submission.String), &sr); err != nil {
			return order.Order{}, 0, fmt.Errorf("failed to unmarshal submission of order %s: %w", o.ID, err)
		}
		o.Submission = &sr
	}
	return o, version, nil
}

func encodeSubmission(sr *order.SubmissionResult) (sql.NullString, error) {
	if sr == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(sr)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal submission: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// -------- Orders --------

func (p *Default) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	o, err := prepareCreate(o, uuid.NewString(), p.stamp())
	if err != nil {
		return order.Order{}, err
	}
	submission, err := encodeSubmission(o.Submission)
	if err != nil {
		return order.Order{}, err
	}

	err = p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, p.rebind(`SELECT COUNT(*) FROM orders WHERE id=?`), o.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check order %s: %w", o.ID, err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: order %s already exists", order.ErrConstraint, o.ID)
		}
		_, err = tx.ExecContext(ctx, p.rebind(`
			INSERT INTO orders (`+orderColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			o.ID, int64(o.Ticket), o.UserID, o.StrategyID, o.Symbol, string(o.Kind), o.Magic, o.Comment,
			o.Volume, o.FilledVolume, o.AverageFillPrice, o.Price, o.StopLoss, o.TakeProfit,
			string(o.Status), o.RejectionReason, submission, 1,
			toNanos(o.CreatedAt), toNanos(o.UpdatedAt), toNanos(o.OpenedAt), toNanos(o.Expiration), int64(0))
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.ID, err)
		}
		return nil
	})
	if err != nil {
		return order.Order{}, err
	}
	return o, nil
}

func (p *Default) GetOrder(ctx context.Context, id string) (order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to query order: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return order.Order{}, fmt.Errorf("failed to query order: %w", err)
		}
		return order.Order{}, orderNotFound(id)
	}
	o, _, err := scanOrder(rows)
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}
	return o, nil
}

// UpdateOrder reads the row, applies the patch in Go and writes it back
// guarded by the row version, so a concurrent writer makes it fail with
// ErrStaleStatus instead of being overwritten.
func (p *Default) UpdateOrder(ctx context.Context, id string, patch order.Patch) (order.Order, error) {
	var next order.Order
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, p.rebind(`SELECT `+orderColumns+` FROM orders WHERE id=?`), id)
		cur, version, err := scanOrder(row)
		if errors.Is(err, sql.ErrNoRows) {
			return orderNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("failed to load order %s: %w", id, err)
		}

		next, err = preparePatch(cur, patch, p.stamp())
		if err != nil {
			return err
		}
		submission, err := encodeSubmission(next.Submission)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, p.rebind(`
			UPDATE orders SET
				ticket=?, volume=?, filled_volume=?, average_fill_price=?, price=?, stop_loss=?, take_profit=?,
				status=?, rejection_reason=?, submission=?, version=version+1,
				updated_at=?, opened_at=?, expiration=?
			WHERE id=? AND version=?`),
			int64(next.Ticket), next.Volume, next.FilledVolume, next.AverageFillPrice, next.Price, next.StopLoss, next.TakeProfit,
			string(next.Status), next.RejectionReason, submission,
			toNanos(next.UpdatedAt), toNanos(next.OpenedAt), toNanos(next.Expiration),
			id, version)
		if err != nil {
			return fmt.Errorf("failed to update order %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected for order %s: %w", id, err)
		}
		if affected == 0 {
			return &staleError{id: id, expected: cur.Status, actual: "<concurrently modified>"}
		}
		return nil
	})
	if err != nil {
		return order.Order{}, err
	}
	return next, nil
}

func (p *Default) DeleteOrder(ctx context.Context, id string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		now := toNanos(p.stamp())
		res, err := tx.ExecContext(ctx, p.rebind(`
			UPDATE orders SET deleted_at=CASE WHEN deleted_at=0 THEN ? ELSE deleted_at END,
				updated_at=?, version=version+1
			WHERE id=?`), now, now, id)
		if err != nil {
			return fmt.Errorf("failed to delete order %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected for order %s: %w", id, err)
		}
		if affected == 0 {
			return orderNotFound(id)
		}
		return nil
	})
}

func (p *Default) GetOrders(ctx context.Context, filter Filter, page Page) ([]order.Order, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at=0")
	}
	if filter.UserID != "" {
		where = append(where, "user_id=?")
		args = append(args, filter.UserID)
	}
	if filter.StrategyID != "" {
		where = append(where, "strategy_id=?")
		args = append(args, filter.StrategyID)
	}
	if filter.Symbol != "" {
		where = append(where, "symbol=?")
		args = append(args, filter.Symbol)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if page.Limit > 0 || page.Offset > 0 {
		limit := page.Limit
		if limit <= 0 {
			limit = math.MaxInt32
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, page.Offset)
	}

	return p.queryOrders(ctx, query, args...)
}

func (p *Default) GetActiveOrders(ctx context.Context, userID string) ([]order.Order, error) {
	return p.GetOrders(ctx, Filter{UserID: userID, Statuses: order.ActiveStatuses}, Page{})
}

func (p *Default) GetAllOrdersForReconciliation(ctx context.Context, since time.Time) ([]order.Order, error) {
	return p.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE created_at >= ? AND (ticket <> 0 OR status = ?)
		ORDER BY created_at ASC, id ASC`, toNanos(since), string(order.StatusError))
}

func (p *Default) queryOrders(ctx context.Context, query string, args ...any) ([]order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		o, _, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	return orders, nil
}

// -------- Events --------

func (p *Default) CreateEvent(ctx context.Context, e order.Event) (order.Event, error) {
	if err := e.Validate(); err != nil {
		return order.Event{}, err
	}
	payload, err := order.EncodePayload(e.Payload)
	if err != nil {
		return order.Event{}, err
	}
	e.ID = uuid.NewString()
	e.Timestamp = p.stamp()

	err = p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, p.rebind(`SELECT COUNT(*) FROM orders WHERE id=?`), e.OrderID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check order %s: %w", e.OrderID, err)
		}
		if exists == 0 {
			return orderNotFound(e.OrderID)
		}
		err = tx.QueryRowContext(ctx, p.rebind(`
			INSERT INTO order_events (id, order_id, type, created_at, payload, message)
			VALUES (?,?,?,?,?,?) RETURNING seq`),
			e.ID, e.OrderID, string(e.Type), toNanos(e.Timestamp), string(payload), e.Message).Scan(&e.Seq)
		if err != nil {
			return fmt.Errorf("failed to log event for order %s: %w", e.OrderID, err)
		}
		return nil
	})
	if err != nil {
		return order.Event{}, err
	}
	return e, nil
}

func (p *Default) GetEvents(ctx context.Context, orderID string) ([]order.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT seq, id, order_id, type, created_at, payload, message
		FROM order_events WHERE order_id=? ORDER BY seq ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []order.Event{}
	for rows.Next() {
		var (
			e       order.Event
			ts      int64
			payload string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.OrderID, &e.Type, &ts, &payload, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		e.Payload, err = order.DecodePayload(e.Type, []byte(payload))
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
