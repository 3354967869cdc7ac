package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	erTooManyConnections = 1040
	erDuplicateEntry     = 1062
	erLockWaitTimeout    = 1205
	erLockDeadlock       = 1213
)

type MySQLAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, now: time.Now}
}

// classify maps driver errors onto the store error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case erTooManyConnections, erLockWaitTimeout, erLockDeadlock:
			return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreBusy, err)
		case erDuplicateEntry:
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == erDuplicateEntry
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return classify("migrate", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return classify("ping", m.db.PingContext(ctx))
}

// SetInventory creates or replaces an inventory line, used for on-boarding.
func (m *MySQLAdapter) SetInventory(ctx context.Context, inventoryID string, available int) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (inventory_id, available, version) VALUES (?, ?, 0)
		ON DUPLICATE KEY UPDATE available = VALUES(available), version = version + 1, updated_at = NOW(6)`,
		inventoryID, available,
	)
	return classify("set inventory", err)
}

func (m *MySQLAdapter) GetInventory(ctx context.Context, inventoryID string) (*domain.InventoryLine, error) {
	var line domain.InventoryLine
	err := m.db.QueryRowContext(ctx, `
		SELECT inventory_id, available, version, created_at, updated_at
		FROM inventory WHERE inventory_id = ?`, inventoryID,
	).Scan(&line.InventoryID, &line.Available, &line.Version, &line.CreatedAt, &line.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInventoryNotFound, inventoryID)
	}
	if err != nil {
		return nil, classify("query inventory", err)
	}

	return &line, nil
}

func (m *MySQLAdapter) PersistInventoryLine(ctx context.Context, line domain.InventoryLine, expectedVersion int64, hold domain.Hold) (bool, error) {
	if line.Available < 0 {
		return false, domain.ErrInsufficientStock
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify("begin tx", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET available = ?, version = version + 1, updated_at = NOW(6)
		WHERE inventory_id = ? AND version = ?`,
		line.Available, line.InventoryID, expectedVersion,
	)
	if err != nil {
		return false, classify("update inventory", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, classify("update inventory", err)
	}
	if rows == 0 {
		return false, nil
	}

	if hold.OrderID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_holds (order_id, inventory_id, quantity, version, released, created_at)
			VALUES (?, ?, ?, ?, FALSE, ?)`,
			hold.OrderID, hold.InventoryID, hold.Quantity, expectedVersion+1, hold.CreatedAt,
		)
		if isDuplicate(err) {
			return false, domain.ErrHoldExists
		}
		if err != nil {
			return false, classify("insert hold", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, classify("commit", err)
	}
	return true, nil
}

func (m *MySQLAdapter) GetHold(ctx context.Context, orderID, inventoryID string) (*domain.Hold, error) {
	var hold domain.Hold
	err := m.db.QueryRowContext(ctx, `
		SELECT order_id, inventory_id, quantity, version, released, created_at
		FROM inventory_holds WHERE order_id = ? AND inventory_id = ?`, orderID, inventoryID,
	).Scan(&hold.OrderID, &hold.InventoryID, &hold.Quantity, &hold.Version, &hold.Released, &hold.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("query hold", err)
	}
	return &hold, nil
}

func (m *MySQLAdapter) ReleaseHold(ctx context.Context, orderID, inventoryID string) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify("begin tx", err)
	}
	defer tx.Rollback()

	var quantity int
	err = tx.QueryRowContext(ctx, `
		SELECT quantity FROM inventory_holds
		WHERE order_id = ? AND inventory_id = ? AND released = FALSE
		FOR UPDATE`, orderID, inventoryID,
	).Scan(&quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("lock hold", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET available = available + ?, version = version + 1, updated_at = NOW(6)
		WHERE inventory_id = ?`, quantity, inventoryID,
	); err != nil {
		return false, classify("restore inventory", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory_holds SET released = TRUE, released_at = ?
		WHERE order_id = ? AND inventory_id = ?`, m.now(), orderID, inventoryID,
	); err != nil {
		return false, classify("release hold", err)
	}

	if err := tx.Commit(); err != nil {
		return false, classify("commit", err)
	}
	return true, nil
}

func (m *MySQLAdapter) ListOrphanedHolds(ctx context.Context, limit int) ([]domain.Hold, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT h.order_id, h.inventory_id, h.quantity, h.version, h.released, h.created_at
		FROM inventory_holds h
		JOIN orders o ON o.order_id = h.order_id
		WHERE h.released = FALSE AND o.status = ?
		ORDER BY h.created_at
		LIMIT ?`, domain.StateExpired, limit,
	)
	if err != nil {
		return nil, classify("query orphaned holds", err)
	}
	defer rows.Close()

	var holds []domain.Hold
	for rows.Next() {
		var hold domain.Hold
		if err := rows.Scan(&hold.OrderID, &hold.InventoryID, &hold.Quantity, &hold.Version, &hold.Released, &hold.CreatedAt); err != nil {
			return nil, classify("scan hold", err)
		}
		holds = append(holds, hold)
	}
	return holds, classify("iterate holds", rows.Err())
}

func (m *MySQLAdapter) PersistOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, customer_id, status, created_at, last_transition_at)
		VALUES (?, ?, ?, ?, ?)`,
		order.ID, order.CustomerID, order.Status, order.CreatedAt, order.LastTransitionAt,
	)
	if err != nil {
		return classify("insert order", err)
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, inventory_id, product_id, cart_item_id, quantity)
			VALUES (?, ?, ?, ?, ?)`,
			order.ID, item.InventoryID, item.ProductID, item.CartItemID, item.Quantity,
		)
		if err != nil {
			return classify("insert order item", err)
		}
	}

	return classify("commit", tx.Commit())
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := m.db.QueryRowContext(ctx, `
		SELECT order_id, customer_id, status, created_at, last_transition_at
		FROM orders WHERE order_id = ?`, orderID,
	).Scan(&order.ID, &order.CustomerID, &order.Status, &order.CreatedAt, &order.LastTransitionAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, classify("query order", err)
	}
	return &order, nil
}

func (m *MySQLAdapter) GetOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT order_id, product_id, inventory_id, cart_item_id, quantity
		FROM order_items WHERE order_id = ?`, orderID,
	)
	if err != nil {
		return nil, classify("query order items", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.OrderID, &item.ProductID, &item.InventoryID, &item.CartItemID, &item.Quantity); err != nil {
			return nil, classify("scan order item", err)
		}
		items = append(items, item)
	}
	return items, classify("iterate order items", rows.Err())
}

func (m *MySQLAdapter) UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderState, at time.Time) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, last_transition_at = ?
		WHERE order_id = ? AND status = ?`,
		to, at, orderID, from,
	)
	if err != nil {
		return false, classify("update order status", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, classify("update order status", err)
	}
	return rows == 1, nil
}

func (m *MySQLAdapter) ListOrders(ctx context.Context, status domain.OrderState, olderThan time.Time, after domain.OrderCursor, limit int) ([]domain.Order, error) {
	query := `
		SELECT order_id, customer_id, status, created_at, last_transition_at
		FROM orders
		WHERE status = ? AND last_transition_at < ?`
	args := []any{status, olderThan}
	if !after.IsZero() {
		query += ` AND (last_transition_at > ? OR (last_transition_at = ? AND order_id > ?))`
		args = append(args, after.LastTransitionAt, after.LastTransitionAt, after.OrderID)
	}
	query += ` ORDER BY last_transition_at, order_id LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query orders", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(&order.ID, &order.CustomerID, &order.Status, &order.CreatedAt, &order.LastTransitionAt); err != nil {
			return nil, classify("scan order", err)
		}
		orders = append(orders, order)
	}
	return orders, classify("iterate orders", rows.Err())
}

func (m *MySQLAdapter) AppendOutcome(ctx context.Context, record domain.OutcomeRecord) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO reservation_outcomes (order_id, inventory_id, quantity, outcome, cache_admitted, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.OrderID, record.InventoryID, record.Quantity, record.Outcome, record.CacheAdmitted, record.RecordedAt,
	)
	return classify("append outcome", err)
}

func (m *MySQLAdapter) ListOutcomes(ctx context.Context, orderID string) ([]domain.OutcomeRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, order_id, inventory_id, quantity, outcome, cache_admitted, recorded_at
		FROM reservation_outcomes WHERE order_id = ? ORDER BY id`, orderID,
	)
	if err != nil {
		return nil, classify("query outcomes", err)
	}
	defer rows.Close()

	var records []domain.OutcomeRecord
	for rows.Next() {
		var rec domain.OutcomeRecord
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.InventoryID, &rec.Quantity, &rec.Outcome, &rec.CacheAdmitted, &rec.RecordedAt); err != nil {
			return nil, classify("scan outcome", err)
		}
		records = append(records, rec)
	}
	return records, classify("iterate outcomes", rows.Err())
}
