package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/wb-go/wbf/retry"

	"github.com/voicetel/order-notifier/internal/config"
	"github.com/voicetel/order-notifier/internal/models"
)

const (
	metaBillingPhone = "_billing_phone"
	metaFirstName    = "_billing_first_name"
	metaLastName     = "_billing_last_name"
	metaCustomerUser = "_customer_user"
	metaOrderTotal   = "_order_total"
)

func ConnectWooCommerce(ctx context.Context, cfg config.WooCommerceConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	strategy := retry.Strategy{Attempts: 3, Delay: time.Second, Backoff: 2}
	err = retry.DoContext(ctx, strategy, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// WooCommerce reads orders (legacy post storage) and CartFlows abandoned
// carts from a WordPress database.
type WooCommerce struct {
	db          *sql.DB
	prefix      string
	trackingKey string
}

func NewWooCommerce(db *sql.DB, prefix, trackingMetaKey string) *WooCommerce {
	if prefix == "" {
		prefix = "wp_"
	}
	return &WooCommerce{db: db, prefix: prefix, trackingKey: trackingMetaKey}
}

func (w *WooCommerce) orderQuery(where string) string {
	return fmt.Sprintf(`
		SELECT
			p.ID,
			p.post_type,
			p.post_status,
			p.post_date_gmt,
			p.post_modified_gmt,
			COALESCE(MAX(CASE WHEN m.meta_key = ? THEN m.meta_value END), '') AS billing_phone,
			COALESCE(MAX(CASE WHEN m.meta_key = ? THEN m.meta_value END), '') AS first_name,
			COALESCE(MAX(CASE WHEN m.meta_key = ? THEN m.meta_value END), '') AS last_name,
			COALESCE(MAX(CASE WHEN m.meta_key = ? THEN m.meta_value END), '0') AS customer_user,
			COALESCE(MAX(CASE WHEN m.meta_key = ? THEN m.meta_value END), '') AS order_total,
			COALESCE(MAX(CASE WHEN m.meta_key = ? THEN m.meta_value END), '') AS tracking_number
		FROM %[1]sposts p
		LEFT JOIN %[1]spostmeta m ON m.post_id = p.ID
		WHERE p.post_type = 'shop_order'
			AND %[2]s
		GROUP BY p.ID, p.post_type, p.post_status, p.post_date_gmt, p.post_modified_gmt
		ORDER BY p.ID ASC
	`, w.prefix, where)
}

func (w *WooCommerce) metaArgs() []any {
	return []any{metaBillingPhone, metaFirstName, metaLastName, metaCustomerUser, metaOrderTotal, w.trackingKey}
}

func (w *WooCommerce) OrdersByStatus(ctx context.Context, statuses ...string) ([]models.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := w.metaArgs()
	for _, s := range statuses {
		args = append(args, "wc-"+strings.TrimPrefix(s, "wc-"))
	}

	rows, err := w.db.QueryContext(ctx, w.orderQuery("p.post_status IN ("+placeholders+")"), args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (w *WooCommerce) OrdersWithTracking(ctx context.Context, metaKey string) ([]models.Order, error) {
	where := fmt.Sprintf(`p.post_status <> 'trash'
			AND EXISTS (
				SELECT 1 FROM %spostmeta t
				WHERE t.post_id = p.ID AND t.meta_key = ? AND t.meta_value <> ''
			)`, w.prefix)
	args := append(w.metaArgs(), metaKey)

	rows, err := w.db.QueryContext(ctx, w.orderQuery(where), args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (w *WooCommerce) Order(ctx context.Context, id int64) (*models.Order, error) {
	args := append(w.metaArgs(), id)
	rows, err := w.db.QueryContext(ctx, w.orderQuery("p.ID = ?"), args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return &orders[0], nil
}

func (w *WooCommerce) OrderMeta(ctx context.Context, id int64, key string) (string, error) {
	query := fmt.Sprintf(`SELECT meta_value FROM %spostmeta WHERE post_id = ? AND meta_key = ? ORDER BY meta_id DESC LIMIT 1`, w.prefix)
	var value sql.NullString
	err := w.db.QueryRowContext(ctx, query, id, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	return value.String, nil
}

func (w *WooCommerce) AbandonedCarts(ctx context.Context, olderThan time.Time) ([]models.Cart, error) {
	query := fmt.Sprintf(`
		SELECT
			c.id,
			c.email,
			COALESCE(c.cart_total, ''),
			COALESCE(c.other_fields, ''),
			c.time,
			COALESCE(u.ID, 0)
		FROM %[1]scartflows_ca_cart_abandonment c
		LEFT JOIN %[1]susers u ON u.user_email = c.email
		WHERE c.order_status = 'abandoned'
			AND c.unsubscribed = 0
			AND c.time <= ?
		ORDER BY c.time ASC, c.id ASC
	`, w.prefix)

	rows, err := w.db.QueryContext(ctx, query, olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var carts []models.Cart
	for rows.Next() {
		var (
			c     models.Cart
			other string
		)
		if err := rows.Scan(&c.ID, &c.Email, &c.CartTotal, &other, &c.Time, &c.CustomerID); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		// An undecodable row keeps an empty phone and is reported as no_phone.
		c.Phone, c.FirstName, _ = cartContact(other)
		carts = append(carts, c)
	}

	return carts, rows.Err()
}

func scanOrders(rows *sql.Rows) ([]models.Order, error) {
	var orders []models.Order

	for rows.Next() {
		var (
			o        models.Order
			customer string
		)
		err := rows.Scan(
			&o.ID,
			&o.Type,
			&o.Status,
			&o.CreatedAt,
			&o.ModifiedAt,
			&o.BillingPhone,
			&o.FirstName,
			&o.LastName,
			&customer,
			&o.Total,
			&o.TrackingNumber,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		o.Status = strings.TrimPrefix(o.Status, "wc-")
		o.CustomerID, _ = strconv.ParseInt(customer, 10, 64)
		orders = append(orders, o)
	}

	return orders, rows.Err()
}
