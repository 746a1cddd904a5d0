package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateStandingOrder records a new replication rule. The search text must
// already be validated by the search compiler; the catalog stores it opaquely.
func (c *Catalog) CreateStandingOrder(ctx context.Context, o *StandingOrder) error {
	if o.Name == "" {
		return fmt.Errorf("%w: standing order name may not be empty", ErrBadRequest)
	}
	return c.withTx(ctx, fmt.Sprintf("create standing order %q", o.Name), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO standing_orders (name, search, conn_name) VALUES (?, ?, ?)`,
			o.Name, o.Search, o.ConnName)
		if err != nil {
			return err
		}
		o.ID, err = res.LastInsertId()
		return err
	})
}

// UpdateStandingOrder rewrites an order identified by its current name.
func (c *Catalog) UpdateStandingOrder(ctx context.Context, name string, o *StandingOrder) error {
	return c.withTx(ctx, fmt.Sprintf("update standing order %q", name), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE standing_orders SET name = ?, search = ?, conn_name = ? WHERE name = ?`,
			o.Name, o.Search, o.ConnName, name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no standing order named %q: %w", name, ErrNotFound)
		}
		return nil
	})
}

// DeleteStandingOrder removes an order by name.
func (c *Catalog) DeleteStandingOrder(ctx context.Context, name string) error {
	return c.withTx(ctx, fmt.Sprintf("delete standing order %q", name), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM standing_orders WHERE name = ?`, name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no standing order named %q: %w", name, ErrNotFound)
		}
		return nil
	})
}

// GetStandingOrder fetches one order by name.
func (c *Catalog) GetStandingOrder(ctx context.Context, name string) (*StandingOrder, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, name, search, conn_name FROM standing_orders WHERE name = ?`, name)
	var o StandingOrder
	if err := row.Scan(&o.ID, &o.Name, &o.Search, &o.ConnName); err != nil {
		return nil, wrapDBError(fmt.Sprintf("get standing order %q", name), err)
	}
	return &o, nil
}

// ListStandingOrders returns all orders in name order.
func (c *Catalog) ListStandingOrders(ctx context.Context) ([]StandingOrder, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, search, conn_name FROM standing_orders ORDER BY name`)
	if err != nil {
		return nil, wrapDBError("list standing orders", err)
	}
	defer rows.Close()

	var out []StandingOrder
	for rows.Next() {
		var o StandingOrder
		if err := rows.Scan(&o.ID, &o.Name, &o.Search, &o.ConnName); err != nil {
			return nil, wrapDBError("list standing orders", err)
		}
		out = append(out, o)
	}
	return out, wrapDBError("list standing orders", rows.Err())
}
