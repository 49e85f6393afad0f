package storage

import (
	"context"
	"strings"
	"time"

	"segcast/internal/broadcast"
)

// Audience resolution. Queries are read-only and deterministic for an
// unchanged directory: fixed ORDER BY id, banned recipients excluded
// unconditionally.

func (s *Store) ResolveAudience(ctx context.Context, f broadcast.Filters) ([]int64, error) {
	query, args := audienceQuery("r.id", f)
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY r.id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) CountAudience(ctx context.Context, f broadcast.Filters) (int, error) {
	query, args := audienceQuery("COUNT(*)", f)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// audienceQuery builds the SELECT for a normalized filter. The order-count
// subquery joins in only when an order-based condition is present.
func audienceQuery(selectExpr string, f broadcast.Filters) (string, []any) {
	var (
		b     strings.Builder
		args  []any
		conds = []string{"r.is_banned = 0"}
	)

	b.WriteString("SELECT ")
	b.WriteString(selectExpr)
	b.WriteString(" FROM recipients r")

	if !f.All {
		needOrders := f.HasOrders || f.NoOrders || f.MinOrders > 0
		if needOrders {
			b.WriteString(` LEFT JOIN (
				SELECT recipient_id, COUNT(*) AS n FROM orders GROUP BY recipient_id
			) o ON o.recipient_id = r.id`)
			if f.HasOrders {
				conds = append(conds, "o.n > 0")
			} else if f.NoOrders {
				conds = append(conds, "o.n IS NULL")
			}
			if f.MinOrders > 0 {
				conds = append(conds, "COALESCE(o.n, 0) >= ?")
				args = append(args, f.MinOrders)
			}
		}
		if f.ActiveDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -f.ActiveDays)
			conds = append(conds, "r.last_active_at >= ?")
			args = append(args, cutoff.UnixMilli())
		}
		if !f.RegisteredAfter.IsZero() {
			conds = append(conds, "r.created_at >= ?")
			args = append(args, f.RegisteredAfter.UnixMilli())
		}
	}

	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(conds, " AND "))
	return b.String(), args
}

// ---- directory maintenance ----

// UpsertRecipient registers or refreshes a directory entry. The banned flag
// is managed separately via MarkBanned.
func (s *Store) UpsertRecipient(ctx context.Context, id int64, username, fullName string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, username, full_name, created_at, last_active_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		     username = excluded.username,
		     full_name = excluded.full_name,
		     last_active_at = excluded.last_active_at`,
		id, nullStr(username), nullStr(fullName), now, now)
	return err
}

// TouchActivity bumps the recipient's last-activity timestamp.
func (s *Store) TouchActivity(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET last_active_at = ? WHERE id = ?`,
		nullMillis(at), id)
	return err
}

func (s *Store) MarkBanned(ctx context.Context, id int64, banned bool) error {
	v := 0
	if banned {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE recipients SET is_banned = ? WHERE id = ?`, v, id)
	return err
}

// RecordOrder appends one order for the recipient.
func (s *Store) RecordOrder(ctx context.Context, recipientID int64, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders(recipient_id, created_at) VALUES(?,?)`,
		recipientID, at.UnixMilli())
	return err
}
