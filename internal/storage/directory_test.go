package storage

import (
	"context"
	"testing"
	"time"

	"segcast/internal/broadcast"
)

// seedRecipient inserts a directory row with full control over timestamps.
func seedRecipient(t *testing.T, st *Store, id int64, banned bool, createdAt, lastActive time.Time) {
	t.Helper()
	b := 0
	if banned {
		b = 1
	}
	_, err := st.db.Exec(
		`INSERT INTO recipients(id, username, full_name, is_banned, created_at, last_active_at)
		 VALUES(?,?,?,?,?,?)`,
		id, nil, nil, b, createdAt.UnixMilli(), lastActive.UnixMilli())
	if err != nil {
		t.Fatalf("seed recipient %d: %v", id, err)
	}
}

func seedDirectory(t *testing.T, st *Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	// 1: old, inactive, no orders
	seedRecipient(t, st, 1, false, now.AddDate(0, -6, 0), now.AddDate(0, -3, 0))
	// 2: recent, active, one order
	seedRecipient(t, st, 2, false, now.AddDate(0, 0, -10), now.Add(-time.Hour))
	// 3: old, active, three orders
	seedRecipient(t, st, 3, false, now.AddDate(-1, 0, 0), now.Add(-time.Minute))
	// 4: banned, active, with orders -- must never appear
	seedRecipient(t, st, 4, true, now.AddDate(0, 0, -5), now)
	// 5: recent, inactive, no orders
	seedRecipient(t, st, 5, false, now.AddDate(0, 0, -2), now.AddDate(0, -2, 0))

	orders := map[int64]int{2: 1, 3: 3, 4: 2}
	for rid, n := range orders {
		for i := 0; i < n; i++ {
			if err := st.RecordOrder(ctx, rid, now.Add(-time.Duration(i)*time.Hour)); err != nil {
				t.Fatalf("RecordOrder(%d): %v", rid, err)
			}
		}
	}
}

func resolve(t *testing.T, st *Store, f broadcast.Filters) []int64 {
	t.Helper()
	got, err := st.ResolveAudience(context.Background(), f)
	if err != nil {
		t.Fatalf("ResolveAudience(%+v): %v", f, err)
	}
	return got
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestResolveAudienceFilters(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	seedDirectory(t, st)
	now := time.Now()

	cases := []struct {
		name string
		f    broadcast.Filters
		want []int64
	}{
		{"all excludes banned", broadcast.Filters{All: true}, []int64{1, 2, 3, 5}},
		{"has orders", broadcast.Filters{HasOrders: true}, []int64{2, 3}},
		{"no orders", broadcast.Filters{NoOrders: true}, []int64{1, 5}},
		{"min orders", broadcast.Filters{MinOrders: 2}, []int64{3}},
		{"active last week", broadcast.Filters{ActiveDays: 7}, []int64{2, 3}},
		{"registered after", broadcast.Filters{RegisteredAfter: now.AddDate(0, 0, -30)}, []int64{2, 5}},
		{"combined", broadcast.Filters{HasOrders: true, ActiveDays: 7, RegisteredAfter: now.AddDate(0, 0, -30)}, []int64{2}},
		{"min orders nobody", broadcast.Filters{MinOrders: 10}, nil},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := resolve(t, st, tc.f)
			if !equalIDs(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}

			n, err := st.CountAudience(context.Background(), tc.f)
			if err != nil {
				t.Fatalf("CountAudience: %v", err)
			}
			if n != len(tc.want) {
				t.Fatalf("count = %d, want %d", n, len(tc.want))
			}
		})
	}
}

func TestResolveAudienceDeterministic(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	seedDirectory(t, st)

	f := broadcast.Filters{All: true}
	first := resolve(t, st, f)
	for i := 0; i < 5; i++ {
		if got := resolve(t, st, f); !equalIDs(got, first) {
			t.Fatalf("resolution not stable: %v vs %v", got, first)
		}
	}
	for i := 1; i < len(first); i++ {
		if first[i-1] >= first[i] {
			t.Fatalf("ids not in ascending order: %v", first)
		}
	}
}

func TestDirectoryMaintenance(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertRecipient(ctx, 100, "alice", "Alice A"); err != nil {
		t.Fatalf("UpsertRecipient: %v", err)
	}
	if got := resolve(t, st, broadcast.Filters{All: true}); !equalIDs(got, []int64{100}) {
		t.Fatalf("after upsert: %v", got)
	}

	// Upsert is idempotent on the id.
	if err := st.UpsertRecipient(ctx, 100, "alice2", "Alice A"); err != nil {
		t.Fatalf("UpsertRecipient again: %v", err)
	}
	if n, _ := st.CountAudience(ctx, broadcast.Filters{All: true}); n != 1 {
		t.Fatalf("count after re-upsert = %d, want 1", n)
	}

	if err := st.MarkBanned(ctx, 100, true); err != nil {
		t.Fatalf("MarkBanned: %v", err)
	}
	if got := resolve(t, st, broadcast.Filters{All: true}); len(got) != 0 {
		t.Fatalf("banned recipient still resolves: %v", got)
	}
	if err := st.MarkBanned(ctx, 100, false); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if n, _ := st.CountAudience(ctx, broadcast.Filters{All: true}); n != 1 {
		t.Fatalf("count after unban = %d, want 1", n)
	}

	// Activity touch moves the recipient into the active window.
	if err := st.TouchActivity(ctx, 100, time.Now().AddDate(0, 0, -40)); err != nil {
		t.Fatalf("TouchActivity: %v", err)
	}
	if got := resolve(t, st, broadcast.Filters{ActiveDays: 7}); len(got) != 0 {
		t.Fatalf("stale recipient counted active: %v", got)
	}
	if err := st.TouchActivity(ctx, 100, time.Now()); err != nil {
		t.Fatalf("TouchActivity: %v", err)
	}
	if got := resolve(t, st, broadcast.Filters{ActiveDays: 7}); !equalIDs(got, []int64{100}) {
		t.Fatalf("fresh recipient missing: %v", got)
	}
}
