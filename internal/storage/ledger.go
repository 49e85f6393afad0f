package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"segcast/internal/broadcast"
	"segcast/internal/transport"
)

// errorLogMax bounds the stored error log per campaign. Failures beyond the
// cap are still counted in failed_count, only the per-recipient rows stop.
const errorLogMax = 200

func (s *Store) CreateCampaign(ctx context.Context, c broadcast.Campaign) (int64, error) {
	buttons, err := encodeButtons(c.Buttons)
	if err != nil {
		return 0, err
	}
	filters, err := json.Marshal(c.Filters)
	if err != nil {
		return 0, err
	}

	var mediaKind, mediaRef string
	if c.Media != nil {
		mediaKind = string(c.Media.Kind)
		mediaRef = c.Media.Ref
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := c.Status
	if status == "" {
		status = broadcast.StatusPending
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(text, media_kind, media_ref, buttons, filters, status,
		                       total_target, sent_count, success_count, failed_count,
		                       created_by, created_at)
		 VALUES(?,?,?,?,?,?,?,0,0,0,?,?)`,
		c.Text, nullStr(mediaKind), nullStr(mediaRef), nullStr(string(buttons)), string(filters),
		string(status), c.TotalTarget, c.CreatedBy, toMillis(createdAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const campaignColumns = `id, text, media_kind, media_ref, buttons, filters, status,
	total_target, sent_count, success_count, failed_count,
	COALESCE(created_by, 0), created_at, COALESCE(completed_at, 0)`

func (s *Store) Campaign(ctx context.Context, id int64) (broadcast.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return broadcast.Campaign{}, broadcast.ErrNotFound
	}
	return c, err
}

func (s *Store) Campaigns(ctx context.Context, limit, offset int) ([]broadcast.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[broadcast.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM campaigns GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[broadcast.Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[broadcast.Status(st)] = n
	}
	return out, rows.Err()
}

// Transition enforces the campaign state machine. The status guard in the
// UPDATE makes the check-and-set atomic; completed_at is written in the same
// statement for terminal transitions and never overwritten.
func (s *Store) Transition(ctx context.Context, id int64, to broadcast.Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", broadcast.ErrBadTransition, to)
	}

	var cur string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&cur)
	if err == sql.ErrNoRows {
		return broadcast.ErrNotFound
	}
	if err != nil {
		return err
	}
	from := broadcast.Status(cur)
	if !broadcast.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", broadcast.ErrBadTransition, from, to)
	}

	var res sql.Result
	if to.Terminal() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE campaigns SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
			string(to), time.Now().UnixMilli(), id, cur)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE campaigns SET status = ? WHERE id = ? AND status = ?`,
			string(to), id, cur)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s -> %s (status changed concurrently)", broadcast.ErrBadTransition, from, to)
	}
	return nil
}

// Begin starts delivery: pending -> in_progress with total_target refreshed
// to the freshly resolved audience size. The directory may have changed since
// the campaign was created; the run-start resolution is authoritative, and
// folding the refresh into the guarded UPDATE keeps it atomic with the
// transition.
func (s *Store) Begin(ctx context.Context, id int64, total int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, total_target = ? WHERE id = ? AND status = ?`,
		string(broadcast.StatusInProgress), total, id, string(broadcast.StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		var cur string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&cur)
		if err == sql.ErrNoRows {
			return broadcast.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", broadcast.ErrBadTransition, cur, broadcast.StatusInProgress)
	}
	return nil
}

func (s *Store) Increment(ctx context.Context, id int64, sent, success, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns
		 SET sent_count = sent_count + ?, success_count = success_count + ?, failed_count = failed_count + ?
		 WHERE id = ?`,
		sent, success, failed, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return broadcast.ErrNotFound
	}
	return nil
}

func (s *Store) AppendError(ctx context.Context, id, recipientID int64, reason string) error {
	// Bound the stored log; the single-writer discipline makes the
	// count-then-insert race-free per campaign.
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_errors WHERE campaign_id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n >= errorLogMax {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_errors(campaign_id, recipient_id, reason, at) VALUES(?,?,?,?)`,
		id, recipientID, reason, time.Now().UnixMilli())
	return err
}

func (s *Store) CampaignErrors(ctx context.Context, id int64, limit int) ([]broadcast.DeliveryError, error) {
	if limit <= 0 {
		limit = errorLogMax
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, reason, at FROM campaign_errors
		 WHERE campaign_id = ? ORDER BY id LIMIT ?`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.DeliveryError
	for rows.Next() {
		var e broadcast.DeliveryError
		var ms int64
		if err := rows.Scan(&e.RecipientID, &e.Reason, &ms); err != nil {
			return nil, err
		}
		e.At = fromMillis(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PruneCampaignErrors(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM campaign_errors WHERE campaign_id IN (
		     SELECT id FROM campaigns
		     WHERE status IN ('completed','failed','cancelled') AND completed_at < ?
		 )`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (broadcast.Campaign, error) {
	var (
		c                    broadcast.Campaign
		mediaKind, mediaRef  sql.NullString
		buttons, filters     sql.NullString
		status               string
		createdMS, completed int64
	)
	err := r.Scan(&c.ID, &c.Text, &mediaKind, &mediaRef, &buttons, &filters, &status,
		&c.TotalTarget, &c.SentCount, &c.SuccessCount, &c.FailedCount,
		&c.CreatedBy, &createdMS, &completed)
	if err != nil {
		return broadcast.Campaign{}, err
	}

	c.Status = broadcast.Status(status)
	c.CreatedAt = fromMillis(createdMS)
	c.CompletedAt = fromMillis(completed)

	if mediaKind.Valid && mediaKind.String != "" {
		c.Media = &transport.Media{Kind: transport.MediaKind(mediaKind.String), Ref: mediaRef.String}
	}
	if buttons.Valid && buttons.String != "" {
		rows, err := decodeButtons([]byte(buttons.String))
		if err != nil {
			return broadcast.Campaign{}, fmt.Errorf("campaign %d: bad buttons json: %w", c.ID, err)
		}
		c.Buttons = rows
	}
	if filters.Valid && filters.String != "" {
		if err := json.Unmarshal([]byte(filters.String), &c.Filters); err != nil {
			return broadcast.Campaign{}, fmt.Errorf("campaign %d: bad filters json: %w", c.ID, err)
		}
	}
	return c, nil
}

type buttonJSON struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
	Data  string `json:"data,omitempty"`
}

func encodeButtons(rows [][]transport.Button) ([]byte, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([][]buttonJSON, len(rows))
	for i, row := range rows {
		out[i] = make([]buttonJSON, len(row))
		for j, b := range row {
			out[i][j] = buttonJSON{Label: b.Label, URL: b.URL, Data: b.CallbackData}
		}
	}
	return json.Marshal(out)
}

func decodeButtons(b []byte) ([][]transport.Button, error) {
	var in [][]buttonJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, err
	}
	out := make([][]transport.Button, len(in))
	for i, row := range in {
		out[i] = make([]transport.Button, len(row))
		for j, b := range row {
			out[i][j] = transport.Button{Label: b.Label, URL: b.URL, CallbackData: b.Data}
		}
	}
	return out, nil
}
