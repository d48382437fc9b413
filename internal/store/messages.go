package store

import (
	"context"
	"fmt"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/capturelog"
)

// Mirror inserts log entries in one transaction. Rows whose dedup key is
// already present are skipped.
func (s *Store) Mirror(ctx context.Context, entries []capturelog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		_, err = tx.Exec(ctx, `
			INSERT INTO captured_messages
				(id, dedup_key, service_id, url, role, content, external_id, conversation_id, source, captured_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
			ON CONFLICT (dedup_key) DO NOTHING`,
			e.ID, e.Key(), e.ServiceID, e.URL, string(e.Role), e.Content,
			e.ExternalID, e.ConversationID, string(e.Source), e.CapturedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CountMessages returns the number of mirrored messages for serviceID, or
// for all services when serviceID is empty.
func (s *Store) CountMessages(ctx context.Context, serviceID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM captured_messages
		WHERE $1 = '' OR service_id = $1`, serviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Recent returns the newest entries for serviceID, newest first.
func (s *Store) Recent(ctx context.Context, serviceID string, limit int) ([]capturelog.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, service_id, coalesce(url, ''), role, content,
		       coalesce(external_id, ''), coalesce(conversation_id, ''), source, captured_at
		FROM captured_messages
		WHERE service_id = $1
		ORDER BY captured_at DESC
		LIMIT $2`, serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []capturelog.Entry
	for rows.Next() {
		var e capturelog.Entry
		var role, source string
		if err := rows.Scan(&e.ID, &e.ServiceID, &e.URL, &role, &e.Content,
			&e.ExternalID, &e.ConversationID, &source, &e.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		e.Role = capture.Role(role)
		e.Source = capture.Source(source)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
