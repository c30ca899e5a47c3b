package storage

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"
)

const maxEmbeddingBackoff = time.Hour

// PendingMessages returns up to limit text messages that have no embedding
// yet, oldest first. Messages shorter than minLen runes are skipped, as are
// messages whose last embedding attempt failed and whose backoff has not
// elapsed.
func (s *Store) PendingMessages(ctx context.Context, minLen, limit int) ([]PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.content FROM messages m
		LEFT JOIN message_embeddings e ON e.message_id = m.id
		LEFT JOIN embedding_attempts a ON a.message_id = m.id
		WHERE e.message_id IS NULL
			AND m.is_media = 0
			AND length(trim(m.content)) >= ?
			AND (a.retry_after IS NULL OR a.retry_after <= ?)
		ORDER BY m.id ASC
		LIMIT ?`, minLen, time.Now().Unix(), limit,
	)
	if err != nil {
		return nil, fault("pending messages", err)
	}
	defer rows.Close()

	var out []PendingMessage
	for rows.Next() {
		var p PendingMessage
		if err := rows.Scan(&p.ID, &p.Content); err != nil {
			return nil, fault("pending messages", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("pending messages", err)
	}
	return out, nil
}

// PendingCount counts text messages of at least minLen runes without an
// embedding, including ones currently backing off.
func (s *Store) PendingCount(ctx context.Context, minLen int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		LEFT JOIN message_embeddings e ON e.message_id = m.id
		WHERE e.message_id IS NULL
			AND m.is_media = 0
			AND length(trim(m.content)) >= ?`, minLen,
	).Scan(&n)
	if err != nil {
		return 0, fault("pending count", err)
	}
	return n, nil
}

// RecordEmbeddingFailure notes a failed embedding attempt. The message stays
// pending but is not offered again until an exponential backoff
// (2^attempts seconds, at most an hour) has passed.
func (s *Store) RecordEmbeddingFailure(ctx context.Context, id int64, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault("record embedding failure", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts FROM embedding_attempts WHERE message_id = ?`, id).Scan(&attempts)
	if err != nil && !isNoRows(err) {
		return fault("record embedding failure", err)
	}
	attempts++

	backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if backoff > maxEmbeddingBackoff {
		backoff = maxEmbeddingBackoff
	}
	retryAfter := time.Now().Add(backoff).Unix()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO embedding_attempts (message_id, attempts, last_error, retry_after)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			retry_after = excluded.retry_after`,
		id, attempts, errMsg, retryAfter,
	); err != nil {
		return fault("record embedding failure", err)
	}
	return fault("record embedding failure", tx.Commit())
}

// EmbeddingAttempts returns how many times embedding id has failed.
func (s *Store) EmbeddingAttempts(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT attempts FROM embedding_attempts WHERE message_id = ?`, id).Scan(&n)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fault("embedding attempts", err)
	}
	return n, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
