package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kalambet/chatvault/internal/storage"
)

// Record is one stored message embedding.
type Record struct {
	MessageID int64
	Vector    []float32
	Model     string
	CreatedAt time.Time
}

// SQLiteStore keeps one embedding per message in the archive database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The message_embeddings table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Store writes the embedding for a message, replacing any previous one, and
// clears its failed-attempt record.
func (s *SQLiteStore) Store(ctx context.Context, messageID int64, vec []float32, model string) error {
	return s.StoreBatch(ctx, []Record{{MessageID: messageID, Vector: vec, Model: model}})
}

// StoreBatch writes several embeddings in one transaction.
func (s *SQLiteStore) StoreBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO message_embeddings (message_id, embedding, model, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			embedding = excluded.embedding,
			model = excluded.model,
			created_at = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer upsert.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := upsert.ExecContext(ctx, r.MessageID, encodeFloat32s(r.Vector), r.Model, createdAt.Unix()); err != nil {
			return fmt.Errorf("inserting embedding for message %d: %w", r.MessageID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM embedding_attempts WHERE message_id = ?`, r.MessageID); err != nil {
			return fmt.Errorf("clearing attempts for message %d: %w", r.MessageID, err)
		}
	}

	return tx.Commit()
}

// Get returns the embedding of a message, or storage.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, messageID int64) (Record, error) {
	var r Record
	var blob []byte
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, embedding, model, created_at FROM message_embeddings WHERE message_id = ?`, messageID,
	).Scan(&r.MessageID, &blob, &r.Model, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, storage.ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("querying embedding %d: %w", messageID, err)
	}
	if r.Vector, err = decodeFloat32s(blob); err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %d: %w", messageID, err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return r, nil
}

// All streams every stored embedding to fn in message id order. The Vector
// passed to fn is reused between calls and must be copied if retained.
// Iteration stops at the first error returned by fn. The scan holds the
// archive's only connection, so fn must not query the database.
func (s *SQLiteStore) All(ctx context.Context, fn func(Record) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, embedding, model, created_at FROM message_embeddings ORDER BY message_id ASC`)
	if err != nil {
		return fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var r Record
		var blob []byte
		var createdAt int64
		if err := rows.Scan(&r.MessageID, &blob, &r.Model, &createdAt); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return fmt.Errorf("decoding embedding for %d: %w", r.MessageID, err)
		}
		r.Vector = buf
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of stored embeddings.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM message_embeddings").Scan(&count)
	return count, err
}

// DeleteOtherModels removes embeddings not produced by model, returning
// their messages to the pending queue.
func (s *SQLiteStore) DeleteOtherModels(ctx context.Context, model string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM message_embeddings WHERE model <> ?", model)
	if err != nil {
		return 0, fmt.Errorf("deleting stale embeddings: %w", err)
	}
	return res.RowsAffected()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
