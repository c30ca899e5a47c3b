package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/chatvault/internal/textutil"
)

const defaultSearchLimit = 100

const messageColumns = `id, message_id, origin_id, source_channel, target_channel, sender_id, sender_name,
	timestamp, content, original_content, source_language, target_language, is_media, media_kind, is_forwarded`

// Store persists a message and its hashtag/mention annotations and returns
// the assigned internal id.
func (s *Store) Store(ctx context.Context, m Message) (int64, error) {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault("store message", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, origin_id, source_channel, target_channel, sender_id, sender_name,
			timestamp, content, original_content, source_language, target_language, is_media, media_kind, is_forwarded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.OriginID, m.SourceChannel, m.TargetChannel, m.SenderID, m.SenderName,
		ts.Unix(), m.Content, m.OriginalContent, m.SourceLanguage, m.TargetLanguage,
		m.IsMedia, m.MediaKind, m.IsForwarded,
	)
	if err != nil {
		return 0, fault("store message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fault("store message", err)
	}

	for _, e := range textutil.TaggedEntities(m.Content) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_entities (message_id, kind, text) VALUES (?, ?, ?)`,
			id, e.Kind, e.Text,
		); err != nil {
			return 0, fault("store entities", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fault("store message", err)
	}

	if !m.IsMedia && strings.TrimSpace(m.Content) != "" {
		if err := s.text.add(id, m.Content); err != nil {
			s.logger.Warn("text index update failed", "message_id", id, "error", err)
		}
	}
	return id, nil
}

// Get returns a single message by internal id.
func (s *Store) Get(ctx context.Context, id int64) (Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return Message{}, fault("get message", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return Message{}, fault("get message", err)
	}
	if len(msgs) == 0 {
		return Message{}, ErrNotFound
	}
	return msgs[0], nil
}

// GetMany returns the messages with the given ids that also satisfy the
// non-text filters of c. The result is keyed by id; missing ids are absent.
func (s *Store) GetMany(ctx context.Context, ids []int64, c Criteria) (map[int64]Message, error) {
	out := make(map[int64]Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	where, args := c.filters()
	where = append(where, "is_media = 0", "id IN ("+placeholders(len(ids))+")")
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fault("get messages", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fault("get messages", err)
	}
	for _, m := range msgs {
		out[m.ID] = m
	}
	return out, nil
}

// Search returns messages matching c, newest first. Text is reduced to its
// key terms and a message matches when any one of them occurs in its
// content, original content or entity annotations. Media messages never
// match a text search.
func (s *Store) Search(ctx context.Context, c Criteria) ([]Message, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	text := strings.TrimSpace(c.Text)
	if c.Fuzzy && text != "" {
		return s.fuzzySearch(ctx, c, limit)
	}

	where, args := c.filters()
	if text != "" {
		clause, termArgs := termClause(textutil.KeyTerms(text))
		where = append(where, "is_media = 0", clause)
		args = append(args, termArgs...)
	}

	q := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fault("search", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fault("search", err)
	}
	return msgs, nil
}

func (s *Store) fuzzySearch(ctx context.Context, c Criteria, limit int) ([]Message, error) {
	ids, err := s.text.fuzzy(ctx, textutil.KeyTerms(c.Text), limit*5)
	if err != nil {
		return nil, fault("fuzzy search", err)
	}
	if len(ids) == 0 {
		return []Message{}, nil
	}

	where, args := c.filters()
	where = append(where, "is_media = 0", "id IN ("+placeholders(len(ids))+")")
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+
		strings.Join(where, " AND ")+` ORDER BY timestamp DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fault("fuzzy search", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fault("fuzzy search", err)
	}
	return msgs, nil
}

// Context returns up to before messages preceding and after messages
// following the message with the given id, both in ascending time order.
// An unknown id yields two empty slices.
func (s *Store) Context(ctx context.Context, id int64, before, after int, sameChannel bool) ([]Message, []Message, error) {
	anchor, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return []Message{}, []Message{}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	ts := anchor.Timestamp.Unix()
	channelClause := ""
	var channelArgs []any
	if sameChannel {
		channelClause = " AND source_channel = ?"
		channelArgs = []any{anchor.SourceChannel}
	}

	prev := []Message{}
	if before > 0 {
		args := append([]any{ts, ts, id}, channelArgs...)
		args = append(args, before)
		rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
			WHERE (timestamp < ? OR (timestamp = ? AND id < ?))`+channelClause+`
			ORDER BY timestamp DESC, id DESC LIMIT ?`, args...)
		if err != nil {
			return nil, nil, fault("context before", err)
		}
		if prev, err = scanMessages(rows); err != nil {
			return nil, nil, fault("context before", err)
		}
		for i, j := 0, len(prev)-1; i < j; i, j = i+1, j-1 {
			prev[i], prev[j] = prev[j], prev[i]
		}
	}

	next := []Message{}
	if after > 0 {
		args := append([]any{ts, ts, id}, channelArgs...)
		args = append(args, after)
		rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
			WHERE (timestamp > ? OR (timestamp = ? AND id > ?))`+channelClause+`
			ORDER BY timestamp ASC, id ASC LIMIT ?`, args...)
		if err != nil {
			return nil, nil, fault("context after", err)
		}
		if next, err = scanMessages(rows); err != nil {
			return nil, nil, fault("context after", err)
		}
	}

	return prev, next, nil
}

// Recent returns the newest messages, optionally restricted to a channel.
func (s *Store) Recent(ctx context.Context, channelID string, limit int) ([]Message, error) {
	return s.Search(ctx, Criteria{ChannelID: channelID, Limit: limit})
}

// Purge deletes every message older than olderThan together with its
// annotations, embedding and text-index entry. It returns the number of
// messages removed.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault("purge", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fault("purge", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fault("purge", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fault("purge", err)
	}
	rows.Close()

	for _, table := range []string{"message_entities", "message_embeddings", "embedding_attempts"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE message_id IN (SELECT id FROM messages WHERE timestamp < ?)`, cutoff,
		); err != nil {
			return 0, fault("purge "+table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fault("purge messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault("purge messages", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fault("purge", err)
	}

	if err := s.text.remove(ids); err != nil {
		s.logger.Warn("text index purge failed", "count", len(ids), "error", err)
	}
	return n, nil
}

// Clear wipes the whole archive.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault("clear", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"message_entities", "message_embeddings", "embedding_attempts", "messages"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fault("clear "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault("clear", err)
	}
	if err := s.text.reset(); err != nil {
		return fault("clear text index", err)
	}
	return nil
}

// Stats summarizes archive contents.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(timestamp), MAX(timestamp),
			(SELECT COUNT(DISTINCT source_channel) FROM messages),
			(SELECT COUNT(*) FROM message_embeddings),
			(SELECT COUNT(*) FROM message_entities)
		FROM messages`,
	).Scan(&st.Messages, &oldest, &newest, &st.Channels, &st.Embedded, &st.Entities)
	if err != nil {
		return Stats{}, fault("stats", err)
	}
	if oldest.Valid {
		st.Oldest = time.Unix(oldest.Int64, 0).UTC()
	}
	if newest.Valid {
		st.Newest = time.Unix(newest.Int64, 0).UTC()
	}
	if st.Migrations, err = s.AppliedMigrations(); err != nil {
		return Stats{}, fault("stats", err)
	}
	return st, nil
}

// filters renders the non-text criteria as SQL predicates.
func (c Criteria) filters() ([]string, []any) {
	var where []string
	var args []any
	if c.ChannelID != "" {
		where = append(where, "(source_channel = ? OR target_channel = ?)")
		args = append(args, c.ChannelID, c.ChannelID)
	}
	if c.Sender != "" {
		where = append(where, `(lower(sender_name) LIKE ? ESCAPE '\' OR sender_id = ?)`)
		args = append(args, likePattern(c.Sender), c.Sender)
	}
	if !c.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, c.Since.Unix())
	}
	if !c.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, c.Until.Unix())
	}
	return where, args
}

func termClause(terms []string) (string, []any) {
	parts := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms)*3)
	for _, term := range terms {
		p := likePattern(term)
		parts = append(parts, `lower(content) LIKE ? ESCAPE '\'`,
			`lower(original_content) LIKE ? ESCAPE '\'`,
			`id IN (SELECT message_id FROM message_entities WHERE lower(text) LIKE ? ESCAPE '\')`)
		args = append(args, p, p, p)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}

func placeholders(n int) string {
	return "?" + strings.Repeat(",?", n-1)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	msgs := []Message{}
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.MessageID, &m.OriginID, &m.SourceChannel, &m.TargetChannel,
			&m.SenderID, &m.SenderName, &ts, &m.Content, &m.OriginalContent, &m.SourceLanguage,
			&m.TargetLanguage, &m.IsMedia, &m.MediaKind, &m.IsForwarded); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
