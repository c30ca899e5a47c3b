package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	textField       = "content"
	reindexBatch    = 500
	maxFuzzyResults = 1000
)

// textIndex is the edit-distance index over message content. It is derived
// from the messages table and can always be rebuilt from it.
type textIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	path  string // empty for an in-memory index
}

type textDoc struct {
	Content string `json:"content"`
}

func openTextIndex(path string) (*textIndex, error) {
	idx, err := newBleveIndex(path)
	if err != nil {
		return nil, err
	}
	return &textIndex{index: idx, path: path}, nil
}

func newBleveIndex(path string) (bleve.Index, error) {
	if path == "" {
		return bleve.NewMemOnly(bleve.NewIndexMapping())
	}
	idx, err := bleve.Open(path)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return bleve.New(path, bleve.NewIndexMapping())
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (t *textIndex) add(id int64, content string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.Index(docID(id), textDoc{Content: content})
}

func (t *textIndex) addBatch(msgs []Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	batch := t.index.NewBatch()
	for _, m := range msgs {
		if err := batch.Index(docID(m.ID), textDoc{Content: m.Content}); err != nil {
			return err
		}
	}
	return t.index.Batch(batch)
}

func (t *textIndex) remove(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	batch := t.index.NewBatch()
	for _, id := range ids {
		batch.Delete(docID(id))
	}
	return t.index.Batch(batch)
}

func (t *textIndex) count() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.DocCount()
}

// fuzzy returns ids of documents containing a term within a small edit
// distance of any of terms, best match first.
func (t *textIndex) fuzzy(ctx context.Context, terms []string, size int) ([]int64, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	if size <= 0 || size > maxFuzzyResults {
		size = maxFuzzyResults
	}

	disjuncts := make([]query.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetField(textField)
		fq.SetFuzziness(fuzzinessFor(term))
		disjuncts = append(disjuncts, fq)
	}
	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(disjuncts...), size, 0, false)

	t.mu.RLock()
	res, err := t.index.SearchInContext(ctx, req)
	t.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func fuzzinessFor(term string) int {
	if utf8.RuneCountInString(term) >= 6 {
		return 2
	}
	return 1
}

// reset drops every document by recreating the index.
func (t *textIndex) reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.index.Close(); err != nil {
		return err
	}
	if t.path != "" {
		if err := os.RemoveAll(t.path); err != nil {
			return err
		}
	}
	idx, err := newBleveIndex(t.path)
	if err != nil {
		return err
	}
	t.index = idx
	return nil
}

func (t *textIndex) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index.Close()
}

// rebuildTextIndexIfEmpty repopulates the text index from the messages
// table, for instance after the index directory was deleted.
func (s *Store) rebuildTextIndexIfEmpty(ctx context.Context) error {
	n, err := s.text.count()
	if err != nil {
		return fault("count text index", err)
	}
	if n > 0 {
		return nil
	}
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE is_media = 0").Scan(&total); err != nil {
		return fault("count messages", err)
	}
	if total == 0 {
		return nil
	}
	s.logger.Info("rebuilding text index", "messages", total)
	return s.Reindex(ctx)
}

// Reindex rebuilds the fuzzy text index from the archive.
func (s *Store) Reindex(ctx context.Context) error {
	if err := s.text.reset(); err != nil {
		return fault("reset text index", err)
	}
	var lastID int64
	for {
		rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
			WHERE is_media = 0 AND id > ? ORDER BY id ASC LIMIT ?`, lastID, reindexBatch)
		if err != nil {
			return fault("reindex", err)
		}
		batch, err := scanMessages(rows)
		if err != nil {
			return fault("reindex", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := s.text.addBatch(batch); err != nil {
			return fault("reindex", err)
		}
		lastID = batch[len(batch)-1].ID
	}
}
