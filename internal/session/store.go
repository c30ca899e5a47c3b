// Package session keeps short-lived conversation state per (channel, user)
// so follow-up questions can be answered in context. Each session is one
// JSON document on disk.
package session

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/chatvault/internal/textutil"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options tunes a Store. Zero values select defaults.
type Options struct {
	MaxHistory  int
	Expiry      time.Duration
	MaxTopics   int
	MaxEntities int
	MaxSessions int
	// RecentCap bounds the recent query and category lists.
	RecentCap int
	Clock     Clock
	Logger    *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxHistory <= 0 {
		o.MaxHistory = 20
	}
	if o.Expiry <= 0 {
		o.Expiry = 24 * time.Hour
	}
	if o.MaxTopics <= 0 {
		o.MaxTopics = 20
	}
	if o.MaxEntities <= 0 {
		o.MaxEntities = 30
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 1000
	}
	if o.RecentCap <= 0 {
		o.RecentCap = 5
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// topicsPerTurn bounds the topics extracted from a single turn.
const topicsPerTurn = 5

// entry guards one session. last and removed are readable without mu so
// the store-wide lock never waits on a busy session; removed stops a writer
// holding a stale entry from recreating its file.
type entry struct {
	channel string
	user    string
	last    atomic.Int64 // LastActivity in unix nanoseconds
	removed atomic.Bool

	mu sync.Mutex
	s  Session
}

func newEntry(sess Session) *entry {
	e := &entry{channel: sess.Channel, user: sess.User, s: sess}
	e.last.Store(sess.LastActivity.UnixNano())
	return e
}

func (e *entry) lastActivity() time.Time {
	return time.Unix(0, e.last.Load())
}

// drop marks e removed and deletes its file. Callers hold s.mu.
func (s *Store) drop(k string, e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed.Store(true)
	delete(s.sessions, k)
	return s.removeFile(e.channel, e.user)
}

// Store holds conversation sessions in memory and mirrors each one to a
// file under dir. Operations on different keys never contend.
type Store struct {
	dir    string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// Open loads every session document in dir, deleting the ones that have
// expired. dir is created if missing.
func Open(dir string, opts Options) (*Store, error) {
	opts.setDefaults()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*entry),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	now := s.opts.Clock.Now()
	expired := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable session", "path", path, "error", err)
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("skipping corrupt session", "path", path, "error", err)
			continue
		}
		if s.expired(sess, now) {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("removing expired session: %w", err)
			}
			expired++
			continue
		}
		if want := s.path(sess.Channel, sess.User); path != want {
			if err := s.persist(sess); err != nil {
				return err
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("removing renamed session: %w", err)
			}
		}
		s.sessions[key(sess.Channel, sess.User)] = newEntry(sess)
	}
	if expired > 0 {
		s.logger.Info("dropped expired sessions", "count", expired)
	}
	return s.enforceLimit()
}

func (s *Store) expired(sess Session, now time.Time) bool {
	return now.Sub(sess.LastActivity) > s.opts.Expiry
}

func (s *Store) entryExpired(e *entry, now time.Time) bool {
	return now.Sub(e.lastActivity()) > s.opts.Expiry
}

// lookup returns the live entry for a key, optionally creating it. An
// expired entry is discarded and replaced.
func (s *Store) lookup(channel, user string, create bool) *entry {
	k := key(channel, user)
	now := s.opts.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[k]; ok {
		if !s.entryExpired(e, now) {
			return e
		}
		if err := s.drop(k, e); err != nil {
			s.logger.Warn("removing expired session", "channel", channel, "user", user, "error", err)
		}
	}
	if !create {
		return nil
	}
	e := newEntry(Session{
		ID:           uuid.New().String(),
		Channel:      channel,
		User:         user,
		Turns:        []Turn{},
		CreatedAt:    now,
		LastActivity: now,
	})
	s.sessions[k] = e
	return e
}

// GetOrCreate returns a copy of the session for (channel, user), starting
// a new one when none exists or the old one has expired.
func (s *Store) GetOrCreate(channel, user string) Session {
	e := s.lookup(channel, user, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone()
}

// AppendTurn adds turn to the session, folds its topics and entities into
// the rolling summary, trims history and persists the session. Turns with
// no topics or entities get them extracted from the content.
func (s *Store) AppendTurn(channel, user string, turn Turn) error {
	if turn.Role != RoleUser && turn.Role != RoleAssistant {
		return fmt.Errorf("invalid turn role %q", turn.Role)
	}
	now := s.opts.Clock.Now()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	if turn.Topics == nil {
		turn.Topics = extractTopics(turn.Content)
	}
	if turn.Entities == nil {
		turn.Entities = extractEntities(turn.Content)
	}
	turn.Topics = slices.Clone(turn.Topics)
	turn.Entities = slices.Clone(turn.Entities)

	for {
		e := s.lookup(channel, user, true)
		e.mu.Lock()
		if e.removed.Load() {
			e.mu.Unlock()
			continue
		}
		s.apply(&e.s, turn, now)
		e.last.Store(now.UnixNano())
		err := s.persist(e.s)
		e.mu.Unlock()
		if err != nil {
			return err
		}
		break
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enforceLimit()
}

func (s *Store) apply(sess *Session, turn Turn, now time.Time) {
	sess.Turns = append(sess.Turns, turn)
	if over := len(sess.Turns) - s.opts.MaxHistory; over > 0 {
		sess.Turns = slices.Delete(sess.Turns, 0, over)
	}

	sess.Summary.Topics = unionCap(sess.Summary.Topics, turn.Topics, s.opts.MaxTopics)
	sess.Summary.Entities = unionCap(sess.Summary.Entities, turn.Entities, s.opts.MaxEntities)
	sess.Summary.Theme = theme(sess.Turns)
	sess.Summary.UpdatedAt = now

	if turn.Role == RoleUser {
		sess.Depth++
		sess.RecentQueries = appendCap(sess.RecentQueries, turn.Content, s.opts.RecentCap)
		if len(turn.Topics) > 0 && (len(sess.TopicThread) == 0 || sess.TopicThread[len(sess.TopicThread)-1] != turn.Topics[0]) {
			sess.TopicThread = appendCap(sess.TopicThread, turn.Topics[0], s.opts.RecentCap)
		}
	}
	if turn.Category != "" {
		sess.RecentCategories = appendCap(sess.RecentCategories, turn.Category, s.opts.RecentCap)
	}
	sess.LastActivity = now
}

// History returns the most recent max turns in chronological order; max
// <= 0 returns all of them. An unknown session has no history.
func (s *Store) History(channel, user string, max int) []Turn {
	e := s.lookup(channel, user, false)
	if e == nil {
		return []Turn{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	turns := e.s.clone().Turns
	if max > 0 && len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	return turns
}

// RichContext bundles recent turns, the summary and session metadata.
func (s *Store) RichContext(channel, user string, max int) Context {
	e := s.lookup(channel, user, false)
	if e == nil {
		return Context{Channel: channel, User: user}
	}
	e.mu.Lock()
	sess := e.s.clone()
	e.mu.Unlock()

	turns := sess.Turns
	if max > 0 && len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	return Context{
		Channel:       channel,
		User:          user,
		Turns:         turns,
		Summary:       sess.Summary,
		Exchanges:     sess.Depth,
		Age:           s.opts.Clock.Now().Sub(sess.CreatedAt),
		LongHistory:   sess.Depth > longHistoryDepth,
		TopicThread:   sess.TopicThread,
		RecentQueries: sess.RecentQueries,
	}
}

// Clear forgets one session and deletes its file.
func (s *Store) Clear(channel, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(channel, user)
	if e, ok := s.sessions[k]; ok {
		return s.drop(k, e)
	}
	return s.removeFile(channel, user)
}

// ClearAll forgets every session and deletes all session files.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.sessions {
		if err := s.drop(k, e); err != nil {
			return err
		}
	}
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing session file: %w", err)
		}
	}
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Store) Sweep() (int, error) {
	now := s.opts.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.sessions {
		if !s.entryExpired(e, now) {
			continue
		}
		if err := s.drop(k, e); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Info("swept expired sessions", "count", n)
	}
	return n, nil
}

// Len reports the number of sessions held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// List returns copies of all sessions, most recently active first.
func (s *Store) List() []Session {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.clone())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Session) int {
		return b.LastActivity.Compare(a.LastActivity)
	})
	return out
}

// enforceLimit removes the least recently active sessions beyond
// MaxSessions. Callers hold s.mu.
func (s *Store) enforceLimit() error {
	over := len(s.sessions) - s.opts.MaxSessions
	if over <= 0 {
		return nil
	}
	type aged struct {
		key  string
		e    *entry
		last int64
	}
	all := make([]aged, 0, len(s.sessions))
	for k, e := range s.sessions {
		all = append(all, aged{key: k, e: e, last: e.last.Load()})
	}
	slices.SortFunc(all, func(a, b aged) int { return cmp.Compare(a.last, b.last) })
	for _, a := range all[:over] {
		if err := s.drop(a.key, a.e); err != nil {
			return err
		}
	}
	s.logger.Debug("evicted idle sessions", "count", over)
	return nil
}

// persist writes sess atomically through a temp file and rename.
func (s *Store) persist(sess Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	path := s.path(sess.Channel, sess.User)
	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing session: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (s *Store) removeFile(channel, user string) error {
	err := os.Remove(s.path(channel, user))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}

// path is the document for (channel, user). Each part is escaped so that
// distinct keys never share a file, including on case-insensitive file
// systems; "_" only ever appears as the separator.
func (s *Store) path(channel, user string) string {
	return filepath.Join(s.dir, escapeName(channel)+"_"+escapeName(user)+".json")
}

// escapeName keeps lowercase letters, digits and '-' and writes every other
// byte as %XX.
func escapeName(part string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(part); i++ {
		c := part[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0xF])
	}
	return b.String()
}

func key(channel, user string) string {
	return channel + "\x00" + user
}

func extractTopics(content string) []string {
	topics := []string{}
	for _, t := range textutil.KeyTerms(content) {
		// KeyTerms falls back to the raw text when it finds nothing; that
		// fallback is not a topic.
		if toks := textutil.Tokenize(t); len(toks) != 1 || toks[0] != t || textutil.IsStopWord(t) {
			continue
		}
		topics = append(topics, t)
		if len(topics) == topicsPerTurn {
			break
		}
	}
	return topics
}

func extractEntities(content string) []string {
	out := textutil.SalientTokens(content)
	for _, e := range textutil.TaggedEntities(content) {
		if e.Kind == textutil.KindMention {
			out = append(out, "@"+e.Text)
		}
	}
	if out == nil {
		return []string{}
	}
	return out
}

// unionCap merges add into have, moving repeated values to the end, and
// keeps the last max values.
func unionCap(have, add []string, max int) []string {
	out := slices.Clone(have)
	for _, v := range add {
		if i := slices.Index(out, v); i >= 0 {
			out = slices.Delete(out, i, i+1)
		}
		out = append(out, v)
	}
	if len(out) > max {
		out = slices.Delete(out, 0, len(out)-max)
	}
	return out
}

func appendCap(list []string, v string, max int) []string {
	list = append(list, v)
	if len(list) > max {
		list = slices.Delete(list, 0, len(list)-max)
	}
	return list
}

// theme is the topic mentioned in the most retained turns; ties go to the
// most recent.
func theme(turns []Turn) string {
	counts := make(map[string]int)
	best, bestN := "", 0
	for _, t := range turns {
		for _, topic := range t.Topics {
			counts[topic]++
			if counts[topic] >= bestN {
				best, bestN = topic, counts[topic]
			}
		}
	}
	return best
}
