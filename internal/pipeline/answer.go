// Package pipeline runs a question through the whole retrieval flow:
// conversation context, result cache, search engine, answer synthesis and
// turn recording.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/chatvault/internal/cache"
	"github.com/kalambet/chatvault/internal/composer"
	"github.com/kalambet/chatvault/internal/search"
	"github.com/kalambet/chatvault/internal/session"
	"github.com/kalambet/chatvault/internal/textutil"
)

// ErrEmptyQuestion is returned for a blank question.
var ErrEmptyQuestion = errors.New("empty question")

// Searcher runs retrieval queries.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Result, search.Metadata, error)
}

// Synthesizer writes a natural-language answer from search results.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, results []search.Result, conv session.Context) (string, error)
}

// Sessions is the slice of the session store the pipeline needs.
type Sessions interface {
	RichContext(channel, user string, max int) session.Context
	AppendTurn(channel, user string, turn session.Turn) error
}

// Cached is what the result cache holds per query.
type Cached struct {
	Results []search.Result
	Meta    search.Metadata
}

// Options tunes an Answerer. Zero values select defaults.
type Options struct {
	// HistoryTurns is how many recent turns are handed to synthesis.
	HistoryTurns   int
	Limit          int
	Strategies     []search.Strategy
	DeepEnrichment bool
	Logger         *slog.Logger
	Now            func() time.Time
}

// Request is one question from a user in a channel.
type Request struct {
	Channel string
	User    string
	Text    string
	// ChannelFilter and Sender narrow the archive search.
	ChannelFilter string
	Sender        string
}

// Answer is the outcome of Ask.
type Answer struct {
	Text        string
	Query       search.Query
	Results     []search.Result
	Meta        search.Metadata
	Cached      bool
	Synthesized bool
	FollowUp    bool
	Duration    time.Duration
}

// Answerer orchestrates a question end to end. The cache and synthesizer
// are optional; without a synthesizer answers are rendered as plain text.
type Answerer struct {
	searcher Searcher
	sessions Sessions
	cache    *cache.Cache[Cached]
	synth    Synthesizer
	opts     Options
	logger   *slog.Logger
}

// NewAnswerer creates an Answerer. results and synth may be nil.
func NewAnswerer(searcher Searcher, sessions Sessions, results *cache.Cache[Cached], synth Synthesizer, opts Options) *Answerer {
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Answerer{
		searcher: searcher,
		sessions: sessions,
		cache:    results,
		synth:    synth,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Ask answers req.Text:
//  1. Load the conversation context and fold a follow-up into the query
//  2. Serve results from the cache, or search and cache them
//  3. Synthesize an answer, falling back to a plain listing
//  4. Record the question and answer as session turns
//
// Only retrieval failures and cancellation are returned as errors.
func (a *Answerer) Ask(ctx context.Context, req Request) (Answer, error) {
	start := a.opts.Now()
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Answer{}, ErrEmptyQuestion
	}

	conv := a.sessions.RichContext(req.Channel, req.User, a.opts.HistoryTurns)

	q := search.ParseQuery(text, start)
	q.ChannelID = req.ChannelFilter
	q.Sender = req.Sender
	q.Limit = a.opts.Limit
	q.Strategies = a.opts.Strategies
	q.DeepEnrichment = a.opts.DeepEnrichment

	out := Answer{}
	if !conv.Empty() && session.IsFollowUp(text) {
		q.Text = foldFollowUp(q.Text, conv, start)
		out.FollowUp = true
	}
	out.Query = q

	key := cacheKey(q)
	if hit, ok := a.lookup(key); ok {
		out.Results, out.Meta, out.Cached = hit.Results, hit.Meta, true
	} else {
		results, meta, err := a.searcher.Search(ctx, q)
		if err != nil {
			return Answer{}, fmt.Errorf("searching archive: %w", err)
		}
		out.Results, out.Meta = results, meta
		if a.cache != nil {
			a.cache.Put(key, Cached{Results: results, Meta: meta})
		}
	}

	if a.synth != nil {
		answer, err := a.synth.Synthesize(ctx, text, out.Results, conv)
		switch {
		case err == nil:
			out.Text, out.Synthesized = answer, true
		case ctx.Err() != nil:
			return Answer{}, ctx.Err()
		default:
			a.logger.Warn("synthesis failed, answering with plain listing", "error", err)
		}
	}
	if !out.Synthesized {
		out.Text = composer.Fallback(text, out.Results, start)
	}

	a.record(req, text, out)
	out.Duration = a.opts.Now().Sub(start)

	a.logger.Debug("question answered",
		"channel", req.Channel,
		"user", req.User,
		"results", len(out.Results),
		"cached", out.Cached,
		"synthesized", out.Synthesized,
		"follow_up", out.FollowUp,
	)
	return out, nil
}

func (a *Answerer) lookup(key string) (Cached, bool) {
	if a.cache == nil {
		return Cached{}, false
	}
	return a.cache.Get(key)
}

// record appends the question and the answer to the session. Failures are
// logged; the caller still gets its answer.
func (a *Answerer) record(req Request, question string, out Answer) {
	category := "search"
	if out.FollowUp {
		category = "follow_up"
	}
	n := len(out.Results)
	turns := []session.Turn{
		{Role: session.RoleUser, Content: question, Category: category},
		{Role: session.RoleAssistant, Content: out.Text, ResultCount: &n},
	}
	for _, t := range turns {
		if err := a.sessions.AppendTurn(req.Channel, req.User, t); err != nil {
			a.logger.Warn("recording session turn", "channel", req.Channel, "user", req.User, "error", err)
			return
		}
	}
}

// foldFollowUp combines the new question's own terms with the previous
// question so "and yesterday?" or "what about Acme?" keep their subject.
func foldFollowUp(text string, conv session.Context, now time.Time) string {
	if len(conv.RecentQueries) == 0 {
		return text
	}
	prev := search.ParseQuery(conv.RecentQueries[len(conv.RecentQueries)-1], now).Text
	if prev == "" {
		return text
	}
	terms := ownTerms(text)
	if len(terms) == 0 {
		return prev
	}
	return strings.Join(terms, " ") + " OR " + prev
}

// ownTerms is the key terms of text, without the whole-text fallback.
func ownTerms(text string) []string {
	var out []string
	for _, t := range textutil.KeyTerms(text) {
		if toks := textutil.Tokenize(t); len(toks) == 1 && toks[0] == t && !textutil.IsStopWord(t) {
			out = append(out, t)
		}
	}
	return out
}

func cacheKey(q search.Query) string {
	strategies := make([]string, len(q.Strategies))
	for i, s := range q.Strategies {
		strategies[i] = string(s)
	}
	slices.Sort(strategies)
	// The OR separator is case-sensitive, so the text is keyed by its groups
	// rather than lowercased whole.
	groups := search.Groups(q.Text)
	for i, g := range groups {
		groups[i] = textutil.Collapse(g)
	}
	return cache.Key(strings.Join(groups, "\x1f"),
		q.ChannelID,
		strings.ToLower(q.Sender),
		minuteKey(q.Since),
		minuteKey(q.Until),
		strconv.Itoa(q.Limit),
		strings.Join(strategies, ","),
		strconv.FormatBool(q.DeepEnrichment),
	)
}

// minuteKey coarsens a bound to the minute so relative periods such as
// "last 3 days" can hit the cache.
func minuteKey(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Truncate(time.Minute).Unix(), 10)
}
