package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatvault/internal/config"
	"github.com/kalambet/chatvault/internal/ollama"
	"github.com/kalambet/chatvault/internal/pipeline"
	"github.com/kalambet/chatvault/internal/search"
	"github.com/kalambet/chatvault/internal/storage"
)

// --- ingest ---

// messageRecord is one line of ingest input.
type messageRecord struct {
	MessageID       string    `json:"message_id"`
	OriginID        string    `json:"origin_id"`
	SourceChannel   string    `json:"source_channel"`
	TargetChannel   string    `json:"target_channel"`
	SenderID        string    `json:"sender_id"`
	SenderName      string    `json:"sender_name"`
	Timestamp       time.Time `json:"timestamp"`
	Content         string    `json:"content"`
	OriginalContent string    `json:"original_content"`
	SourceLanguage  string    `json:"source_language"`
	TargetLanguage  string    `json:"target_language"`
	IsMedia         bool      `json:"is_media"`
	MediaKind       string    `json:"media_kind"`
	IsForwarded     bool      `json:"is_forwarded"`
}

func (r messageRecord) message() storage.Message {
	return storage.Message{
		MessageID:       r.MessageID,
		OriginID:        r.OriginID,
		SourceChannel:   r.SourceChannel,
		TargetChannel:   r.TargetChannel,
		SenderID:        r.SenderID,
		SenderName:      r.SenderName,
		Timestamp:       r.Timestamp,
		Content:         r.Content,
		OriginalContent: r.OriginalContent,
		SourceLanguage:  r.SourceLanguage,
		TargetLanguage:  r.TargetLanguage,
		IsMedia:         r.IsMedia,
		MediaKind:       r.MediaKind,
		IsForwarded:     r.IsForwarded,
	}
}

type messageIngestor interface {
	Ingest(ctx context.Context, m storage.Message) (int64, error)
}

// ingestLines archives one JSON message per line of r. Blank lines are
// skipped; a malformed line stops the run.
func ingestLines(ctx context.Context, ing messageIngestor, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n, line := 0, 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var rec messageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := ing.Ingest(ctx, rec.message()); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("reading input: %w", err)
	}
	return n, nil
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Archive chat messages",
	Long: `Archive chat messages.

Input is one JSON object per line with fields such as source_channel,
sender_name, timestamp and content.

Examples:
  chatvault ingest --file export.jsonl
  cat export.jsonl | chatvault ingest
  chatvault ingest --text "deploy is done" --channel ops --sender Alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		channel, _ := cmd.Flags().GetString("channel")
		sender, _ := cmd.Flags().GetString("sender")
		file, _ := cmd.Flags().GetString("file")

		return withApp(cmd.Context(), func(a *app) error {
			if text != "" {
				if channel == "" {
					return errors.New("--channel is required with --text")
				}
				id, err := a.ingestor.Ingest(cmd.Context(), storage.Message{
					SourceChannel: channel,
					SenderID:      sender,
					SenderName:    sender,
					Content:       text,
				})
				if err != nil {
					return err
				}
				printSuccess("Archived message %d", id)
				return nil
			}

			in := io.Reader(os.Stdin)
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("opening input: %w", err)
				}
				defer f.Close()
				in = f
			}
			n, err := ingestLines(cmd.Context(), a.ingestor, in)
			if n > 0 {
				printSuccess("Archived %d message%s", n, plural(n))
			}
			return err
		})
	},
}

func init() {
	ingestCmd.Flags().String("file", "", "JSON-lines file to read (default: stdin)")
	ingestCmd.Flags().String("text", "", "archive a single message with this content")
	ingestCmd.Flags().String("channel", "", "channel for --text")
	ingestCmd.Flags().String("sender", "", "sender name for --text")
}

// --- search ---

func printResults(w io.Writer, results []search.Result, now time.Time) {
	for i, r := range results {
		sender := r.SenderName
		if sender == "" {
			sender = r.SenderID
		}
		tag := string(r.MatchType)
		if r.Score > 0 {
			tag = fmt.Sprintf("%s %.2f", tag, r.Score)
		}
		fmt.Fprintf(w, "%2d. [%s] %s in %s, %s\n", i+1, colorize(colorCyan, tag),
			colorize(colorBold, sender), r.SourceChannel, relative(r.Timestamp, now))
		fmt.Fprintf(w, "    %s\n", r.Content)
	}
}

func printMetadata(w io.Writer, meta search.Metadata) {
	strategies := make([]string, len(meta.Strategies))
	for i, s := range meta.Strategies {
		strategies[i] = string(s)
	}
	fmt.Fprintf(w, "strategies: %s (%s)\n", strings.Join(strategies, ", "), meta.Duration.Round(time.Millisecond))
	if len(meta.Expansions) > 0 {
		fmt.Fprintf(w, "expansions: %s\n", strings.Join(meta.Expansions, ", "))
	}
	if meta.ExpansionDegraded {
		fmt.Fprintln(w, "expansions: offline fallback")
	}
	if meta.EmbeddingsUnavailable {
		fmt.Fprintln(w, "embeddings: unavailable")
	}
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the archive",
	Long: `Search the archive.

Time phrases such as "yesterday", "last week" or "past 3 days" become
filters on the message timestamp.

Examples:
  chatvault search "release checklist"
  chatvault search "what did Bob say about the budget last week" --channel finance`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		sender, _ := cmd.Flags().GetString("sender")
		limit, _ := cmd.Flags().GetInt("limit")
		deep, _ := cmd.Flags().GetBool("deep")
		verbose, _ := cmd.Flags().GetBool("verbose")

		return withApp(cmd.Context(), func(a *app) error {
			now := time.Now()
			q := search.ParseQuery(strings.Join(args, " "), now)
			q.ChannelID = channel
			q.Sender = sender
			q.Limit = limit
			if deep || a.cfg.Search.EntityEnrichment {
				q.Strategies = append(slices.Clone(search.DefaultStrategies), search.StrategyEntity)
				q.DeepEnrichment = deep
			}

			results, meta, err := a.engine.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				printWarning("No messages found")
			}
			printResults(os.Stdout, results, now)
			if verbose {
				printMetadata(os.Stderr, meta)
			}
			return nil
		})
	},
}

func init() {
	searchCmd.Flags().String("channel", "", "only messages in this channel")
	searchCmd.Flags().String("sender", "", "only messages from this sender")
	searchCmd.Flags().Int("limit", 0, "maximum number of results (default: search.default_limit)")
	searchCmd.Flags().Bool("deep", false, "follow related entities two hops")
	searchCmd.Flags().BoolP("verbose", "v", false, "print search metadata")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the archive",
	Long: `Ask a question about the archive.

Questions from the same --as user in the same --in channel form a
conversation, so follow-ups like "what about last week?" keep the
earlier subject.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _ := cmd.Flags().GetString("in")
		as, _ := cmd.Flags().GetString("as")
		channel, _ := cmd.Flags().GetString("channel")
		sender, _ := cmd.Flags().GetString("sender")

		return withApp(cmd.Context(), func(a *app) error {
			ans, err := a.answerer.Ask(cmd.Context(), pipeline.Request{
				Channel:       in,
				User:          as,
				Text:          strings.Join(args, " "),
				ChannelFilter: channel,
				Sender:        sender,
			})
			if err != nil {
				return err
			}
			fmt.Println(ans.Text)
			if debug {
				printStatus("Query", "%q", ans.Query.Text)
				printStatus("Results", "%d (cached %v, follow-up %v)", len(ans.Results), ans.Cached, ans.FollowUp)
				printStatus("Took", "%s", ans.Duration.Round(time.Millisecond))
			}
			return nil
		})
	},
}

func init() {
	askCmd.Flags().String("in", "cli", "conversation channel")
	askCmd.Flags().String("as", currentUser(), "conversation user")
	askCmd.Flags().String("channel", "", "only search messages in this channel")
	askCmd.Flags().String("sender", "", "only search messages from this sender")
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// --- backfill ---

type batchRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// drain runs batches until the queue is empty or a batch makes no
// progress, and returns the number of messages taken.
func drain(ctx context.Context, w batchRunner, pending func() int) (int, error) {
	total := 0
	for {
		before := pending()
		n, err := w.RunOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 || pending() >= before {
			return total, nil
		}
	}
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Generate embeddings for archived messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		reembed, _ := cmd.Flags().GetBool("reembed")
		ctx := cmd.Context()

		return withApp(ctx, func(a *app) error {
			if a.ollama != nil {
				ready := ollama.Check(ctx, a.ollama, a.cfg.Ollama.EmbedModel)
				if !ready.Ready() {
					ready.Report(os.Stderr, a.cfg.Ollama.BaseURL, a.cfg.Ollama.EmbedModel)
					return errors.New("embedding model not available")
				}
			}
			if reembed {
				n, err := a.index.ResetStale(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					printStep("Re-embedding %d message%s from previous models", n, plural(int(n)))
				}
			}
			if watch {
				printStep("Embedding new messages as they arrive (Ctrl-C to stop)")
				a.worker.Run(ctx)
				return nil
			}

			pending := func() int {
				n, err := a.index.PendingCount(ctx)
				if err != nil {
					return 0
				}
				return n
			}
			printStep("Embedding %d pending messages with %s", pending(), a.index.ModelID())
			n, err := drain(ctx, a.worker, pending)
			if err != nil {
				return err
			}
			if left := pending(); left > 0 {
				printWarning("Processed %d, %d still pending after failures", n, left)
				return nil
			}
			printSuccess("Processed %d message%s", n, plural(n))
			return nil
		})
	},
}

func init() {
	backfillCmd.Flags().Bool("watch", false, "keep running and poll for new messages")
	backfillCmd.Flags().Bool("reembed", false, "re-embed messages whose vectors came from another model")
}

// --- purge / clear ---

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete messages older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		return withApp(cmd.Context(), func(a *app) error {
			if days <= 0 {
				days = a.cfg.Storage.RetentionDays
			}
			if days <= 0 {
				return errors.New("no retention period: pass --days or set storage.retention_days")
			}
			cutoff := time.Now().AddDate(0, 0, -days)
			n, err := a.store.Purge(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			swept, err := a.sessions.Sweep()
			if err != nil {
				printWarning("sweeping sessions: %v", err)
			}
			printSuccess("Deleted %d message%s older than %s, %d expired session%s",
				n, plural(int(n)), cutoff.Format("2006-01-02"), swept, plural(swept))
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every archived message, embedding and session",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL archived data. Use --confirm to proceed.")
			return nil
		}
		return withApp(cmd.Context(), func(a *app) error {
			printStep("Deleting messages...")
			if err := a.store.Clear(cmd.Context()); err != nil {
				return err
			}
			printStep("Deleting sessions...")
			if err := a.sessions.ClearAll(); err != nil {
				return err
			}
			printSuccess("Archive cleared")
			return nil
		})
	},
}

func init() {
	purgeCmd.Flags().Int("days", 0, "retention in days (default: storage.retention_days)")
	clearCmd.Flags().Bool("confirm", false, "confirm deletion")
}

// --- stats / status ---

func printStats(w io.Writer, st storage.Stats, pending int, model string) {
	fmt.Fprintf(w, "  %s %d\n", colorize(colorBold, "Messages:"), st.Messages)
	fmt.Fprintf(w, "  %s %d (%s), %d pending\n", colorize(colorBold, "Embedded:"), st.Embedded, model, pending)
	fmt.Fprintf(w, "  %s %d\n", colorize(colorBold, "Channels:"), st.Channels)
	fmt.Fprintf(w, "  %s %d\n", colorize(colorBold, "Entities:"), st.Entities)
	if st.Messages > 0 {
		fmt.Fprintf(w, "  %s %s to %s\n", colorize(colorBold, "Range:"),
			st.Oldest.Local().Format("2006-01-02 15:04"), st.Newest.Local().Format("2006-01-02 15:04"))
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			st, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := a.index.PendingCount(cmd.Context())
			if err != nil {
				return err
			}
			printStats(os.Stdout, st, pending, a.index.ModelID())
			fmt.Printf("  %s %d\n", colorize(colorBold, "Sessions:"), a.sessions.Len())
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Ollama and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printStatus("Version", "%s", version)
		printStatus("Data", "%s", cfg.Storage.DataDir)
		printStatus("Config", "%s", config.FilePath())
		if !cfg.Ollama.Enabled {
			printStatus("Ollama", "disabled, using local embeddings")
			return nil
		}
		client := ollama.New(cfg.Ollama.BaseURL)
		ready := ollama.Check(cmd.Context(), client, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel)
		ready.Report(os.Stdout, cfg.Ollama.BaseURL, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel)
		if !ready.Ready() {
			printWarning("Search still works; answers and embeddings are degraded")
		}
		return nil
	},
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or clear conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active conversation sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			list := a.sessions.List()
			if len(list) == 0 {
				printWarning("No active sessions")
				return nil
			}
			now := time.Now()
			for _, s := range list {
				fmt.Printf("  %s/%s  %d exchange%s, last active %s",
					colorize(colorBold, s.Channel), s.User, s.Depth, plural(s.Depth), relative(s.LastActivity, now))
				if s.Summary.Theme != "" {
					fmt.Printf(", theme %q", s.Summary.Theme)
				}
				fmt.Println()
			}
			return nil
		})
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear [<channel> <user>]",
	Short: "Forget one conversation, or all with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withApp(cmd.Context(), func(a *app) error {
			if all {
				if err := a.sessions.ClearAll(); err != nil {
					return err
				}
				printSuccess("All sessions cleared")
				return nil
			}
			if err := a.sessions.Clear(args[0], args[1]); err != nil {
				return err
			}
			printSuccess("Session %s/%s cleared", args[0], args[1])
			return nil
		})
	},
}

func init() {
	sessionsClearCmd.Flags().Bool("all", false, "clear every session")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(config.FilePath(), key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
