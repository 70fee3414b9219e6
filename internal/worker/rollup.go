package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/loreweaver/loreweaver/config"
	"github.com/loreweaver/loreweaver/internal/state"
	"github.com/loreweaver/loreweaver/internal/store"
	"github.com/loreweaver/loreweaver/provider"
)

const (
	bucketLen = 10 * time.Minute
	// bucketGrace keeps the worker off buckets that may still receive
	// late-arriving turns.
	bucketGrace = 2 * time.Minute
	periodLen   = 14 * 24 * time.Hour
	// minBucketMessages is the floor below which a window is skipped
	// rather than summarized.
	minBucketMessages = 2
	maxWindowMessages = 400
	// Stored daily rows are bounded regardless of how much the model
	// returns.
	maxDailySummaryRunes = 900
	maxDailyHighlights   = 12
)

// RollupStoreAPI captures the store methods the rollup worker needs.
type RollupStoreAPI interface {
	ListConversationsWithMessagesSince(ctx context.Context, since time.Time, limit int) ([]string, error)
	ListMessagesBetween(ctx context.Context, conversationID string, from, to time.Time, limit int) ([]store.Message, error)
	GetConversationCharacterName(ctx context.Context, conversationID string) (string, error)
	UpsertEpisode(ctx context.Context, ep store.Episode) error
	UpsertDailySummary(ctx context.Context, d store.DailySummary) error
	ListDailySummariesBetween(ctx context.Context, conversationID string, from, to time.Time) ([]store.DailySummary, error)
	UpsertBiweeklySummary(ctx context.Context, b store.BiweeklySummary) error
	HasBiweeklySummary(ctx context.Context, conversationID string, periodStart time.Time) (bool, error)
	GetRollupCursor(ctx context.Context, conversationID string) (store.RollupCursor, bool, error)
	UpsertRollupCursor(ctx context.Context, c store.RollupCursor) error
}

// Rollup condenses raw transcripts into tiered memory: 10-minute
// episode summaries, daily digests and biweekly digests. Each pass is
// cursor-driven and idempotent; reprocessing a window overwrites the
// same row.
type Rollup struct {
	logger     *log.Logger
	store      RollupStoreAPI
	records    state.RecordStore
	provider   provider.Provider
	llm        config.LLMConfig
	maxBuckets int
	maxDays    int
	window     time.Duration
	now        func() time.Time

	episodeCounter otelmetric.Int64Counter
	dailyCounter   otelmetric.Int64Counter
}

// NewRollup constructs the rollup worker.
func NewRollup(logger *log.Logger, st RollupStoreAPI, records state.RecordStore, prov provider.Provider, llm config.LLMConfig, workers config.WorkersConfig, meter otelmetric.Meter) *Rollup {
	r := &Rollup{
		logger:     logger,
		store:      st,
		records:    records,
		provider:   prov,
		llm:        llm,
		maxBuckets: workers.RollupMaxBuckets,
		maxDays:    workers.RollupMaxDays,
		window:     time.Duration(workers.RecentWindowHours) * time.Hour,
		now:        time.Now,
	}
	if r.maxBuckets <= 0 {
		r.maxBuckets = 12
	}
	if r.maxDays <= 0 {
		r.maxDays = 3
	}
	if r.window <= 0 {
		r.window = 48 * time.Hour
	}
	if meter != nil {
		var err error
		r.episodeCounter, err = meter.Int64Counter("rollup_episodes_written")
		if err != nil {
			logger.Printf("warn: create episode counter failed: %v", err)
		}
		r.dailyCounter, err = meter.Int64Counter("rollup_dailies_written")
		if err != nil {
			logger.Printf("warn: create daily counter failed: %v", err)
		}
	}
	return r
}

// Name implements Task.
func (r *Rollup) Name() string { return "rollup" }

// RunOnce walks every recently active conversation through the three
// rollup tiers.
func (r *Rollup) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	ids, err := r.store.ListConversationsWithMessagesSince(ctx, r.now().Add(-r.window), 500)
	if err != nil {
		return sum, fmt.Errorf("list active conversations: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		s, err := r.rollConversation(ctx, id)
		sum.Add(s)
		if err != nil {
			sum.Failed++
			r.logger.Printf("rollup for %s failed: %v", id, err)
		}
	}
	return sum, nil
}

func (r *Rollup) rollConversation(ctx context.Context, conversationID string) (Summary, error) {
	var sum Summary
	cursor, _, err := r.store.GetRollupCursor(ctx, conversationID)
	if err != nil {
		return sum, fmt.Errorf("get cursor: %w", err)
	}
	roleName, err := r.store.GetConversationCharacterName(ctx, conversationID)
	if err != nil {
		return sum, fmt.Errorf("character name: %w", err)
	}
	if roleName == "" {
		roleName = "role"
	}

	before := cursor
	n, err := r.rollBuckets(ctx, conversationID, &cursor, roleName)
	sum.Applied += n
	if err != nil {
		return sum, err
	}
	n, err = r.rollDays(ctx, conversationID, &cursor, roleName)
	sum.Applied += n
	if err != nil {
		return sum, err
	}
	n, err = r.rollPeriod(ctx, conversationID, &cursor)
	sum.Applied += n
	if err != nil {
		return sum, err
	}
	sum.Processed++
	if cursor != before {
		if err := r.store.UpsertRollupCursor(ctx, cursor); err != nil {
			return sum, fmt.Errorf("save cursor: %w", err)
		}
	}
	return sum, nil
}

// rollBuckets summarizes every closed 10-minute window past the
// cursor. Windows with too few messages advance the cursor without a
// model call.
func (r *Rollup) rollBuckets(ctx context.Context, conversationID string, cursor *store.RollupCursor, roleName string) (int, error) {
	now := r.now()
	// Only buckets fully closed for bucketGrace are eligible.
	limit := state.BucketStart(now.Add(-bucketGrace))

	start := cursor.LastBucketStart
	if start.IsZero() {
		start = state.BucketStart(now.Add(-r.window))
	} else {
		start = start.Add(bucketLen)
	}

	written := 0
	for b := 0; b < r.maxBuckets && start.Add(bucketLen).Before(limit.Add(time.Nanosecond)); b++ {
		msgs, err := r.store.ListMessagesBetween(ctx, conversationID, start, start.Add(bucketLen), maxWindowMessages)
		if err != nil {
			return written, fmt.Errorf("bucket messages: %w", err)
		}
		if len(msgs) >= minBucketMessages {
			ep, err := r.summarizeBucket(ctx, conversationID, start, msgs, roleName)
			if err != nil {
				return written, err
			}
			if err := r.store.UpsertEpisode(ctx, ep); err != nil {
				return written, fmt.Errorf("upsert episode: %w", err)
			}
			if err := r.mergeEpisode(ctx, conversationID, ep); err != nil {
				return written, err
			}
			if r.episodeCounter != nil {
				r.episodeCounter.Add(ctx, 1)
			}
			written++
		}
		cursor.LastBucketStart = start
		start = start.Add(bucketLen)
	}
	return written, nil
}

func (r *Rollup) summarizeBucket(ctx context.Context, conversationID string, bucket time.Time, msgs []store.Message, roleName string) (store.Episode, error) {
	prompt := strings.NewReplacer("{user}", "user", "{role}", roleName).Replace(episodePrompt)
	out, err := r.complete(ctx, prompt, transcript(msgs, roleName))
	if err != nil {
		return store.Episode{}, fmt.Errorf("episode completion: %w", err)
	}
	summary, loops, tags := parseEpisodeReply(out)
	return store.Episode{
		ConversationID: conversationID,
		BucketStart:    bucket,
		Summary:        summary,
		OpenLoops:      loops,
		Tags:           tags,
	}, nil
}

// mergeEpisode folds the new episode digest into the conversation's
// in-document memory under optimistic concurrency.
func (r *Rollup) mergeEpisode(ctx context.Context, conversationID string, ep store.Episode) error {
	digest := state.EpisodeDigest{
		BucketStart: ep.BucketStart,
		Summary:     ep.Summary,
		OpenLoops:   ep.OpenLoops,
		Tags:        ep.Tags,
	}
	_, err := state.UpdateWithRetry(ctx, r.records, state.TableConversationState, conversationID,
		func(doc *state.ConversationState) error {
			mem := &doc.Memory
			for i, e := range mem.RecentEpisodes {
				if e.BucketStart.Equal(digest.BucketStart) {
					mem.RecentEpisodes[i] = digest
					return nil
				}
			}
			mem.RecentEpisodes = append(mem.RecentEpisodes, digest)
			if n := len(mem.RecentEpisodes); n > state.MaxRecentEpisodes {
				mem.RecentEpisodes = mem.RecentEpisodes[n-state.MaxRecentEpisodes:]
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("merge episode: %w", err)
	}
	return nil
}

// rollDays digests each completed UTC day past the cursor. Days with
// fewer than two messages are skipped and the cursor still advances, so
// a quiet day never wedges the pipeline.
func (r *Rollup) rollDays(ctx context.Context, conversationID string, cursor *store.RollupCursor, roleName string) (int, error) {
	now := r.now().UTC()
	today := dayStart(now)

	day := cursor.LastDayStart
	if day.IsZero() {
		day = dayStart(now.Add(-r.window))
	} else {
		day = day.AddDate(0, 0, 1)
	}

	written := 0
	for d := 0; d < r.maxDays && day.Before(today); d++ {
		msgs, err := r.store.ListMessagesBetween(ctx, conversationID, day, day.AddDate(0, 0, 1), maxWindowMessages)
		if err != nil {
			return written, fmt.Errorf("day messages: %w", err)
		}
		if len(msgs) >= minBucketMessages {
			daily, err := r.summarizeDay(ctx, conversationID, day, msgs, roleName)
			if err != nil {
				return written, err
			}
			if err := r.store.UpsertDailySummary(ctx, daily); err != nil {
				return written, fmt.Errorf("upsert daily: %w", err)
			}
			if err := r.mergeDaily(ctx, conversationID, daily); err != nil {
				return written, err
			}
			if r.dailyCounter != nil {
				r.dailyCounter.Add(ctx, 1)
			}
			written++
		}
		cursor.LastDayStart = day
		day = day.AddDate(0, 0, 1)
	}
	return written, nil
}

func (r *Rollup) summarizeDay(ctx context.Context, conversationID string, day time.Time, msgs []store.Message, roleName string) (store.DailySummary, error) {
	prompt := strings.NewReplacer("{user}", "user", "{role}", roleName).Replace(dailyPrompt)
	out, err := r.complete(ctx, prompt, transcript(msgs, roleName))
	if err != nil {
		return store.DailySummary{}, fmt.Errorf("daily completion: %w", err)
	}
	d := store.DailySummary{ConversationID: conversationID, DayStart: day}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "C0:"):
			d.Summary = strings.TrimSpace(line[3:])
		case strings.HasPrefix(line, "H:"):
			if h := strings.TrimSpace(line[2:]); h != "" {
				d.Highlights = append(d.Highlights, h)
			}
		case strings.HasPrefix(line, "USER:"):
			d.UserProfile = strings.TrimSpace(line[5:])
		case strings.HasPrefix(line, "ROLE:"):
			d.RoleProfile = strings.TrimSpace(line[5:])
		}
	}
	if d.Summary == "" {
		// Untagged replies still carry something usable.
		d.Summary = strings.TrimSpace(out)
	}
	d.Summary = truncateRunes(d.Summary, maxDailySummaryRunes)
	if len(d.Highlights) > maxDailyHighlights {
		d.Highlights = d.Highlights[:maxDailyHighlights]
	}
	return d, nil
}

func (r *Rollup) mergeDaily(ctx context.Context, conversationID string, d store.DailySummary) error {
	_, err := state.UpdateWithRetry(ctx, r.records, state.TableConversationState, conversationID,
		func(doc *state.ConversationState) error {
			mem := &doc.Memory
			digest := state.DailyDigest{DayStart: d.DayStart, Summary: d.Summary}
			replaced := false
			for i, e := range mem.DailyRecent {
				if e.DayStart.Equal(digest.DayStart) {
					mem.DailyRecent[i] = digest
					replaced = true
					break
				}
			}
			if !replaced {
				mem.DailyRecent = append(mem.DailyRecent, digest)
				if n := len(mem.DailyRecent); n > state.MaxDailyRecent {
					mem.DailyRecent = mem.DailyRecent[n-state.MaxDailyRecent:]
				}
				// A replaced digest means this day was merged before;
				// appending its highlights again would duplicate them.
				mem.Highlights = append(mem.Highlights, d.Highlights...)
				if n := len(mem.Highlights); n > state.MaxHighlights {
					mem.Highlights = mem.Highlights[n-state.MaxHighlights:]
				}
			}
			if d.UserProfile != "" {
				mem.UserProfile = d.UserProfile
			}
			if d.RoleProfile != "" {
				mem.RoleProfile = d.RoleProfile
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("merge daily: %w", err)
	}
	return nil
}

// rollPeriod condenses the most recently completed 14-day period,
// anchored at the Unix epoch, exactly once.
func (r *Rollup) rollPeriod(ctx context.Context, conversationID string, cursor *store.RollupCursor) (int, error) {
	now := r.now().UTC()
	current := PeriodStart(now)
	prev := current.Add(-periodLen)
	if !cursor.LastPeriodStart.Before(prev) {
		return 0, nil
	}
	done, err := r.store.HasBiweeklySummary(ctx, conversationID, prev)
	if err != nil {
		return 0, fmt.Errorf("check biweekly: %w", err)
	}
	if done {
		cursor.LastPeriodStart = prev
		return 0, nil
	}
	dailies, err := r.store.ListDailySummariesBetween(ctx, conversationID, prev, current)
	if err != nil {
		return 0, fmt.Errorf("period dailies: %w", err)
	}
	if len(dailies) == 0 {
		cursor.LastPeriodStart = prev
		return 0, nil
	}
	var sb strings.Builder
	var userProfile, roleProfile string
	for _, d := range dailies {
		sb.WriteString(d.DayStart.Format("2006-01-02"))
		sb.WriteString(": ")
		sb.WriteString(d.Summary)
		sb.WriteString("\n")
		if d.UserProfile != "" {
			userProfile = d.UserProfile
		}
		if d.RoleProfile != "" {
			roleProfile = d.RoleProfile
		}
	}
	// The period digest condenses dailies in the light of who the
	// participants are by now.
	if userProfile != "" {
		sb.WriteString("user profile: ")
		sb.WriteString(userProfile)
		sb.WriteString("\n")
	}
	if roleProfile != "" {
		sb.WriteString("role profile: ")
		sb.WriteString(roleProfile)
		sb.WriteString("\n")
	}
	out, err := r.complete(ctx, biweeklyPrompt, sb.String())
	if err != nil {
		return 0, fmt.Errorf("biweekly completion: %w", err)
	}
	b := store.BiweeklySummary{ConversationID: conversationID, PeriodStart: prev, Summary: strings.TrimSpace(out)}
	if err := r.store.UpsertBiweeklySummary(ctx, b); err != nil {
		return 0, fmt.Errorf("upsert biweekly: %w", err)
	}
	_, err = state.UpdateWithRetry(ctx, r.records, state.TableConversationState, conversationID,
		func(doc *state.ConversationState) error {
			doc.Memory.Biweekly = append(doc.Memory.Biweekly, b.Summary)
			if n := len(doc.Memory.Biweekly); n > state.MaxBiweekly {
				doc.Memory.Biweekly = doc.Memory.Biweekly[n-state.MaxBiweekly:]
			}
			return nil
		})
	if err != nil {
		return 0, fmt.Errorf("merge biweekly: %w", err)
	}
	cursor.LastPeriodStart = prev
	return 1, nil
}

func (r *Rollup) complete(ctx context.Context, system, user string) (string, error) {
	modelKey := r.llm.Routing.Pick("summary")
	m, ok := r.llm.Models[modelKey]
	if !ok || m.APIName == "" {
		m.APIName = modelKey
	}
	if m.Temperature == 0 {
		m.Temperature = r.llm.Temperature
	}
	return r.provider.Complete(ctx, provider.CompletionRequest{
		Model: m.APIName,
		Messages: []provider.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
	})
}

func transcript(msgs []store.Message, roleName string) string {
	var sb strings.Builder
	for _, m := range msgs {
		name := m.Role
		if m.Role == "assistant" {
			name = roleName
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// parseEpisodeReply splits a bucket summary reply into the summary
// line plus optional LOOP: and TAG: lines.
func parseEpisodeReply(out string) (summary string, loops, tags []string) {
	var rest []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "LOOP:"):
			if v := strings.TrimSpace(line[5:]); v != "" {
				loops = append(loops, v)
			}
		case strings.HasPrefix(line, "TAG:"):
			if v := strings.TrimSpace(line[4:]); v != "" {
				tags = append(tags, v)
			}
		default:
			rest = append(rest, line)
		}
	}
	// Same stored bound as patch-carried episode summaries.
	summary = truncateRunes(strings.Join(rest, " "), state.MaxEpisodeSummary)
	return summary, loops, tags
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// dayStart floors a timestamp to UTC midnight.
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// PeriodStart floors a timestamp to its 14-day period anchored at the
// Unix epoch, in UTC.
func PeriodStart(t time.Time) time.Time {
	days := t.UTC().Unix() / 86400
	return time.Unix(days/14*14*86400, 0).UTC()
}

const episodePrompt = `Summarize this chat window between {user} and {role} in one line of no more than 300 characters.
After the summary, optionally add lines starting with LOOP: for unresolved threads and TAG: for topical tags.
Write nothing else.`

const dailyPrompt = `Digest one day of chat between {user} and {role}. Reply ONLY with tagged lines:
C0: one-line day summary, no more than 300 characters
H: one memorable highlight (repeat the H: line for up to three highlights)
USER: one line on what {user} revealed about themselves
ROLE: one line on how {role} evolved`

const biweeklyPrompt = `Condense these daily summaries into a single line capturing the arc of the whole period, no more than 300 characters. Write nothing else.`
