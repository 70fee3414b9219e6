package worker

import (
	"context"
	"encoding/json"
	"errors"
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

// PatchStoreAPI captures the store methods the patch worker needs.
type PatchStoreAPI interface {
	ListRunnablePatchJobs(ctx context.Context, maxAttempts, limit int) ([]store.PatchJob, error)
	ClaimPatchJob(ctx context.Context, id string) (bool, error)
	FinishPatchJob(ctx context.Context, id, status string, attempts int, lastError string) error
	UpsertEpisode(ctx context.Context, ep store.Episode) error
}

// PatchScribe drains the patch job queue: for each claimed job it asks
// the routed model for a structured state delta, sanitizes it against
// the current documents and applies it under optimistic concurrency.
type PatchScribe struct {
	logger      *log.Logger
	store       PatchStoreAPI
	records     state.RecordStore
	provider    provider.Provider
	llm         config.LLMConfig
	batchSize   int
	maxAttempts int
	now         func() time.Time

	appliedCounter  otelmetric.Int64Counter
	failedCounter   otelmetric.Int64Counter
	conflictCounter otelmetric.Int64Counter
}

// NewPatchScribe constructs the patch worker.
func NewPatchScribe(logger *log.Logger, st PatchStoreAPI, records state.RecordStore, prov provider.Provider, llm config.LLMConfig, workers config.WorkersConfig, meter otelmetric.Meter) *PatchScribe {
	p := &PatchScribe{
		logger:      logger,
		store:       st,
		records:     records,
		provider:    prov,
		llm:         llm,
		batchSize:   workers.PatchBatchSize,
		maxAttempts: workers.PatchMaxAttempts,
		now:         time.Now,
	}
	if p.batchSize <= 0 {
		p.batchSize = 16
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 5
	}
	if meter != nil {
		var err error
		p.appliedCounter, err = meter.Int64Counter("patch_jobs_applied")
		if err != nil {
			logger.Printf("warn: create applied counter failed: %v", err)
		}
		p.failedCounter, err = meter.Int64Counter("patch_jobs_failed")
		if err != nil {
			logger.Printf("warn: create failed counter failed: %v", err)
		}
		p.conflictCounter, err = meter.Int64Counter("patch_version_conflicts")
		if err != nil {
			logger.Printf("warn: create conflict counter failed: %v", err)
		}
	}
	return p
}

// Name implements Task.
func (p *PatchScribe) Name() string { return "patch" }

// RunOnce claims and processes one batch of runnable jobs.
func (p *PatchScribe) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	jobs, err := p.store.ListRunnablePatchJobs(ctx, p.maxAttempts, p.batchSize)
	if err != nil {
		return sum, fmt.Errorf("list patch jobs: %w", err)
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		claimed, err := p.store.ClaimPatchJob(ctx, job.ID)
		if err != nil {
			return sum, fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		if !claimed {
			sum.Skipped++
			continue
		}
		sum.Processed++
		if err := p.processJob(ctx, job); err != nil {
			sum.Failed++
			attempts := job.Attempts + 1
			if p.failedCounter != nil {
				p.failedCounter.Add(ctx, 1)
			}
			if errors.Is(err, state.ErrVersionConflict) && p.conflictCounter != nil {
				p.conflictCounter.Add(ctx, 1)
			}
			p.logger.Printf("patch job %s attempt %d/%d failed: %v", job.ID, attempts, p.maxAttempts, err)
			if ferr := p.store.FinishPatchJob(ctx, job.ID, store.PatchJobStatusFailed, attempts, err.Error()); ferr != nil {
				p.logger.Printf("warn: finish job %s: %v", job.ID, ferr)
			}
			continue
		}
		sum.Applied++
		if p.appliedCounter != nil {
			p.appliedCounter.Add(ctx, 1)
		}
		if err := p.store.FinishPatchJob(ctx, job.ID, store.PatchJobStatusDone, job.Attempts+1, ""); err != nil {
			p.logger.Printf("warn: finish job %s: %v", job.ID, err)
		}
	}
	return sum, nil
}

func (p *PatchScribe) processJob(ctx context.Context, job store.PatchJob) error {
	raw, _, found, err := p.records.GetRecord(ctx, state.TableConversationState, job.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation state: %w", err)
	}
	if !found {
		return fmt.Errorf("conversation state %s missing", job.ConversationID)
	}
	var cs state.ConversationState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return fmt.Errorf("decode conversation state: %w", err)
	}
	if containsString(cs.RunState.AppliedPatchJobIDs, job.ID) {
		// Already applied on a previous attempt; finishing is all that
		// remains.
		return nil
	}

	userText := inputString(job.PatchInput, "user_text")
	assistantText := inputString(job.PatchInput, "assistant_text")
	hint := inputString(job.PatchInput, "policy_hint")
	evidence := userText + "\n" + assistantText

	rawPatch, err := p.proposePatch(ctx, &cs, userText, assistantText, hint)
	if err != nil {
		return err
	}
	patch, err := state.Sanitize(rawPatch, &cs, evidence)
	if err != nil {
		return fmt.Errorf("sanitize: %w", err)
	}

	var episode *state.EpisodeDigest
	_, err = state.UpdateWithRetry(ctx, p.records, state.TableConversationState, job.ConversationID,
		func(doc *state.ConversationState) error {
			if containsString(doc.RunState.AppliedPatchJobIDs, job.ID) {
				episode = nil
				return nil
			}
			episode = state.Apply(doc, nil, patch, true, p.now())
			doc.RunState.AppliedPatchJobIDs = append(doc.RunState.AppliedPatchJobIDs, job.ID)
			if n := len(doc.RunState.AppliedPatchJobIDs); n > state.MaxAppliedJobIDs {
				doc.RunState.AppliedPatchJobIDs = doc.RunState.AppliedPatchJobIDs[n-state.MaxAppliedJobIDs:]
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("write conversation state: %w", err)
	}

	if len(patch.PersonaSystem) > 0 || len(patch.IPPack) > 0 {
		_, err = state.UpdateWithRetry(ctx, p.records, state.TableCharacterState, job.CharacterID,
			func(doc *state.CharacterState) error {
				state.ApplyCharacter(doc, patch)
				return nil
			})
		if err != nil {
			// The conversation half already landed and is idempotent, so a
			// retry of this job only redoes the character half.
			return fmt.Errorf("write character state: %w", err)
		}
	}

	if episode != nil {
		ep := store.Episode{
			ConversationID: job.ConversationID,
			BucketStart:    episode.BucketStart,
			Summary:        episode.Summary,
			OpenLoops:      episode.OpenLoops,
			Tags:           episode.Tags,
		}
		if err := p.store.UpsertEpisode(ctx, ep); err != nil {
			p.logger.Printf("warn: upsert episode for %s: %v", job.ConversationID, err)
		}
	}
	return nil
}

// proposePatch asks the routed model for the structured delta and
// parses its reply tolerantly.
func (p *PatchScribe) proposePatch(ctx context.Context, cs *state.ConversationState, userText, assistantText, hint string) (map[string]any, error) {
	stateDoc, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	modelKey := p.llm.Routing.Pick("patch")
	model, apiName := p.resolveModel(modelKey)

	var sb strings.Builder
	sb.WriteString("Current conversation state:\n")
	sb.Write(stateDoc)
	sb.WriteString("\n\nLatest user message:\n")
	sb.WriteString(userText)
	sb.WriteString("\n\nLatest assistant reply:\n")
	sb.WriteString(assistantText)
	if hint != "" {
		sb.WriteString("\n\nDirector hint:\n")
		sb.WriteString(hint)
	}

	out, err := p.provider.Complete(ctx, provider.CompletionRequest{
		Model: apiName,
		Messages: []provider.Message{
			{Role: "system", Content: patchSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
		Temperature: model.Temperature,
		MaxTokens:   model.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("patch completion: %w", err)
	}
	raw, err := parsePatchJSON(out)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (p *PatchScribe) resolveModel(key string) (config.Model, string) {
	m, ok := p.llm.Models[key]
	if !ok || m.APIName == "" {
		m.APIName = key
	}
	if m.Temperature == 0 {
		m.Temperature = p.llm.Temperature
	}
	return m, m.APIName
}

// parsePatchJSON accepts either a bare JSON object or an object wrapped
// in prose or code fences; in the wrapped case the outermost brace pair
// is parsed.
func parsePatchJSON(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err == nil {
		return raw, nil
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in reply", state.ErrSchemaIncomplete)
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrSchemaIncomplete, err)
	}
	return raw, nil
}

const patchSystemPrompt = `You are the continuity scribe for a roleplay engine.
Given the current conversation state and the latest turn, output ONLY a JSON object with exactly these keys:
run_state_patch, plot_board_patch, schedule_board_patch, ledger_patch, memory_patch, style_guard_patch, focus_panel_patch, moderation_flags_patch, fact_patch_add, persona_system_patch, ip_pack_patch.
Every key must be present; use {} or [] when a section has no changes.
Only record facts that literally appear in the turn text. No prose, no code fences.`

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func inputString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
