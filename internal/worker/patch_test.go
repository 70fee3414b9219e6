package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loreweaver/loreweaver/config"
	"github.com/loreweaver/loreweaver/internal/state"
	"github.com/loreweaver/loreweaver/internal/store"
	"github.com/loreweaver/loreweaver/provider"
)

// fakeRecords is an in-memory state.RecordStore.
type fakeRecords struct {
	mu       sync.Mutex
	data     map[string]json.RawMessage
	versions map[string]int64
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{data: map[string]json.RawMessage{}, versions: map[string]int64{}}
}

func (f *fakeRecords) key(table, key string) string { return table + "/" + key }

func (f *fakeRecords) seed(t *testing.T, table, key string, doc any) {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("seed marshal: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[f.key(table, key)] = raw
	f.versions[f.key(table, key)] = 1
}

func (f *fakeRecords) GetRecord(_ context.Context, table, key string) (json.RawMessage, int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[f.key(table, key)]
	if !ok {
		return nil, 0, false, nil
	}
	return raw, f.versions[f.key(table, key)], true, nil
}

func (f *fakeRecords) UpdateRecordIfVersion(_ context.Context, table, key string, version int64, data json.RawMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(table, key)
	if f.versions[k] != version {
		return 0, nil
	}
	f.data[k] = data
	f.versions[k] = version + 1
	return 1, nil
}

func (f *fakeRecords) InsertRecord(_ context.Context, table, key string, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(table, key)
	if _, ok := f.data[k]; ok {
		return nil
	}
	f.data[k] = data
	f.versions[k] = 1
	return nil
}

func (f *fakeRecords) conversation(t *testing.T, id string) state.ConversationState {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var cs state.ConversationState
	if err := json.Unmarshal(f.data[f.key(state.TableConversationState, id)], &cs); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return cs
}

// fakePatchStore is an in-memory PatchStoreAPI.
type fakePatchStore struct {
	mu       sync.Mutex
	jobs     map[string]*store.PatchJob
	episodes []store.Episode
}

func newFakePatchStore() *fakePatchStore {
	return &fakePatchStore{jobs: map[string]*store.PatchJob{}}
}

func (f *fakePatchStore) addJob(j store.PatchJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.Status == "" {
		j.Status = store.PatchJobStatusPending
	}
	f.jobs[j.ID] = &j
}

func (f *fakePatchStore) ListRunnablePatchJobs(_ context.Context, maxAttempts, limit int) ([]store.PatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.PatchJob
	for _, j := range f.jobs {
		if len(out) >= limit {
			break
		}
		if j.Status == store.PatchJobStatusPending || (j.Status == store.PatchJobStatusFailed && j.Attempts < maxAttempts) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakePatchStore) ClaimPatchJob(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || (j.Status != store.PatchJobStatusPending && j.Status != store.PatchJobStatusFailed) {
		return false, nil
	}
	j.Status = store.PatchJobStatusProcessing
	return true, nil
}

func (f *fakePatchStore) FinishPatchJob(_ context.Context, id, status string, attempts int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	j.Status = status
	j.Attempts = attempts
	j.LastError = lastError
	return nil
}

func (f *fakePatchStore) UpsertEpisode(_ context.Context, ep store.Episode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.episodes = append(f.episodes, ep)
	return nil
}

func (f *fakePatchStore) job(id string) store.PatchJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

// stubProvider returns canned completions in order.
type stubProvider struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
}

func (s *stubProvider) Complete(_ context.Context, _ provider.CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return "", fmt.Errorf("no reply scripted for call %d", i)
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testLogger() *log.Logger {
	return log.New(os.Stdout, "[TEST] ", log.LstdFlags)
}

func fullPatchJSON(overrides map[string]string) string {
	sections := map[string]string{
		"run_state_patch":        "{}",
		"plot_board_patch":       "{}",
		"schedule_board_patch":   "{}",
		"ledger_patch":           "{}",
		"memory_patch":           "{}",
		"style_guard_patch":      "{}",
		"focus_panel_patch":      "{}",
		"moderation_flags_patch": "{}",
		"fact_patch_add":         "[]",
		"persona_system_patch":   "{}",
		"ip_pack_patch":          "{}",
	}
	for k, v := range overrides {
		sections[k] = v
	}
	var sb strings.Builder
	sb.WriteString("{")
	first := true
	for k, v := range sections {
		if !first {
			sb.WriteString(",")
		}
		first = false
		fmt.Fprintf(&sb, "%q:%s", k, v)
	}
	sb.WriteString("}")
	return sb.String()
}

func newTestScribe(st PatchStoreAPI, records state.RecordStore, prov provider.Provider) *PatchScribe {
	p := NewPatchScribe(testLogger(), st, records, prov, config.LLMConfig{
		Routing: config.RoutingConfig{Patch: "gpt-4o-mini"},
	}, config.WorkersConfig{PatchBatchSize: 8, PatchMaxAttempts: 5}, nil)
	p.now = func() time.Time { return time.Date(2026, 3, 14, 10, 27, 42, 0, time.UTC) }
	return p
}

func TestPatchScribeAppliesJob(t *testing.T) {
	records := newFakeRecords()
	convID := "conv-1"
	records.seed(t, state.TableConversationState, convID, state.NewConversationState())

	st := newFakePatchStore()
	st.addJob(store.PatchJob{
		ID:             "job-1",
		ConversationID: convID,
		CharacterID:    "char-1",
		PatchInput: map[string]any{
			"user_text":      "what do you have?",
			"assistant_text": "I hand you the brass lantern from my satchel.",
		},
	})

	reply := "```json\n" + fullPatchJSON(map[string]string{
		"ledger_patch": `{"event_log_add":["handed over the brass lantern"],"inventory_delta":[{"name":"brass lantern","delta":1}]}`,
		"memory_patch": `{"memory_b_episode":{"summary":"The lantern changes hands."}}`,
	}) + "\n```"
	prov := &stubProvider{replies: []string{reply}}

	scribe := newTestScribe(st, records, prov)
	sum, err := scribe.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Applied != 1 || sum.Failed != 0 {
		t.Fatalf("summary: %+v", sum)
	}

	job := st.job("job-1")
	if job.Status != store.PatchJobStatusDone || job.Attempts != 1 {
		t.Fatalf("job after run: %+v", job)
	}
	cs := records.conversation(t, convID)
	if cs.Ledger.Inventory["brass lantern"] != 1 {
		t.Fatalf("inventory not applied: %+v", cs.Ledger.Inventory)
	}
	if len(cs.Ledger.EventLog) != 1 {
		t.Fatalf("event log not applied: %+v", cs.Ledger.EventLog)
	}
	if len(cs.RunState.AppliedPatchJobIDs) != 1 || cs.RunState.AppliedPatchJobIDs[0] != "job-1" {
		t.Fatalf("job id not recorded: %+v", cs.RunState.AppliedPatchJobIDs)
	}
	if len(st.episodes) != 1 || st.episodes[0].Summary != "The lantern changes hands." {
		t.Fatalf("episode not upserted: %+v", st.episodes)
	}
	want := time.Date(2026, 3, 14, 10, 20, 0, 0, time.UTC)
	if !st.episodes[0].BucketStart.Equal(want) {
		t.Fatalf("episode bucket = %v, want %v", st.episodes[0].BucketStart, want)
	}
}

func TestPatchScribeIdempotentReplay(t *testing.T) {
	records := newFakeRecords()
	convID := "conv-1"
	cs := state.NewConversationState()
	cs.RunState.AppliedPatchJobIDs = []string{"job-1"}
	records.seed(t, state.TableConversationState, convID, cs)

	st := newFakePatchStore()
	st.addJob(store.PatchJob{ID: "job-1", ConversationID: convID, Status: store.PatchJobStatusFailed, Attempts: 2})

	prov := &stubProvider{}
	scribe := newTestScribe(st, records, prov)
	sum, err := scribe.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Applied != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if prov.callCount() != 0 {
		t.Fatalf("replayed job should not call the model, got %d calls", prov.callCount())
	}
	if st.job("job-1").Status != store.PatchJobStatusDone {
		t.Fatalf("job not finished: %+v", st.job("job-1"))
	}
	after := records.conversation(t, convID)
	if len(after.RunState.AppliedPatchJobIDs) != 1 {
		t.Fatalf("job id duplicated: %+v", after.RunState.AppliedPatchJobIDs)
	}
}

func TestPatchScribeSchemaIncompleteFails(t *testing.T) {
	records := newFakeRecords()
	convID := "conv-1"
	records.seed(t, state.TableConversationState, convID, state.NewConversationState())

	st := newFakePatchStore()
	st.addJob(store.PatchJob{ID: "job-1", ConversationID: convID})

	// Missing every section but one.
	prov := &stubProvider{replies: []string{`{"run_state_patch":{}}`}}
	scribe := newTestScribe(st, records, prov)
	sum, err := scribe.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 || sum.Applied != 0 {
		t.Fatalf("summary: %+v", sum)
	}
	job := st.job("job-1")
	if job.Status != store.PatchJobStatusFailed || job.Attempts != 1 {
		t.Fatalf("job after run: %+v", job)
	}
	if !strings.Contains(job.LastError, "schema incomplete") {
		t.Fatalf("last error: %q", job.LastError)
	}
	cs := records.conversation(t, convID)
	if len(cs.RunState.AppliedPatchJobIDs) != 0 {
		t.Fatalf("rejected patch must not touch state: %+v", cs.RunState.AppliedPatchJobIDs)
	}
}

func TestPatchScribeAttemptBudget(t *testing.T) {
	records := newFakeRecords()
	convID := "conv-1"
	records.seed(t, state.TableConversationState, convID, state.NewConversationState())

	st := newFakePatchStore()
	st.addJob(store.PatchJob{ID: "job-1", ConversationID: convID})

	prov := &stubProvider{errs: []error{
		fmt.Errorf("upstream timeout"), fmt.Errorf("upstream timeout"), fmt.Errorf("upstream timeout"),
		fmt.Errorf("upstream timeout"), fmt.Errorf("upstream timeout"), fmt.Errorf("upstream timeout"),
	}}
	scribe := newTestScribe(st, records, prov)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if _, err := scribe.RunOnce(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	job := st.job("job-1")
	if job.Status != store.PatchJobStatusFailed || job.Attempts != 5 {
		t.Fatalf("expected terminal failure after 5 attempts: %+v", job)
	}
	if prov.callCount() != 5 {
		t.Fatalf("model called %d times, want 5", prov.callCount())
	}
}

func TestParsePatchJSON(t *testing.T) {
	bare := fullPatchJSON(nil)
	if _, err := parsePatchJSON(bare); err != nil {
		t.Fatalf("bare object: %v", err)
	}
	if _, err := parsePatchJSON("Here is the patch:\n```json\n" + bare + "\n```\nDone."); err != nil {
		t.Fatalf("wrapped object: %v", err)
	}
	if _, err := parsePatchJSON("I cannot produce a patch."); err == nil {
		t.Fatal("expected error for prose reply")
	}
}
