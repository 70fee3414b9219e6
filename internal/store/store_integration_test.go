package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loreweaver/loreweaver/internal/store"
)

func setupStore(t *testing.T) (*store.Store, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("loreweaver"),
		tcPostgres.WithUsername("loreweaver"),
		tcPostgres.WithPassword("loreweaver"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://loreweaver:loreweaver@%s:%s/loreweaver?sslmode=disable", host, port.Port())
	if err := applySchema(ctx, dsn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	cleanup := func() {
		_ = st.DB.Close()
		_ = pgC.Terminate(ctx)
	}
	return st, cleanup
}

func applySchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaSQL := `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS users (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  email TEXT UNIQUE NOT NULL,
  password_hash TEXT NOT NULL,
  created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS characters (
  id UUID PRIMARY KEY,
  owner_id UUID NOT NULL,
  name TEXT NOT NULL,
  tagline TEXT NOT NULL DEFAULT '',
  avatar_url TEXT NOT NULL DEFAULT '',
  price_coins BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS conversations (
  id UUID PRIMARY KEY,
  user_id UUID NOT NULL,
  character_id UUID NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS conversation_state (
  conversation_id UUID PRIMARY KEY,
  data JSONB NOT NULL,
  version BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS character_state (
  character_id UUID PRIMARY KEY,
  data JSONB NOT NULL,
  version BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
  id BIGSERIAL PRIMARY KEY,
  conversation_id UUID NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS patch_jobs (
  id UUID PRIMARY KEY,
  user_id UUID NOT NULL,
  conversation_id UUID NOT NULL,
  character_id UUID NOT NULL,
  turn_seq INTEGER NOT NULL DEFAULT 0,
  patch_input JSONB NOT NULL DEFAULT '{}'::jsonb,
  status TEXT NOT NULL DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  created_at TIMESTAMPTZ DEFAULT NOW(),
  updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS memory_episodes (
  conversation_id UUID NOT NULL,
  bucket_start TIMESTAMPTZ NOT NULL,
  summary TEXT NOT NULL,
  open_loops JSONB NOT NULL DEFAULT '[]'::jsonb,
  tags JSONB NOT NULL DEFAULT '[]'::jsonb,
  created_at TIMESTAMPTZ DEFAULT NOW(),
  PRIMARY KEY (conversation_id, bucket_start)
);

CREATE TABLE IF NOT EXISTS memory_daily (
  conversation_id UUID NOT NULL,
  day_start TIMESTAMPTZ NOT NULL,
  summary TEXT NOT NULL,
  highlights JSONB NOT NULL DEFAULT '[]'::jsonb,
  user_profile TEXT NOT NULL DEFAULT '',
  role_profile TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ DEFAULT NOW(),
  PRIMARY KEY (conversation_id, day_start)
);

CREATE TABLE IF NOT EXISTS memory_biweekly (
  conversation_id UUID NOT NULL,
  period_start TIMESTAMPTZ NOT NULL,
  summary TEXT NOT NULL,
  created_at TIMESTAMPTZ DEFAULT NOW(),
  PRIMARY KEY (conversation_id, period_start)
);

CREATE TABLE IF NOT EXISTS rollup_cursors (
  conversation_id UUID PRIMARY KEY,
  last_bucket_start TIMESTAMPTZ,
  last_day_start TIMESTAMPTZ,
  last_period_start TIMESTAMPTZ,
  updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS wallets (
  user_id UUID PRIMARY KEY,
  balance BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS wallet_ledger (
  id BIGSERIAL PRIMARY KEY,
  user_id UUID NOT NULL,
  delta BIGINT NOT NULL,
  reason TEXT NOT NULL,
  created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS unlocks (
  user_id UUID NOT NULL,
  character_id UUID NOT NULL,
  created_at TIMESTAMPTZ DEFAULT NOW(),
  PRIMARY KEY (user_id, character_id)
);
`
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func TestRecordStoreVersioning(t *testing.T) {
	st, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	key := uuid.NewString()
	doc := json.RawMessage(`{"mode":"DIALOG"}`)
	if err := st.InsertRecord(ctx, "conversation_state", key, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Second insert is a no-op.
	if err := st.InsertRecord(ctx, "conversation_state", key, json.RawMessage(`{"mode":"CG"}`)); err != nil {
		t.Fatalf("reinsert: %v", err)
	}

	data, version, found, err := st.GetRecord(ctx, "conversation_state", key)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["mode"] != "DIALOG" {
		t.Fatalf("reinsert overwrote data: %v", got)
	}

	n, err := st.UpdateRecordIfVersion(ctx, "conversation_state", key, 1, json.RawMessage(`{"mode":"CG"}`))
	if err != nil || n != 1 {
		t.Fatalf("update at v1: n=%d err=%v", n, err)
	}
	// Stale version loses.
	n, err = st.UpdateRecordIfVersion(ctx, "conversation_state", key, 1, json.RawMessage(`{"mode":"SCHEDULE"}`))
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if n != 0 {
		t.Fatalf("stale version should affect 0 rows, got %d", n)
	}
	_, version, _, _ = st.GetRecord(ctx, "conversation_state", key)
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
}

func TestPatchJobLifecycle(t *testing.T) {
	st, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	job := store.PatchJob{
		UserID:         uuid.NewString(),
		ConversationID: uuid.NewString(),
		CharacterID:    uuid.NewString(),
		TurnSeq:        3,
		PatchInput:     map[string]any{"assistant_text": "hello"},
	}
	id, err := st.CreatePatchJob(ctx, job)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	jobs, err := st.ListRunnablePatchJobs(ctx, 5, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].Status != store.PatchJobStatusPending {
		t.Fatalf("unexpected listing: %+v", jobs)
	}

	ok, err := st.ClaimPatchJob(ctx, id)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	// Processing jobs cannot be claimed again.
	ok, err = st.ClaimPatchJob(ctx, id)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ok {
		t.Fatalf("claimed a processing job")
	}

	if err := st.FinishPatchJob(ctx, id, store.PatchJobStatusFailed, 1, "llm timeout"); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	jobs, _ = st.ListRunnablePatchJobs(ctx, 5, 10)
	if len(jobs) != 1 || jobs[0].Attempts != 1 || jobs[0].LastError != "llm timeout" {
		t.Fatalf("failed job should be runnable again: %+v", jobs)
	}
	// Attempt budget exhausted.
	if err := st.FinishPatchJob(ctx, id, store.PatchJobStatusFailed, 5, "llm timeout"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	jobs, _ = st.ListRunnablePatchJobs(ctx, 5, 10)
	if len(jobs) != 0 {
		t.Fatalf("exhausted job listed as runnable: %+v", jobs)
	}
}

func TestMemoryRollupRows(t *testing.T) {
	st, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	conv := uuid.NewString()
	bucket := time.Date(2026, 3, 14, 10, 20, 0, 0, time.UTC)
	ep := store.Episode{ConversationID: conv, BucketStart: bucket, Summary: "first", OpenLoops: []string{"key"}, Tags: []string{"B"}}
	if err := st.UpsertEpisode(ctx, ep); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ep.Summary = "revised"
	if err := st.UpsertEpisode(ctx, ep); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	eps, err := st.ListEpisodes(ctx, conv, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(eps) != 1 || eps[0].Summary != "revised" || len(eps[0].OpenLoops) != 1 {
		t.Fatalf("unexpected episodes: %+v", eps)
	}

	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if err := st.UpsertDailySummary(ctx, store.DailySummary{ConversationID: conv, DayStart: day, Summary: "day one", Highlights: []string{"met at the pier"}}); err != nil {
		t.Fatalf("daily upsert: %v", err)
	}
	dailies, err := st.ListDailySummariesBetween(ctx, conv, day, day.AddDate(0, 0, 14))
	if err != nil || len(dailies) != 1 {
		t.Fatalf("daily list: %v %+v", err, dailies)
	}

	period := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	has, err := st.HasBiweeklySummary(ctx, conv, period)
	if err != nil || has {
		t.Fatalf("has before upsert: %v %v", has, err)
	}
	if err := st.UpsertBiweeklySummary(ctx, store.BiweeklySummary{ConversationID: conv, PeriodStart: period, Summary: "fortnight"}); err != nil {
		t.Fatalf("biweekly upsert: %v", err)
	}
	has, err = st.HasBiweeklySummary(ctx, conv, period)
	if err != nil || !has {
		t.Fatalf("has after upsert: %v %v", has, err)
	}

	cur, found, err := st.GetRollupCursor(ctx, conv)
	if err != nil || found {
		t.Fatalf("cursor before upsert: found=%v err=%v", found, err)
	}
	cur.LastBucketStart = bucket
	cur.LastDayStart = day
	if err := st.UpsertRollupCursor(ctx, cur); err != nil {
		t.Fatalf("cursor upsert: %v", err)
	}
	cur2, found, err := st.GetRollupCursor(ctx, conv)
	if err != nil || !found {
		t.Fatalf("cursor after upsert: found=%v err=%v", found, err)
	}
	if !cur2.LastBucketStart.Equal(bucket) || !cur2.LastDayStart.Equal(day) {
		t.Fatalf("cursor roundtrip: %+v", cur2)
	}
	if !cur2.LastPeriodStart.IsZero() {
		t.Fatalf("unset period cursor should be zero, got %v", cur2.LastPeriodStart)
	}
}

func TestWalletUnlock(t *testing.T) {
	st, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	userID := uuid.NewString()
	charID := uuid.NewString()

	if err := st.CreditWallet(ctx, userID, 100, "signup bonus"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := st.UnlockCharacter(ctx, userID, charID, 250); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := st.UnlockCharacter(ctx, userID, charID, 60); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	balance, err := st.GetWalletBalance(ctx, userID)
	if err != nil || balance != 40 {
		t.Fatalf("balance: %d %v", balance, err)
	}
	has, err := st.HasUnlock(ctx, userID, charID)
	if err != nil || !has {
		t.Fatalf("has unlock: %v %v", has, err)
	}
	// Unlock is idempotent on the pair.
	if err := st.UnlockCharacter(ctx, userID, charID, 0); err != nil {
		t.Fatalf("re-unlock: %v", err)
	}
}

func TestMessageWindows(t *testing.T) {
	st, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	conv := uuid.NewString()
	base := time.Date(2026, 3, 14, 10, 20, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := st.InsertMessage(ctx, store.Message{
			ConversationID: conv,
			Role:           "user",
			Content:        fmt.Sprintf("msg %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	window, err := st.ListMessagesBetween(ctx, conv, base.Add(1*time.Minute), base.Add(4*time.Minute), 100)
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if len(window) != 3 || window[0].Content != "msg 1" || window[2].Content != "msg 3" {
		t.Fatalf("half-open window wrong: %+v", window)
	}

	recent, err := st.ListRecentMessages(ctx, conv, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "msg 3" || recent[1].Content != "msg 4" {
		t.Fatalf("recent wrong order: %+v", recent)
	}

	ids, err := st.ListConversationsWithMessagesSince(ctx, base, 10)
	if err != nil || len(ids) != 1 || ids[0] != conv {
		t.Fatalf("active conversations: %v %v", ids, err)
	}
}
