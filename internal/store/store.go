package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store wraps the Postgres connection.
type Store struct {
	DB *sql.DB
}

// Patch job statuses.
const (
	PatchJobStatusPending    = "pending"
	PatchJobStatusProcessing = "processing"
	PatchJobStatusDone       = "done"
	PatchJobStatusFailed     = "failed"
)

// ErrFeatureUnavailable marks an auxiliary table that has not been
// migrated yet; callers degrade to a soft "feature unavailable"
// response instead of failing hard.
var ErrFeatureUnavailable = errors.New("feature unavailable")

// ErrInsufficientFunds marks a wallet debit larger than the balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// recordTables whitelists the versioned-record tables and their key
// columns. Everything else goes through typed methods.
var recordTables = map[string]struct{ table, keyCol string }{
	"conversation_state": {"conversation_state", "conversation_id"},
	"character_state":    {"character_state", "character_id"},
}

// PatchJob is one queued state-reconciliation job.
type PatchJob struct {
	ID             string
	UserID         string
	ConversationID string
	CharacterID    string
	TurnSeq        int
	PatchInput     map[string]any
	Status         string
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one raw transcript row.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Episode is a 10-minute-bucket summary row (memory B).
type Episode struct {
	ConversationID string
	BucketStart    time.Time
	Summary        string
	OpenLoops      []string
	Tags           []string
}

// DailySummary is a per-UTC-day summary row (memory C).
type DailySummary struct {
	ConversationID string
	DayStart       time.Time
	Summary        string
	Highlights     []string
	UserProfile    string
	RoleProfile    string
}

// BiweeklySummary is a 14-day-period summary row (memory D).
type BiweeklySummary struct {
	ConversationID string
	PeriodStart    time.Time
	Summary        string
}

// RollupCursor tracks per-conversation rollup progress.
type RollupCursor struct {
	ConversationID  string
	LastBucketStart time.Time
	LastDayStart    time.Time
	LastPeriodStart time.Time
}

// Character is a chat persona definition.
type Character struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	Tagline    string    `json:"tagline"`
	AvatarURL  string    `json:"avatar_url"`
	PriceCoins int64     `json:"price_coins"`
	CreatedAt  time.Time `json:"created_at"`
}

// Conversation is a user/character chat session.
type Conversation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CharacterID string    `json:"character_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
}

// New constructs a Store around an existing DB handle.
func New(db *sql.DB) *Store { return &Store{DB: db} }

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// ---- versioned record store ----

func recordTable(table string) (struct{ table, keyCol string }, error) {
	rt, ok := recordTables[table]
	if !ok {
		return rt, fmt.Errorf("unknown record table %q", table)
	}
	return rt, nil
}

// GetRecord reads a versioned document. found is false when no row exists.
func (s *Store) GetRecord(ctx context.Context, table, key string) (json.RawMessage, int64, bool, error) {
	rt, err := recordTable(table)
	if err != nil {
		return nil, 0, false, err
	}
	var (
		data    []byte
		version int64
	)
	q := fmt.Sprintf(`SELECT data, version FROM %s WHERE %s = $1`, rt.table, rt.keyCol)
	if err := s.DB.QueryRowContext(ctx, q, key).Scan(&data, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	return data, version, true, nil
}

// UpdateRecordIfVersion performs the conditional versioned write and
// reports rows affected; zero means another writer won.
func (s *Store) UpdateRecordIfVersion(ctx context.Context, table, key string, version int64, data json.RawMessage) (int64, error) {
	rt, err := recordTable(table)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`UPDATE %s SET data = $1, version = version + 1, updated_at = NOW()
WHERE %s = $2 AND version = $3`, rt.table, rt.keyCol)
	res, err := s.DB.ExecContext(ctx, q, []byte(data), key, version)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertRecord creates the row at version 1; it is a no-op when the row
// already exists so concurrent initializers are safe.
func (s *Store) InsertRecord(ctx context.Context, table, key string, data json.RawMessage) error {
	rt, err := recordTable(table)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s, data, version, updated_at) VALUES ($1, $2, 1, NOW())
ON CONFLICT (%s) DO NOTHING`, rt.table, rt.keyCol, rt.keyCol)
	_, err = s.DB.ExecContext(ctx, q, key, []byte(data))
	return err
}

// ---- patch jobs ----

// CreatePatchJob enqueues a job and returns its id.
func (s *Store) CreatePatchJob(ctx context.Context, job PatchJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	input, err := json.Marshal(job.PatchInput)
	if err != nil {
		return "", fmt.Errorf("marshal patch input: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO patch_jobs (id, user_id, conversation_id, character_id, turn_seq, patch_input, status, attempts, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'pending',0,NOW(),NOW())`,
		job.ID, job.UserID, job.ConversationID, job.CharacterID, job.TurnSeq, input)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// ListRunnablePatchJobs returns pending and retryable-failed jobs, oldest
// first. The listing is advisory; a job is only owned after ClaimPatchJob.
func (s *Store) ListRunnablePatchJobs(ctx context.Context, maxAttempts, limit int) ([]PatchJob, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, user_id::text, conversation_id::text, character_id::text, turn_seq, patch_input, status, attempts, COALESCE(last_error,''), created_at, updated_at
FROM patch_jobs
WHERE (status = 'pending' OR (status = 'failed' AND attempts < $1))
ORDER BY created_at
LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []PatchJob
	for rows.Next() {
		var j PatchJob
		var input []byte
		if err := rows.Scan(&j.ID, &j.UserID, &j.ConversationID, &j.CharacterID, &j.TurnSeq, &input, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		if len(input) > 0 {
			_ = json.Unmarshal(input, &j.PatchInput)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetPatchJob returns one job by id.
func (s *Store) GetPatchJob(ctx context.Context, id string) (PatchJob, bool, error) {
	var j PatchJob
	var input []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, user_id::text, conversation_id::text, character_id::text, turn_seq, patch_input, status, attempts, COALESCE(last_error,''), created_at, updated_at
FROM patch_jobs WHERE id = $1`, id).
		Scan(&j.ID, &j.UserID, &j.ConversationID, &j.CharacterID, &j.TurnSeq, &input, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return PatchJob{}, false, nil
	}
	if err != nil {
		return PatchJob{}, false, err
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &j.PatchInput)
	}
	return j, true, nil
}

// ClaimPatchJob transitions pending/failed to processing. False means a
// concurrent worker won the claim and this job must be skipped.
func (s *Store) ClaimPatchJob(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE patch_jobs SET status = 'processing', updated_at = NOW()
WHERE id = $1 AND status IN ('pending','failed')`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishPatchJob records the terminal (or retryable) outcome of a run.
func (s *Store) FinishPatchJob(ctx context.Context, id, status string, attempts int, lastError string) error {
	var errPtr *string
	if lastError != "" {
		errPtr = &lastError
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE patch_jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
WHERE id = $1`, id, status, attempts, errPtr)
	return err
}

// ---- messages ----

// InsertMessage appends one transcript row.
func (s *Store) InsertMessage(ctx context.Context, m Message) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO messages (conversation_id, role, content, created_at)
VALUES ($1,$2,$3,COALESCE($4, NOW())) RETURNING id`,
		m.ConversationID, m.Role, m.Content, nullTime(m.CreatedAt)).Scan(&id)
	return id, err
}

// ListMessagesBetween returns rows with from <= created_at < to, oldest first.
func (s *Store) ListMessagesBetween(ctx context.Context, conversationID string, from, to time.Time, limit int) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, conversation_id::text, role, content, created_at
FROM messages
WHERE conversation_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at
LIMIT $4`, conversationID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListRecentMessages returns the newest rows, oldest first.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, conversation_id::text, role, content, created_at FROM (
  SELECT id, conversation_id, role, content, created_at
  FROM messages WHERE conversation_id = $1
  ORDER BY created_at DESC LIMIT $2
) sub ORDER BY created_at`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListConversationsWithMessagesSince returns conversation ids that have
// transcript activity after the cutoff; the rollup worker scans these.
func (s *Store) ListConversationsWithMessagesSince(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT conversation_id::text FROM messages WHERE created_at >= $1 LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ---- memory rollup rows ----

// UpsertEpisode writes a B episode, idempotent by (conversation, bucket).
func (s *Store) UpsertEpisode(ctx context.Context, ep Episode) error {
	loops, _ := json.Marshal(ep.OpenLoops)
	tags, _ := json.Marshal(ep.Tags)
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO memory_episodes (conversation_id, bucket_start, summary, open_loops, tags, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (conversation_id, bucket_start) DO UPDATE SET
  summary = EXCLUDED.summary,
  open_loops = EXCLUDED.open_loops,
  tags = EXCLUDED.tags`,
		ep.ConversationID, ep.BucketStart, ep.Summary, loops, tags)
	return err
}

// ListEpisodes returns the newest episodes for a conversation.
func (s *Store) ListEpisodes(ctx context.Context, conversationID string, limit int) ([]Episode, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT conversation_id::text, bucket_start, summary, open_loops, tags
FROM memory_episodes WHERE conversation_id = $1
ORDER BY bucket_start DESC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var eps []Episode
	for rows.Next() {
		var ep Episode
		var loops, tags []byte
		if err := rows.Scan(&ep.ConversationID, &ep.BucketStart, &ep.Summary, &loops, &tags); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(loops, &ep.OpenLoops)
		_ = json.Unmarshal(tags, &ep.Tags)
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// UpsertDailySummary writes a C row, idempotent by (conversation, day).
func (s *Store) UpsertDailySummary(ctx context.Context, d DailySummary) error {
	hl, _ := json.Marshal(d.Highlights)
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO memory_daily (conversation_id, day_start, summary, highlights, user_profile, role_profile, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (conversation_id, day_start) DO UPDATE SET
  summary = EXCLUDED.summary,
  highlights = EXCLUDED.highlights,
  user_profile = EXCLUDED.user_profile,
  role_profile = EXCLUDED.role_profile`,
		d.ConversationID, d.DayStart, d.Summary, hl, d.UserProfile, d.RoleProfile)
	return err
}

// ListDailySummariesBetween returns C rows with from <= day_start < to.
func (s *Store) ListDailySummariesBetween(ctx context.Context, conversationID string, from, to time.Time) ([]DailySummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT conversation_id::text, day_start, summary, highlights, user_profile, role_profile
FROM memory_daily
WHERE conversation_id = $1 AND day_start >= $2 AND day_start < $3
ORDER BY day_start`, conversationID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DailySummary
	for rows.Next() {
		var d DailySummary
		var hl []byte
		if err := rows.Scan(&d.ConversationID, &d.DayStart, &d.Summary, &hl, &d.UserProfile, &d.RoleProfile); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(hl, &d.Highlights)
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertBiweeklySummary writes a D row, idempotent by (conversation, period).
func (s *Store) UpsertBiweeklySummary(ctx context.Context, b BiweeklySummary) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO memory_biweekly (conversation_id, period_start, summary, created_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (conversation_id, period_start) DO UPDATE SET summary = EXCLUDED.summary`,
		b.ConversationID, b.PeriodStart, b.Summary)
	return err
}

// HasBiweeklySummary reports whether the period was already summarized.
func (s *Store) HasBiweeklySummary(ctx context.Context, conversationID string, periodStart time.Time) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM memory_biweekly WHERE conversation_id = $1 AND period_start = $2`,
		conversationID, periodStart).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetRollupCursor returns the conversation's rollup progress.
func (s *Store) GetRollupCursor(ctx context.Context, conversationID string) (RollupCursor, bool, error) {
	var c RollupCursor
	var bucket, day, period sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT conversation_id::text, last_bucket_start, last_day_start, last_period_start
FROM rollup_cursors WHERE conversation_id = $1`, conversationID).
		Scan(&c.ConversationID, &bucket, &day, &period)
	if err == sql.ErrNoRows {
		return RollupCursor{ConversationID: conversationID}, false, nil
	}
	if err != nil {
		return RollupCursor{}, false, err
	}
	c.LastBucketStart = bucket.Time
	c.LastDayStart = day.Time
	c.LastPeriodStart = period.Time
	return c, true, nil
}

// UpsertRollupCursor persists rollup progress.
func (s *Store) UpsertRollupCursor(ctx context.Context, c RollupCursor) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO rollup_cursors (conversation_id, last_bucket_start, last_day_start, last_period_start, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (conversation_id) DO UPDATE SET
  last_bucket_start = EXCLUDED.last_bucket_start,
  last_day_start = EXCLUDED.last_day_start,
  last_period_start = EXCLUDED.last_period_start,
  updated_at = NOW()`,
		c.ConversationID, nullTime(c.LastBucketStart), nullTime(c.LastDayStart), nullTime(c.LastPeriodStart))
	return err
}

// ---- users ----

// CreateUser inserts a user row; unique-violation surfaces as *pq.Error 23505.
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

// GetUserByEmail returns the user's id and password hash.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id::text, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	return
}

// ---- characters & conversations ----

// CreateCharacter inserts a character and its empty state record.
func (s *Store) CreateCharacter(ctx context.Context, ch Character, stateDoc json.RawMessage) (string, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
INSERT INTO characters (id, owner_id, name, tagline, avatar_url, price_coins, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())`, ch.ID, ch.OwnerID, ch.Name, ch.Tagline, ch.AvatarURL, ch.PriceCoins)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO character_state (character_id, data, version, updated_at) VALUES ($1,$2,1,NOW())`, ch.ID, []byte(stateDoc))
	if err != nil {
		return "", err
	}
	return ch.ID, tx.Commit()
}

// ListCharacters returns all characters, newest first.
func (s *Store) ListCharacters(ctx context.Context, limit int) ([]Character, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, owner_id::text, name, tagline, avatar_url, price_coins, created_at
FROM characters ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Character
	for rows.Next() {
		var c Character
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Tagline, &c.AvatarURL, &c.PriceCoins, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCharacter returns one character.
func (s *Store) GetCharacter(ctx context.Context, id string) (Character, bool, error) {
	var c Character
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, owner_id::text, name, tagline, avatar_url, price_coins, created_at
FROM characters WHERE id = $1`, id).
		Scan(&c.ID, &c.OwnerID, &c.Name, &c.Tagline, &c.AvatarURL, &c.PriceCoins, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Character{}, false, nil
	}
	if err != nil {
		return Character{}, false, err
	}
	return c, true, nil
}

// CreateConversation inserts a conversation and its empty state record.
func (s *Store) CreateConversation(ctx context.Context, conv Conversation, stateDoc json.RawMessage) (string, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
INSERT INTO conversations (id, user_id, character_id, title, created_at)
VALUES ($1,$2,$3,$4,NOW())`, conv.ID, conv.UserID, conv.CharacterID, conv.Title)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO conversation_state (conversation_id, data, version, updated_at) VALUES ($1,$2,1,NOW())`, conv.ID, []byte(stateDoc))
	if err != nil {
		return "", err
	}
	return conv.ID, tx.Commit()
}

// ListConversations returns a user's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id::text, user_id::text, character_id::text, title, created_at
FROM conversations WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.CharacterID, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns one conversation scoped to its owner.
func (s *Store) GetConversation(ctx context.Context, id, userID string) (Conversation, bool, error) {
	var c Conversation
	err := s.DB.QueryRowContext(ctx, `
SELECT id::text, user_id::text, character_id::text, title, created_at
FROM conversations WHERE id = $1 AND user_id = $2`, id, userID).
		Scan(&c.ID, &c.UserID, &c.CharacterID, &c.Title, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return c, true, nil
}

// GetConversationCharacterName returns the display name of the
// character behind a conversation; rollup prompts use it.
func (s *Store) GetConversationCharacterName(ctx context.Context, conversationID string) (string, error) {
	var name string
	err := s.DB.QueryRowContext(ctx, `
SELECT c.name FROM conversations v JOIN characters c ON c.id = v.character_id WHERE v.id = $1`,
		conversationID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return name, err
}

// ---- wallet (auxiliary; degrades when not migrated) ----

// GetWalletBalance returns the user's coin balance, zero when no row.
func (s *Store) GetWalletBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.DB.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, wrapMissingRelation(err)
	}
	return balance, nil
}

// CreditWallet adds coins and records a ledger entry.
func (s *Store) CreditWallet(ctx context.Context, userID string, amount int64, reason string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO wallets (user_id, balance) VALUES ($1,$2)
ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance`, userID, amount); err != nil {
		return wrapMissingRelation(err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO wallet_ledger (user_id, delta, reason, created_at) VALUES ($1,$2,$3,NOW())`, userID, amount, reason); err != nil {
		return wrapMissingRelation(err)
	}
	return tx.Commit()
}

// UnlockCharacter atomically debits the wallet and records the unlock.
// The debit is conditional on sufficient balance; zero rows affected
// means insufficient funds, not a lost race.
func (s *Store) UnlockCharacter(ctx context.Context, userID, characterID string, price int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if price > 0 {
		res, err := tx.ExecContext(ctx, `
UPDATE wallets SET balance = balance - $2 WHERE user_id = $1 AND balance >= $2`, userID, price)
		if err != nil {
			return wrapMissingRelation(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInsufficientFunds
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO wallet_ledger (user_id, delta, reason, created_at) VALUES ($1,$2,$3,NOW())`,
			userID, -price, "unlock:"+characterID); err != nil {
			return wrapMissingRelation(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO unlocks (user_id, character_id, created_at) VALUES ($1,$2,NOW())
ON CONFLICT (user_id, character_id) DO NOTHING`, userID, characterID); err != nil {
		return wrapMissingRelation(err)
	}
	return tx.Commit()
}

// HasUnlock reports whether the user unlocked the character.
func (s *Store) HasUnlock(ctx context.Context, userID, characterID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM unlocks WHERE user_id = $1 AND character_id = $2`, userID, characterID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapMissingRelation(err)
	}
	return true, nil
}

// wrapMissingRelation maps "relation does not exist" (42P01) onto
// ErrFeatureUnavailable so auxiliary features degrade softly.
func wrapMissingRelation(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "42P01" {
		return fmt.Errorf("%w: %s", ErrFeatureUnavailable, pgErr.Message)
	}
	if strings.Contains(err.Error(), "does not exist") {
		return fmt.Errorf("%w: %v", ErrFeatureUnavailable, err)
	}
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
