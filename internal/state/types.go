package state

import (
	"encoding/json"
	"time"
)

// Narration modes.
const (
	NarrationDialog    = "DIALOG"
	NarrationNarration = "NARRATION"
	NarrationMultiCast = "MULTI_CAST"
	NarrationCG        = "CG"
	NarrationSchedule  = "SCHEDULE"
)

// Relationship stages, ordered.
var Stages = []string{"S1", "S2", "S3", "S4", "S5", "S6", "S7"}

// Plot granularity.
const (
	GranularityLine  = "LINE"
	GranularityBeat  = "BEAT"
	GranularityScene = "SCENE"
)

// Ending modes.
const (
	EndingQuestion = "QUESTION"
	EndingAction   = "ACTION"
	EndingCliff    = "CLIFF"
	EndingMixed    = "MIXED"
)

// Romance modes.
const (
	RomanceOn  = "ROMANCE_ON"
	RomanceOff = "ROMANCE_OFF"
)

// Schedule states.
const (
	SchedulePlay  = "PLAY"
	SchedulePause = "PAUSE"
)

// Bounded-list caps for persisted state. Inserts evict oldest entries.
const (
	MaxPresentCharacters = 8
	MaxOpenThreads       = 60
	MaxPendingScenes     = 40
	MaxBeatHistory       = 80
	MaxEventLog          = 260
	MaxNPCs              = 200
	MaxInventoryItems    = 200
	MaxRelationLedger    = 180
	MaxRecentEpisodes    = 20
	MaxDailyRecent       = 14
	MaxHighlights        = 60
	MaxBiweekly          = 10
	MaxAppliedJobIDs     = 240
	MaxFactLog           = 260
	MaxNextEndings       = 6
)

// AxisNames are the six experience axes tracked on the plot board.
var AxisNames = []string{"intimacy", "risk", "information", "action", "relationship", "growth"}

// RunState holds the fast-moving per-conversation controls.
type RunState struct {
	NarrationMode      string   `json:"narration_mode"`
	PresentCharacters  []string `json:"present_characters"`
	CurrentMainRole    string   `json:"current_main_role"`
	RelationshipStage  string   `json:"relationship_stage"`
	PlotGranularity    string   `json:"plot_granularity"`
	EndingMode         string   `json:"ending_mode"`
	RomanceMode        string   `json:"romance_mode"`
	ScheduleState      string   `json:"schedule_state"`
	Goal               string   `json:"goal"`
	TurnSeq            int      `json:"turn_seq"`
	AppliedPatchJobIDs []string `json:"applied_patch_job_ids"`
}

// PlotBoard tracks narrative structure. Thread/scene/beat entries are
// free-form documents proposed by the model; they are identified by a
// stable key (id, name, title or content) for dedupe and closing.
type PlotBoard struct {
	ExperienceAxes map[string]float64 `json:"experience_axes"`
	OpenThreads    []map[string]any   `json:"open_threads"`
	PendingScenes  []map[string]any   `json:"pending_scenes"`
	BeatHistory    []map[string]any   `json:"beat_history"`
}

// ScheduleBoard controls the schedule/story-lock mode.
type ScheduleBoard struct {
	ManualControl   bool       `json:"manual_control"`
	LockMode        string     `json:"lock_mode"` // manual | story_lock
	StoryLockUntil  *time.Time `json:"story_lock_until,omitempty"`
	StoryLockReason string     `json:"story_lock_reason,omitempty"`
}

// NPCRecord is a background character entry keyed by stable name.
type NPCRecord struct {
	Name      string `json:"name"`
	Summary   string `json:"summary"`
	Confirmed bool   `json:"confirmed"`
}

// RelationFact is one relation-ledger entry.
type RelationFact struct {
	Text      string `json:"text"`
	Confirmed bool   `json:"confirmed"`
}

// Wardrobe tracks the current outfit claim.
type Wardrobe struct {
	CurrentOutfit string   `json:"current_outfit"`
	Confirmed     bool     `json:"confirmed"`
	Items         []string `json:"items,omitempty"`
}

// Ledger is the durable world-state record.
type Ledger struct {
	EventLog       []string             `json:"event_log"`
	NPCDatabase    map[string]NPCRecord `json:"npc_database"`
	Inventory      map[string]int       `json:"inventory"`
	Wardrobe       Wardrobe             `json:"wardrobe"`
	RelationLedger []RelationFact       `json:"relation_ledger"`
}

// EpisodeDigest is a compact 10-minute-bucket memory entry kept on the
// conversation state; the full row lives in the episode table.
type EpisodeDigest struct {
	BucketStart time.Time `json:"bucket_start"`
	Summary     string    `json:"summary"`
	OpenLoops   []string  `json:"open_loops,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// DailyDigest is a compact daily (C0) summary entry.
type DailyDigest struct {
	DayStart time.Time `json:"day_start"`
	Summary  string    `json:"summary"`
}

// Memory holds the rolled-up conversation memory consulted on every turn.
type Memory struct {
	RecentEpisodes []EpisodeDigest `json:"memory_b_recent"`
	DailyRecent    []DailyDigest   `json:"memory_c0_recent"`
	Highlights     []string        `json:"highlights"`
	UserProfile    string          `json:"user_profile"`
	RoleProfile    string          `json:"role_profile"`
	Biweekly       []string        `json:"biweekly"`
}

// StyleGuard steers ending variety on upcoming turns.
type StyleGuard struct {
	EndingRepeatWindow int      `json:"ending_repeat_window"`
	NextEndingsPrefer  []string `json:"next_endings_prefer,omitempty"`
}

// ConversationState is the versioned per-conversation document. The
// version counter lives on the store row, not in the document.
type ConversationState struct {
	RunState        RunState         `json:"run_state"`
	PlotBoard       PlotBoard        `json:"plot_board"`
	ScheduleBoard   ScheduleBoard    `json:"schedule_board"`
	Ledger          Ledger           `json:"ledger"`
	Memory          Memory           `json:"memory"`
	StyleGuard      StyleGuard       `json:"style_guard"`
	FocusPanel      map[string]any   `json:"focus_panel,omitempty"`
	ModerationFlags map[string]any   `json:"moderation_flags,omitempty"`
	FactLog         []map[string]any `json:"fact_log,omitempty"`
}

// CharacterState is the versioned per-character document.
type CharacterState struct {
	PersonaSystem map[string]any `json:"persona_system"`
	IPPack        map[string]any `json:"ip_pack"`
}

// NewConversationState returns a state document with defaults filled.
func NewConversationState() *ConversationState {
	return &ConversationState{
		RunState: RunState{
			NarrationMode:     NarrationDialog,
			RelationshipStage: "S1",
			PlotGranularity:   GranularityBeat,
			EndingMode:        EndingMixed,
			RomanceMode:       RomanceOn,
			ScheduleState:     SchedulePlay,
		},
		PlotBoard: PlotBoard{ExperienceAxes: zeroAxes()},
		Ledger: Ledger{
			NPCDatabase: map[string]NPCRecord{},
			Inventory:   map[string]int{},
		},
		StyleGuard: StyleGuard{EndingRepeatWindow: 6},
	}
}

func zeroAxes() map[string]float64 {
	m := make(map[string]float64, len(AxisNames))
	for _, a := range AxisNames {
		m[a] = 0
	}
	return m
}

// Clone deep-copies a state document via its JSON form. Callers that need
// a pre-mutation snapshot for optimistic retry must clone before Apply.
func (cs *ConversationState) Clone() *ConversationState {
	b, _ := json.Marshal(cs)
	out := &ConversationState{}
	_ = json.Unmarshal(b, out)
	return out
}

// Clone deep-copies the character state document.
func (chs *CharacterState) Clone() *CharacterState {
	b, _ := json.Marshal(chs)
	out := &CharacterState{}
	_ = json.Unmarshal(b, out)
	return out
}

// StageIndex returns the 0-based index of a relationship stage, or -1.
func StageIndex(stage string) int {
	for i, s := range Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// ClampStep limits a proposed stage to at most one step from current.
// Unknown inputs fall back to the current stage.
func ClampStep(current, proposed string) string {
	ci, pi := StageIndex(current), StageIndex(proposed)
	if ci < 0 {
		ci = 0
	}
	if pi < 0 {
		return Stages[ci]
	}
	if pi > ci+1 {
		pi = ci + 1
	}
	if pi < ci-1 {
		pi = ci - 1
	}
	return Stages[pi]
}

// capTail keeps at most max entries, evicting the oldest (front).
func capTail[T any](list []T, max int) []T {
	if max <= 0 || len(list) <= max {
		return list
	}
	return list[len(list)-max:]
}

// itemKey extracts the stable identity of a free-form list entry: the
// first present of id, name, title, content.
func itemKey(item map[string]any) string {
	for _, k := range []string{"id", "name", "title", "content"} {
		if v, ok := item[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
