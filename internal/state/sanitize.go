package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrSchemaIncomplete marks a raw patch missing one of the required
// top-level keys. The whole patch is discarded in that case.
var ErrSchemaIncomplete = errors.New("patch schema incomplete")

// requiredPatchKeys are the eleven top-level keys a raw patch must carry,
// even when their values are empty. A key-complete patch proves the model
// considered every section rather than silently omitting some.
var requiredPatchKeys = []string{
	"run_state_patch",
	"plot_board_patch",
	"schedule_board_patch",
	"ledger_patch",
	"memory_patch",
	"style_guard_patch",
	"focus_panel_patch",
	"moderation_flags_patch",
	"fact_patch_add",
	"persona_system_patch",
	"ip_pack_patch",
}

// Per-patch limits.
const (
	MaxAxisDelta        = 0.2
	MaxThreadAdds       = 24
	MaxEventAdds        = 160
	MaxRelationAdds     = 120
	MaxFactAdds         = 160
	MaxInventoryDelta   = 99
	MaxEventTextLen     = 1000
	MaxEpisodeSummary   = 512
	MaxLoopTagCount     = 20
	MaxNPCNameLen       = 80
	MaxNPCSummaryLen    = 240
	maxShortStringRunes = 80
)

// RunStatePatch is the sanitized run_state delta. Nil pointers mean the
// field was not proposed and the current value is retained.
type RunStatePatch struct {
	NarrationMode     *string
	PresentCharacters []string
	CurrentMainRole   *string
	RelationshipStage *string
	PlotGranularity   *string
	EndingMode        *string
	RomanceMode       *string
	ScheduleState     *string
	Goal              *string
}

// PlotBoardPatch is the sanitized plot_board delta.
type PlotBoardPatch struct {
	AxisDeltas         map[string]float64
	OpenThreadsAdd     []map[string]any
	OpenThreadsClose   []string
	PendingScenesAdd   []map[string]any
	PendingScenesClose []string
	BeatsAdd           []map[string]any
}

// LedgerPatch is the sanitized ledger delta.
type LedgerPatch struct {
	EventLogAdd     []string
	NPCUpserts      []NPCRecord
	InventoryDeltas map[string]int
	Wardrobe        *Wardrobe
	RelationAdds    []RelationFact
}

// EpisodePatch is the sanitized memory_b_episode section.
type EpisodePatch struct {
	Summary   string
	OpenLoops []string
	Tags      []string
}

// MemoryPatch is the sanitized memory delta.
type MemoryPatch struct {
	UserProfile   *string
	RoleProfile   *string
	HighlightsAdd []string
	Episode       *EpisodePatch
}

// Patch is a fully-sanitized state delta. Every section is always
// present so the applier never has to probe for keys.
type Patch struct {
	RunState        RunStatePatch
	PlotBoard       PlotBoardPatch
	ScheduleBoard   map[string]any
	Ledger          LedgerPatch
	Memory          MemoryPatch
	StyleGuard      map[string]any
	FocusPanel      map[string]any
	ModerationFlags map[string]any
	FactAdds        []map[string]any
	PersonaSystem   map[string]any
	IPPack          map[string]any
}

var narrationModes = map[string]bool{
	NarrationDialog: true, NarrationNarration: true, NarrationMultiCast: true,
	NarrationCG: true, NarrationSchedule: true,
}
var granularities = map[string]bool{GranularityLine: true, GranularityBeat: true, GranularityScene: true}
var endingModes = map[string]bool{EndingQuestion: true, EndingAction: true, EndingCliff: true, EndingMixed: true}
var romanceModes = map[string]bool{RomanceOn: true, RomanceOff: true}
var scheduleStates = map[string]bool{SchedulePlay: true, SchedulePause: true}

// Sanitize validates and normalizes a raw model-proposed patch against
// the current state and the turn's evidence text. It returns nil and an
// error when the patch is schema-incomplete; malformed-but-present
// fields are normalized, clamped or dropped rather than rejected.
func Sanitize(raw map[string]any, cs *ConversationState, evidence string) (*Patch, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: patch is not an object", ErrSchemaIncomplete)
	}
	for _, key := range requiredPatchKeys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrSchemaIncomplete, key)
		}
	}

	p := &Patch{
		ScheduleBoard:   asMap(raw["schedule_board_patch"]),
		FocusPanel:      asMap(raw["focus_panel_patch"]),
		ModerationFlags: asMap(raw["moderation_flags_patch"]),
		PersonaSystem:   asMap(raw["persona_system_patch"]),
		IPPack:          asMap(raw["ip_pack_patch"]),
	}
	sanitizeRunState(p, asMap(raw["run_state_patch"]), cs)
	sanitizePlotBoard(p, asMap(raw["plot_board_patch"]))
	sanitizeLedger(p, asMap(raw["ledger_patch"]), cs, evidence, effectivePresent(p, cs))
	sanitizeMemory(p, asMap(raw["memory_patch"]))
	sanitizeStyleGuard(p, asMap(raw["style_guard_patch"]))
	p.FactAdds = sanitizeFactAdds(raw["fact_patch_add"])

	// Uniform evidence gate: no section may assert an unconfirmed fact as
	// ground truth, including free-form pass-through documents.
	gateConfirmed(p.ScheduleBoard, evidence)
	gateConfirmed(p.FocusPanel, evidence)
	gateConfirmed(p.ModerationFlags, evidence)
	gateConfirmed(p.PersonaSystem, evidence)
	gateConfirmed(p.IPPack, evidence)
	for _, f := range p.FactAdds {
		gateConfirmed(f, evidence)
	}
	return p, nil
}

func sanitizeRunState(p *Patch, rs map[string]any, cs *ConversationState) {
	if mode, ok := asString(rs["narration_mode"]); ok && narrationModes[mode] {
		p.RunState.NarrationMode = &mode
	}
	if names, ok := asStringList(rs["present_characters"]); ok {
		p.RunState.PresentCharacters = uniqueHead(names, MaxPresentCharacters)
	}
	if stage, ok := asString(rs["relationship_stage"]); ok && StageIndex(stage) >= 0 {
		clamped := ClampStep(cs.RunState.RelationshipStage, stage)
		p.RunState.RelationshipStage = &clamped
	}
	if g, ok := asString(rs["plot_granularity"]); ok && granularities[g] {
		p.RunState.PlotGranularity = &g
	}
	if e, ok := asString(rs["ending_mode"]); ok && endingModes[e] {
		p.RunState.EndingMode = &e
	}
	if r, ok := asString(rs["romance_mode"]); ok && romanceModes[r] {
		p.RunState.RomanceMode = &r
	}
	if s, ok := asString(rs["schedule_state"]); ok && scheduleStates[s] {
		p.RunState.ScheduleState = &s
	}
	if g, ok := asString(rs["goal"]); ok {
		goal := truncateRunes(g, MaxEventTextLen)
		p.RunState.Goal = &goal
	}

	present := effectivePresent(p, cs)

	// MULTI_CAST needs at least two non-user roles on stage.
	mode := cs.RunState.NarrationMode
	if p.RunState.NarrationMode != nil {
		mode = *p.RunState.NarrationMode
	}
	if mode == NarrationMultiCast && countNonUser(present) < 2 {
		dialog := NarrationDialog
		p.RunState.NarrationMode = &dialog
	}

	// Auto-fill the main role when absent or no longer on stage.
	main := cs.RunState.CurrentMainRole
	if v, ok := asString(rs["current_main_role"]); ok {
		main = v
	}
	if (main == "" || !containsFold(present, main)) && len(present) > 0 {
		for _, name := range present {
			if !isUserRole(name) {
				main = name
				break
			}
		}
	}
	if main != "" && main != cs.RunState.CurrentMainRole {
		p.RunState.CurrentMainRole = &main
	}
}

func sanitizePlotBoard(p *Patch, pb map[string]any) {
	p.PlotBoard.AxisDeltas = map[string]float64{}
	for axis, v := range asMap(pb["axis_deltas"]) {
		if !containsFold(AxisNames, axis) {
			continue
		}
		if f, ok := asFloat(v); ok {
			p.PlotBoard.AxisDeltas[strings.ToLower(axis)] = clampFloat(f, -MaxAxisDelta, MaxAxisDelta)
		}
	}
	p.PlotBoard.OpenThreadsAdd = headMaps(asMapList(pb["open_threads_add"]), MaxThreadAdds)
	p.PlotBoard.PendingScenesAdd = headMaps(asMapList(pb["pending_scenes_add"]), MaxThreadAdds)
	p.PlotBoard.BeatsAdd = headMaps(asMapList(pb["beats_add"]), MaxThreadAdds)
	p.PlotBoard.OpenThreadsClose = closeKeys(pb["open_threads_close"])
	p.PlotBoard.PendingScenesClose = closeKeys(pb["pending_scenes_close"])
}

func sanitizeLedger(p *Patch, lg map[string]any, cs *ConversationState, evidence string, present []string) {
	// event_log_add: truncate, dedupe against the existing log and within
	// the batch by normalized content, cap the batch.
	seen := map[string]bool{}
	for _, e := range cs.Ledger.EventLog {
		seen[normText(e)] = true
	}
	if items, ok := asStringList(lg["event_log_add"]); ok {
		for _, e := range items {
			e = truncateRunes(e, MaxEventTextLen)
			key := normText(e)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			p.Ledger.EventLogAdd = append(p.Ledger.EventLogAdd, e)
			if len(p.Ledger.EventLogAdd) >= MaxEventAdds {
				break
			}
		}
	}

	for _, entry := range asMapList(lg["npc_db_add_or_update"]) {
		name, _ := asString(entry["name"])
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		// Active dialogue partners are never background NPCs.
		if containsFold(present, name) {
			continue
		}
		if !evidenced(evidence, name) {
			continue
		}
		summary, _ := asString(entry["summary"])
		confirmed, _ := asBool(entry["confirmed"])
		p.Ledger.NPCUpserts = append(p.Ledger.NPCUpserts, NPCRecord{
			Name:      truncateRunes(name, MaxNPCNameLen),
			Summary:   truncateRunes(summary, MaxNPCSummaryLen),
			Confirmed: confirmed && evidenced(evidence, name),
		})
	}

	p.Ledger.InventoryDeltas = map[string]int{}
	for _, entry := range asMapList(lg["inventory_delta"]) {
		key := resolveItemKey(entry)
		if key == "" {
			continue
		}
		d, ok := asFloat(entry["delta"])
		if !ok {
			d, ok = asFloat(entry["count"])
		}
		if !ok {
			continue
		}
		delta := clampInt(int(d), -MaxInventoryDelta, MaxInventoryDelta)
		// A withdrawal can at most zero out what is on hand.
		onHand := cs.Ledger.Inventory[key] + p.Ledger.InventoryDeltas[key]
		if onHand+delta < 0 {
			delta = -onHand
		}
		p.Ledger.InventoryDeltas[key] += delta
	}

	if w := asMap(lg["wardrobe_update"]); len(w) > 0 {
		outfit, _ := asString(w["current_outfit"])
		confirmed, _ := asBool(w["confirmed"])
		items, _ := asStringList(w["items"])
		p.Ledger.Wardrobe = &Wardrobe{
			CurrentOutfit: truncateRunes(outfit, maxShortStringRunes),
			Confirmed:     confirmed && evidenced(evidence, outfit),
			Items:         items,
		}
	}

	seenRel := map[string]bool{}
	for _, r := range cs.Ledger.RelationLedger {
		seenRel[normText(r.Text)] = true
	}
	for _, v := range asList(lg["relation_ledger_add"]) {
		var text string
		var confirmed bool
		switch t := v.(type) {
		case string:
			text = t
		case map[string]any:
			text, _ = asString(t["text"])
			confirmed, _ = asBool(t["confirmed"])
		}
		text = truncateRunes(strings.TrimSpace(text), MaxEventTextLen)
		key := normText(text)
		if key == "" || seenRel[key] {
			continue
		}
		seenRel[key] = true
		p.Ledger.RelationAdds = append(p.Ledger.RelationAdds, RelationFact{
			Text:      text,
			Confirmed: confirmed && evidenced(evidence, text),
		})
		if len(p.Ledger.RelationAdds) >= MaxRelationAdds {
			break
		}
	}
}

func sanitizeMemory(p *Patch, mem map[string]any) {
	if v, ok := asString(mem["user_profile"]); ok {
		s := truncateRunes(v, MaxEventTextLen)
		p.Memory.UserProfile = &s
	}
	if v, ok := asString(mem["role_profile"]); ok {
		s := truncateRunes(v, MaxEventTextLen)
		p.Memory.RoleProfile = &s
	}
	if hs, ok := asStringList(mem["highlights_add"]); ok {
		p.Memory.HighlightsAdd = uniqueHead(hs, MaxLoopTagCount)
	}
	if ep := asMap(mem["memory_b_episode"]); len(ep) > 0 {
		summary, _ := asString(ep["summary"])
		summary = strings.TrimSpace(summary)
		if summary == "" {
			return // episode without a summary is dropped whole
		}
		loops, _ := asStringList(ep["open_loops"])
		tags, _ := asStringList(ep["tags"])
		p.Memory.Episode = &EpisodePatch{
			Summary:   truncateRunes(summary, MaxEpisodeSummary),
			OpenLoops: shortUnique(loops, MaxLoopTagCount),
			Tags:      shortUnique(tags, MaxLoopTagCount),
		}
	}
}

func sanitizeStyleGuard(p *Patch, sg map[string]any) {
	p.StyleGuard = map[string]any{}
	if v, ok := asFloat(sg["ending_repeat_window"]); ok {
		w := int(v)
		if w >= 3 && w <= 12 {
			p.StyleGuard["ending_repeat_window"] = w
		}
	}
	if tags, ok := asStringList(sg["next_endings_prefer"]); ok {
		p.StyleGuard["next_endings_prefer"] = shortUnique(tags, MaxNextEndings)
	}
}

func sanitizeFactAdds(v any) []map[string]any {
	facts := headMaps(asMapList(v), MaxFactAdds)
	for _, f := range facts {
		for k, val := range f {
			if s, ok := val.(string); ok {
				f[k] = truncateRunes(s, MaxEventTextLen)
			}
		}
	}
	if facts == nil {
		facts = []map[string]any{}
	}
	return facts
}

// gateConfirmed walks a free-form document and downgrades any
// confirmed:true whose accompanying text is not present in the evidence.
func gateConfirmed(doc map[string]any, evidence string) {
	if doc == nil {
		return
	}
	if c, ok := asBool(doc["confirmed"]); ok && c {
		if !evidenced(evidence, confirmableText(doc)) {
			doc["confirmed"] = false
		}
	}
	for _, v := range doc {
		switch t := v.(type) {
		case map[string]any:
			gateConfirmed(t, evidence)
		case []any:
			for _, item := range t {
				if m, ok := item.(map[string]any); ok {
					gateConfirmed(m, evidence)
				}
			}
		}
	}
}

// confirmableText picks the claim string a confirmed flag refers to.
func confirmableText(doc map[string]any) string {
	for _, k := range []string{"text", "name", "content", "summary", "current_outfit", "title"} {
		if s, ok := asString(doc[k]); ok && s != "" {
			return s
		}
	}
	return ""
}

// evidenced reports whether the claim appears in the turn's evidence
// text. Deliberately a case-insensitive substring check; paraphrase
// matching is out of contract.
func evidenced(evidence, claim string) bool {
	claim = strings.TrimSpace(claim)
	if claim == "" {
		return false
	}
	return strings.Contains(strings.ToLower(evidence), strings.ToLower(claim))
}

func effectivePresent(p *Patch, cs *ConversationState) []string {
	if p.RunState.PresentCharacters != nil {
		return p.RunState.PresentCharacters
	}
	return cs.RunState.PresentCharacters
}

func resolveItemKey(entry map[string]any) string {
	for _, k := range []string{"name", "item", "id"} {
		if v, ok := asString(entry[k]); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func isUserRole(name string) bool {
	n := strings.ToLower(strings.Trim(name, "{} "))
	return n == "user" || n == "player"
}

func countNonUser(names []string) int {
	n := 0
	for _, name := range names {
		if !isUserRole(name) {
			n++
		}
	}
	return n
}

func closeKeys(v any) []string {
	var keys []string
	seen := map[string]bool{}
	for _, item := range asList(v) {
		var key string
		switch t := item.(type) {
		case string:
			key = t
		case map[string]any:
			key = itemKey(t)
		}
		key = strings.TrimSpace(key)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

func normText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func uniqueHead(items []string, max int) []string {
	out := make([]string, 0, len(items))
	seen := map[string]bool{}
	for _, s := range items {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if len(out) >= max {
			break
		}
	}
	return out
}

func shortUnique(items []string, max int) []string {
	trimmed := make([]string, 0, len(items))
	for _, s := range items {
		trimmed = append(trimmed, truncateRunes(s, maxShortStringRunes))
	}
	return uniqueHead(trimmed, max)
}

func headMaps(items []map[string]any, max int) []map[string]any {
	if len(items) > max {
		items = items[:max]
	}
	return items
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// ---- loose decoding helpers over untrusted JSON documents ----

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asList(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return nil
}

func asMapList(v any) []map[string]any {
	var out []map[string]any
	for _, item := range asList(v) {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func asStringList(v any) ([]string, bool) {
	l, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(l))
	for _, item := range l {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}
