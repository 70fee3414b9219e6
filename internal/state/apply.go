package state

import (
	"time"
)

// Apply merges a sanitized patch into the two state documents in place.
// Callers own copy-on-write: clone both documents first when a
// pre-mutation snapshot is needed for optimistic retry. The returned
// episode is non-nil only when includeEpisode is set and the patch
// carried one; the caller separately upserts it into the episode table.
func Apply(cs *ConversationState, chs *CharacterState, p *Patch, includeEpisode bool, now time.Time) *EpisodeDigest {
	applyRunState(cs, p)
	applyPlotBoard(cs, p)
	applyLedger(cs, p)
	mergeDoc(&cs.FocusPanel, p.FocusPanel)
	mergeDoc(&cs.ModerationFlags, p.ModerationFlags)
	applyScheduleBoard(cs, p.ScheduleBoard)
	applyStyleGuard(cs, p.StyleGuard)
	applyFacts(cs, p)

	if chs != nil {
		mergeDoc(&chs.PersonaSystem, p.PersonaSystem)
		mergeDoc(&chs.IPPack, p.IPPack)
	}

	episode := applyMemory(cs, p, now)
	if !includeEpisode {
		return nil
	}
	return episode
}

// ApplyCharacter merges only the character-level sections of a patch.
// The patch worker writes the two documents under separate version
// counters, so the character half gets its own retry loop.
func ApplyCharacter(chs *CharacterState, p *Patch) {
	mergeDoc(&chs.PersonaSystem, p.PersonaSystem)
	mergeDoc(&chs.IPPack, p.IPPack)
}

func applyRunState(cs *ConversationState, p *Patch) {
	rs := &cs.RunState
	if p.RunState.NarrationMode != nil {
		rs.NarrationMode = *p.RunState.NarrationMode
	}
	if p.RunState.PresentCharacters != nil {
		rs.PresentCharacters = p.RunState.PresentCharacters
	}
	if p.RunState.CurrentMainRole != nil {
		rs.CurrentMainRole = *p.RunState.CurrentMainRole
	}
	if p.RunState.RelationshipStage != nil {
		rs.RelationshipStage = *p.RunState.RelationshipStage
	}
	if p.RunState.PlotGranularity != nil {
		rs.PlotGranularity = *p.RunState.PlotGranularity
	}
	if p.RunState.EndingMode != nil {
		rs.EndingMode = *p.RunState.EndingMode
	}
	if p.RunState.RomanceMode != nil {
		rs.RomanceMode = *p.RunState.RomanceMode
	}
	if p.RunState.ScheduleState != nil {
		rs.ScheduleState = *p.RunState.ScheduleState
	}
	if p.RunState.Goal != nil {
		rs.Goal = *p.RunState.Goal
	}
}

func applyPlotBoard(cs *ConversationState, p *Patch) {
	pb := &cs.PlotBoard
	if pb.ExperienceAxes == nil {
		pb.ExperienceAxes = zeroAxes()
	}
	for axis, d := range p.PlotBoard.AxisDeltas {
		pb.ExperienceAxes[axis] = clampFloat(pb.ExperienceAxes[axis]+d, 0, 1)
	}

	pb.OpenThreads = appendDocs(pb.OpenThreads, p.PlotBoard.OpenThreadsAdd, MaxOpenThreads)
	pb.OpenThreads = closeDocs(pb.OpenThreads, p.PlotBoard.OpenThreadsClose)
	pb.PendingScenes = appendDocs(pb.PendingScenes, p.PlotBoard.PendingScenesAdd, MaxPendingScenes)
	pb.PendingScenes = closeDocs(pb.PendingScenes, p.PlotBoard.PendingScenesClose)
	pb.BeatHistory = appendDocs(pb.BeatHistory, p.PlotBoard.BeatsAdd, MaxBeatHistory)
}

func applyLedger(cs *ConversationState, p *Patch) {
	lg := &cs.Ledger
	lg.EventLog = capTail(append(lg.EventLog, p.Ledger.EventLogAdd...), MaxEventLog)

	if len(p.Ledger.NPCUpserts) > 0 && lg.NPCDatabase == nil {
		lg.NPCDatabase = map[string]NPCRecord{}
	}
	for _, npc := range p.Ledger.NPCUpserts {
		if len(lg.NPCDatabase) >= MaxNPCs {
			if _, exists := lg.NPCDatabase[npc.Name]; !exists {
				continue
			}
		}
		lg.NPCDatabase[npc.Name] = npc
	}

	if len(p.Ledger.InventoryDeltas) > 0 && lg.Inventory == nil {
		lg.Inventory = map[string]int{}
	}
	for name, delta := range p.Ledger.InventoryDeltas {
		if _, exists := lg.Inventory[name]; !exists && len(lg.Inventory) >= MaxInventoryItems {
			continue
		}
		next := lg.Inventory[name] + delta
		if next < 0 {
			next = 0
		}
		lg.Inventory[name] = next
	}

	if p.Ledger.Wardrobe != nil {
		w := *p.Ledger.Wardrobe
		if w.Items == nil {
			w.Items = lg.Wardrobe.Items
		}
		lg.Wardrobe = w
	}

	for _, rel := range p.Ledger.RelationAdds {
		lg.RelationLedger = append(lg.RelationLedger, rel)
	}
	lg.RelationLedger = capTail(lg.RelationLedger, MaxRelationLedger)
}

func applyScheduleBoard(cs *ConversationState, patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	sb := &cs.ScheduleBoard
	if v, ok := asBool(patch["manual_control"]); ok {
		sb.ManualControl = v
	}
	if v, ok := asString(patch["lock_mode"]); ok && (v == "manual" || v == "story_lock") {
		sb.LockMode = v
	}
	if v, ok := asString(patch["story_lock_until"]); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			sb.StoryLockUntil = &ts
		}
	}
	if v, ok := asString(patch["story_lock_reason"]); ok {
		sb.StoryLockReason = v
	}
}

func applyStyleGuard(cs *ConversationState, patch map[string]any) {
	if v, ok := patch["ending_repeat_window"].(int); ok {
		cs.StyleGuard.EndingRepeatWindow = v
	}
	if v, ok := patch["next_endings_prefer"].([]string); ok {
		cs.StyleGuard.NextEndingsPrefer = v
	}
}

func applyFacts(cs *ConversationState, p *Patch) {
	if len(p.FactAdds) == 0 {
		return
	}
	cs.FactLog = append(cs.FactLog, p.FactAdds...)
	cs.FactLog = capTail(cs.FactLog, MaxFactLog)
}

func applyMemory(cs *ConversationState, p *Patch, now time.Time) *EpisodeDigest {
	mem := &cs.Memory
	if p.Memory.UserProfile != nil {
		mem.UserProfile = *p.Memory.UserProfile
	}
	if p.Memory.RoleProfile != nil {
		mem.RoleProfile = *p.Memory.RoleProfile
	}
	if len(p.Memory.HighlightsAdd) > 0 {
		mem.Highlights = capTail(append(mem.Highlights, p.Memory.HighlightsAdd...), MaxHighlights)
	}
	if p.Memory.Episode == nil {
		return nil
	}
	ep := EpisodeDigest{
		BucketStart: BucketStart(now),
		Summary:     p.Memory.Episode.Summary,
		OpenLoops:   p.Memory.Episode.OpenLoops,
		Tags:        p.Memory.Episode.Tags,
	}
	mem.RecentEpisodes = capTail(append(mem.RecentEpisodes, ep), MaxRecentEpisodes)
	return &ep
}

// BucketStart floors a timestamp to its 10-minute UTC bucket.
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(10 * time.Minute)
}

// mergeDoc shallow-merges patch keys into a free-form document,
// allocating it on first use.
func mergeDoc(dst *map[string]any, patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	if *dst == nil {
		*dst = map[string]any{}
	}
	for k, v := range patch {
		(*dst)[k] = v
	}
}

// appendDocs appends new entries, skipping ones whose stable key is
// already present, and evicts oldest past the cap.
func appendDocs(list []map[string]any, adds []map[string]any, max int) []map[string]any {
	if len(adds) == 0 {
		return list
	}
	existing := map[string]bool{}
	for _, item := range list {
		if k := itemKey(item); k != "" {
			existing[k] = true
		}
	}
	for _, item := range adds {
		k := itemKey(item)
		if k != "" && existing[k] {
			continue
		}
		if k != "" {
			existing[k] = true
		}
		list = append(list, item)
	}
	return capTail(list, max)
}

// closeDocs removes entries whose stable key is in keys.
func closeDocs(list []map[string]any, keys []string) []map[string]any {
	if len(keys) == 0 {
		return list
	}
	closing := map[string]bool{}
	for _, k := range keys {
		closing[k] = true
	}
	out := list[:0]
	for _, item := range list {
		if closing[itemKey(item)] {
			continue
		}
		out = append(out, item)
	}
	return out
}
