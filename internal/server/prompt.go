package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loreweaver/loreweaver/internal/state"
	"github.com/loreweaver/loreweaver/internal/store"
	"github.com/loreweaver/loreweaver/provider"
)

// buildChatMessages assembles the model call for one roleplay turn:
// persona, rolled-up memory, the derived policy directives and the
// recent transcript window.
func buildChatMessages(ch store.Character, chs *state.CharacterState, cs *state.ConversationState, pol state.Policy, history []store.Message, userText string) []provider.Message {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s.", ch.Name)
	if ch.Tagline != "" {
		fmt.Fprintf(&sys, " %s.", ch.Tagline)
	}
	sys.WriteString("\n")
	if chs != nil && len(chs.PersonaSystem) > 0 {
		if b, err := json.Marshal(chs.PersonaSystem); err == nil {
			sys.WriteString("\nPersona:\n")
			sys.Write(b)
			sys.WriteString("\n")
		}
	}
	if chs != nil && len(chs.IPPack) > 0 {
		if b, err := json.Marshal(chs.IPPack); err == nil {
			sys.WriteString("\nWorld pack:\n")
			sys.Write(b)
			sys.WriteString("\n")
		}
	}

	writeMemory(&sys, cs)

	fmt.Fprintf(&sys, "\nNarration mode: %s. Relationship stage: %s. Plot granularity: %s.\n",
		pol.NarrationMode, pol.RelationshipStage, pol.PlotGranularity)
	fmt.Fprintf(&sys, "End your reply in %s style; avoid repeating an ending style used in the last %d turns.\n",
		strings.ToLower(pol.EndingMode), pol.EndingRepeatWindow)
	if len(pol.NextEndingsPrefer) > 0 {
		fmt.Fprintf(&sys, "Prefer these ending styles next: %s.\n", strings.Join(pol.NextEndingsPrefer, ", "))
	}
	if pol.ReconcileMode {
		sys.WriteString("Reconcile mode: before advancing the plot, re-ground the scene in established facts and gently correct any contradiction.\n")
	}
	if cs != nil && cs.ScheduleBoard.LockMode == "story_lock" && cs.ScheduleBoard.StoryLockUntil != nil && cs.ScheduleBoard.StoryLockUntil.After(time.Now()) {
		reason := cs.ScheduleBoard.StoryLockReason
		if reason == "" {
			reason = "an ongoing story event"
		}
		fmt.Fprintf(&sys, "Story lock is active until %s because of %s; stay inside that scene.\n",
			cs.ScheduleBoard.StoryLockUntil.Format(time.RFC3339), reason)
	}
	if cs != nil && cs.Ledger.Wardrobe.Confirmed && cs.Ledger.Wardrobe.CurrentOutfit != "" {
		fmt.Fprintf(&sys, "Current outfit: %s.\n", cs.Ledger.Wardrobe.CurrentOutfit)
	}

	msgs := []provider.Message{{Role: "system", Content: sys.String()}}
	for _, m := range history {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "assistant"
		}
		msgs = append(msgs, provider.Message{Role: role, Content: m.Content})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: userText})
	return msgs
}

// writeMemory renders the tiered memory, newest tier first: biweekly
// arcs, recent days, recent episodes, then durable profile lines.
func writeMemory(sys *strings.Builder, cs *state.ConversationState) {
	if cs == nil {
		return
	}
	mem := cs.Memory
	if len(mem.Biweekly) > 0 {
		sys.WriteString("\nLong-term arc:\n")
		for _, b := range mem.Biweekly {
			fmt.Fprintf(sys, "- %s\n", b)
		}
	}
	if len(mem.DailyRecent) > 0 {
		sys.WriteString("\nRecent days:\n")
		for _, d := range mem.DailyRecent {
			fmt.Fprintf(sys, "- %s: %s\n", d.DayStart.Format("2006-01-02"), d.Summary)
		}
	}
	if len(mem.RecentEpisodes) > 0 {
		sys.WriteString("\nRecent scenes:\n")
		for _, e := range mem.RecentEpisodes {
			fmt.Fprintf(sys, "- %s\n", e.Summary)
		}
	}
	if mem.UserProfile != "" {
		fmt.Fprintf(sys, "\nAbout the user: %s\n", mem.UserProfile)
	}
	if mem.RoleProfile != "" {
		fmt.Fprintf(sys, "About you so far: %s\n", mem.RoleProfile)
	}
	if len(mem.Highlights) > 0 {
		sys.WriteString("Shared highlights:\n")
		for _, h := range mem.Highlights {
			fmt.Fprintf(sys, "- %s\n", h)
		}
	}
}
