package state

import "strings"

// Policy is the immutable prompt policy derived from persisted state
// before each model turn.
type Policy struct {
	NarrationMode      string
	RelationshipStage  string
	PlotGranularity    string
	EndingMode         string
	EndingRepeatWindow int
	NextEndingsPrefer  []string
	ReconcileMode      bool
}

var reconcileKeywords = []string{"fact check", "fact-check", "reconcile", "consistency", "continuity", "校对", "核对"}

// DerivePolicy maps persisted run-state fields to a prompt policy.
// It is total: every field is defaulted when absent, and it never fails.
func DerivePolicy(cs *ConversationState, hint string) Policy {
	p := Policy{
		NarrationMode:      NarrationDialog,
		RelationshipStage:  "S1",
		PlotGranularity:    GranularityBeat,
		EndingMode:         EndingMixed,
		EndingRepeatWindow: 6,
	}
	if cs == nil {
		return p
	}
	if cs.RunState.NarrationMode != "" {
		p.NarrationMode = cs.RunState.NarrationMode
	}
	if StageIndex(cs.RunState.RelationshipStage) >= 0 {
		p.RelationshipStage = cs.RunState.RelationshipStage
	}
	if cs.RunState.PlotGranularity != "" {
		p.PlotGranularity = cs.RunState.PlotGranularity
	}
	if cs.RunState.EndingMode != "" {
		p.EndingMode = cs.RunState.EndingMode
	}
	if w := cs.StyleGuard.EndingRepeatWindow; w >= 3 && w <= 12 {
		p.EndingRepeatWindow = w
	}
	if len(cs.StyleGuard.NextEndingsPrefer) > 0 {
		prefer := append([]string(nil), cs.StyleGuard.NextEndingsPrefer...)
		if len(prefer) > MaxNextEndings {
			prefer = prefer[:MaxNextEndings]
		}
		p.NextEndingsPrefer = prefer
	}

	probe := strings.ToLower(cs.RunState.Goal + " " + hint)
	for _, kw := range reconcileKeywords {
		if strings.Contains(probe, kw) {
			p.ReconcileMode = true
			break
		}
	}
	return p
}
