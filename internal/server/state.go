package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loreweaver/loreweaver/internal/state"
	"github.com/loreweaver/loreweaver/internal/store"
)

// StateHandler serves the narrow, user-facing state controls. These
// bypass the model patch path: a player flipping schedule pause or
// correcting an outfit needs an immediate, trusted write.
type StateHandler struct {
	Store *store.Store
}

func (h *StateHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("/:id/state", h.get)
	g.GET("/:id/policy", h.policy)
	g.POST("/:id/state/schedule", h.updateSchedule)
	g.POST("/:id/state/wardrobe", h.updateWardrobe)
	g.POST("/:id/state/stage", h.updateStage)
	g.POST("/:id/state/policy", h.updatePolicy)
}

func (h *StateHandler) owned(c echo.Context) (store.Conversation, error) {
	userID := c.Get("user_id").(string)
	conv, found, err := h.Store.GetConversation(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return store.Conversation{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return store.Conversation{}, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return conv, nil
}

func (h *StateHandler) get(c echo.Context) error {
	conv, err := h.owned(c)
	if err != nil {
		return err
	}
	raw, version, found, err := h.Store.GetRecord(c.Request().Context(), state.TableConversationState, conv.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "conversation state missing")
	}
	return c.JSON(http.StatusOK, map[string]any{"version": version, "state": json.RawMessage(raw)})
}

func (h *StateHandler) policy(c echo.Context) error {
	conv, err := h.owned(c)
	if err != nil {
		return err
	}
	raw, _, found, err := h.Store.GetRecord(c.Request().Context(), state.TableConversationState, conv.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	var cs *state.ConversationState
	if found {
		cs = &state.ConversationState{}
		if err := json.Unmarshal(raw, cs); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, state.DerivePolicy(cs, c.QueryParam("hint")))
}

func (h *StateHandler) updateSchedule(c echo.Context) error {
	conv, err := h.owned(c)
	if err != nil {
		return err
	}
	var req ScheduleUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.LockMode != "" && req.LockMode != "manual" && req.LockMode != "story_lock" {
		return echo.NewHTTPError(http.StatusBadRequest, "lock_mode must be manual or story_lock")
	}
	if req.ScheduleState != "" && req.ScheduleState != state.SchedulePlay && req.ScheduleState != state.SchedulePause {
		return echo.NewHTTPError(http.StatusBadRequest, "schedule_state must be PLAY or PAUSE")
	}
	var until *time.Time
	if req.StoryLockUntil != "" {
		t, err := time.Parse(time.RFC3339, req.StoryLockUntil)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "story_lock_until must be RFC3339")
		}
		until = &t
	}

	version, err := state.UpdateWithRetry(c.Request().Context(), h.Store, state.TableConversationState, conv.ID,
		func(doc *state.ConversationState) error {
			sb := &doc.ScheduleBoard
			if req.ManualControl != nil {
				sb.ManualControl = *req.ManualControl
			}
			if req.LockMode != "" {
				sb.LockMode = req.LockMode
			}
			if until != nil {
				sb.StoryLockUntil = until
			}
			if req.StoryLockReason != "" {
				sb.StoryLockReason = req.StoryLockReason
			}
			if req.ScheduleState != "" {
				doc.RunState.ScheduleState = req.ScheduleState
			}
			return nil
		})
	if err != nil {
		return stateWriteError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"version": version})
}

func (h *StateHandler) updateWardrobe(c echo.Context) error {
	conv, err := h.owned(c)
	if err != nil {
		return err
	}
	var req WardrobeUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.CurrentOutfit == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "current_outfit required")
	}
	version, err := state.UpdateWithRetry(c.Request().Context(), h.Store, state.TableConversationState, conv.ID,
		func(doc *state.ConversationState) error {
			w := &doc.Ledger.Wardrobe
			w.CurrentOutfit = req.CurrentOutfit
			// A direct user edit is its own evidence.
			w.Confirmed = req.Confirmed
			if req.Items != nil {
				w.Items = req.Items
			}
			return nil
		})
	if err != nil {
		return stateWriteError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"version": version})
}

// updateStage sets the relationship stage directly. The one-step clamp
// applies to model patches only; a user edit is authoritative.
func (h *StateHandler) updateStage(c echo.Context) error {
	conv, err := h.owned(c)
	if err != nil {
		return err
	}
	var req StageUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if state.StageIndex(req.Stage) < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "stage must be S1..S7")
	}
	version, err := state.UpdateWithRetry(c.Request().Context(), h.Store, state.TableConversationState, conv.ID,
		func(doc *state.ConversationState) error {
			doc.RunState.RelationshipStage = req.Stage
			return nil
		})
	if err != nil {
		return stateWriteError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"version": version, "stage": req.Stage})
}

// updatePolicy adjusts the user-tunable prompt policy knobs.
func (h *StateHandler) updatePolicy(c echo.Context) error {
	conv, err := h.owned(c)
	if err != nil {
		return err
	}
	var req PolicyUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PlotGranularity != "" && !validGranularity[req.PlotGranularity] {
		return echo.NewHTTPError(http.StatusBadRequest, "plot_granularity must be LINE, BEAT or SCENE")
	}
	if req.EndingMode != "" && !validEnding[req.EndingMode] {
		return echo.NewHTTPError(http.StatusBadRequest, "ending_mode must be QUESTION, ACTION, CLIFF or MIXED")
	}
	if req.RomanceMode != "" && req.RomanceMode != state.RomanceOn && req.RomanceMode != state.RomanceOff {
		return echo.NewHTTPError(http.StatusBadRequest, "romance_mode must be ROMANCE_ON or ROMANCE_OFF")
	}
	if req.EndingRepeatWindow != nil && (*req.EndingRepeatWindow < 3 || *req.EndingRepeatWindow > 12) {
		return echo.NewHTTPError(http.StatusBadRequest, "ending_repeat_window must be within 3..12")
	}
	version, err := state.UpdateWithRetry(c.Request().Context(), h.Store, state.TableConversationState, conv.ID,
		func(doc *state.ConversationState) error {
			if req.PlotGranularity != "" {
				doc.RunState.PlotGranularity = req.PlotGranularity
			}
			if req.EndingMode != "" {
				doc.RunState.EndingMode = req.EndingMode
			}
			if req.RomanceMode != "" {
				doc.RunState.RomanceMode = req.RomanceMode
			}
			if req.EndingRepeatWindow != nil {
				doc.StyleGuard.EndingRepeatWindow = *req.EndingRepeatWindow
			}
			return nil
		})
	if err != nil {
		return stateWriteError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"version": version})
}

var validGranularity = map[string]bool{
	state.GranularityLine:  true,
	state.GranularityBeat:  true,
	state.GranularityScene: true,
}

var validEnding = map[string]bool{
	state.EndingQuestion: true,
	state.EndingAction:   true,
	state.EndingCliff:    true,
	state.EndingMixed:    true,
}

func stateWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, state.ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "conversation state missing")
	case errors.Is(err, state.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "state is being updated, retry")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
