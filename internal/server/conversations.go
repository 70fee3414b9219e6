package server

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loreweaver/loreweaver/config"
	"github.com/loreweaver/loreweaver/internal/search"
	"github.com/loreweaver/loreweaver/internal/state"
	"github.com/loreweaver/loreweaver/internal/store"
	"github.com/loreweaver/loreweaver/provider"
)

// historyWindow is how many transcript rows feed each turn's prompt.
const historyWindow = 12

type ConversationsHandler struct {
	Store *store.Store
	LLM   provider.Provider
	LLMC  config.LLMConfig
	Index *search.Index
}

func (h *ConversationsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id/messages", h.messages)
	g.POST("/:id/chat", h.chat)
	g.GET("/:id/memory/search", h.searchMemory)
}

func (h *ConversationsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	items, err := h.Store.ListConversations(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.Conversation{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *ConversationsHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req ConversationCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	ch, found, err := h.Store.GetCharacter(ctx, req.CharacterID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "character not found")
	}
	if ch.PriceCoins > 0 {
		has, err := h.Store.HasUnlock(ctx, userID, ch.ID)
		if err == nil && !has && ch.OwnerID != userID {
			return echo.NewHTTPError(http.StatusPaymentRequired, "character not unlocked")
		}
	}
	doc, err := json.Marshal(state.NewConversationState())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	title := req.Title
	if title == "" {
		title = ch.Name
	}
	id, err := h.Store.CreateConversation(ctx, store.Conversation{
		UserID:      userID,
		CharacterID: ch.ID,
		Title:       title,
	}, doc)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *ConversationsHandler) messages(c echo.Context) error {
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()
	conv, found, err := h.Store.GetConversation(ctx, c.Param("id"), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	msgs, err := h.Store.ListRecentMessages(ctx, conv.ID, 100)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

// chat runs one roleplay turn: derive the policy from persisted state,
// call the routed model, persist both transcript rows and enqueue the
// asynchronous patch job that reconciles state afterwards.
func (h *ConversationsHandler) chat(c echo.Context) error {
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()

	var req ChatRequest
	if err := c.Bind(&req); err != nil || req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}

	conv, found, err := h.Store.GetConversation(ctx, c.Param("id"), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	ch, _, err := h.Store.GetCharacter(ctx, conv.CharacterID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	cs, err := h.loadConversationState(c, conv.ID)
	if err != nil {
		return err
	}
	chs := h.loadCharacterState(c, conv.CharacterID)
	pol := state.DerivePolicy(cs, req.PolicyHint)

	history, err := h.Store.ListRecentMessages(ctx, conv.ID, historyWindow)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	modelKey := h.LLMC.Routing.Pick("roleplay")
	model, ok := h.LLMC.Models[modelKey]
	if !ok || model.APIName == "" {
		model.APIName = modelKey
	}
	if model.Temperature == 0 {
		model.Temperature = h.LLMC.Temperature
	}
	reply, err := h.LLM.Complete(ctx, provider.CompletionRequest{
		Model:       model.APIName,
		Messages:    buildChatMessages(ch, chs, cs, pol, history, req.Message),
		Temperature: model.Temperature,
		MaxTokens:   model.MaxTokens,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	if _, err := h.Store.InsertMessage(ctx, store.Message{ConversationID: conv.ID, Role: "user", Content: req.Message}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := h.Store.InsertMessage(ctx, store.Message{ConversationID: conv.ID, Role: "assistant", Content: reply}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	turnSeq := cs.RunState.TurnSeq + 1
	jobID, err := h.Store.CreatePatchJob(ctx, store.PatchJob{
		UserID:         userID,
		ConversationID: conv.ID,
		CharacterID:    conv.CharacterID,
		TurnSeq:        turnSeq,
		PatchInput: map[string]any{
			"user_text":      req.Message,
			"assistant_text": reply,
			"policy_hint":    req.PolicyHint,
			"turn_seq":       turnSeq,
		},
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// The turn counter moves with the transcript, not with the patch.
	if _, err := state.UpdateWithRetry(ctx, h.Store, state.TableConversationState, conv.ID,
		func(doc *state.ConversationState) error {
			doc.RunState.TurnSeq++
			return nil
		}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, ChatResponse{Reply: reply, PatchJobID: jobID, TurnSeq: turnSeq})
}

// searchMemory runs a full-text query over the conversation's episode
// summaries. The index warms lazily from the episode table.
func (h *ConversationsHandler) searchMemory(c echo.Context) error {
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()
	conv, found, err := h.Store.GetConversation(ctx, c.Param("id"), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	eps, err := h.Store.ListEpisodes(ctx, conv.ID, 500)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Index.AddAll(eps); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	hits, err := h.Index.Search(conv.ID, q, 20)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hits == nil {
		hits = []search.Hit{}
	}
	return c.JSON(http.StatusOK, map[string]any{"hits": hits})
}

func (h *ConversationsHandler) loadConversationState(c echo.Context, conversationID string) (*state.ConversationState, error) {
	raw, _, found, err := h.Store.GetRecord(c.Request().Context(), state.TableConversationState, conversationID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return nil, echo.NewHTTPError(http.StatusNotFound, "conversation state missing")
	}
	var cs state.ConversationState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return &cs, nil
}

// loadCharacterState is best-effort; a conversation can proceed on the
// persona baked into the character row alone.
func (h *ConversationsHandler) loadCharacterState(c echo.Context, characterID string) *state.CharacterState {
	raw, _, found, err := h.Store.GetRecord(c.Request().Context(), state.TableCharacterState, characterID)
	if err != nil || !found {
		return nil
	}
	var chs state.CharacterState
	if err := json.Unmarshal(raw, &chs); err != nil {
		return nil
	}
	return &chs
}
