package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loreweaver/loreweaver/internal/state"
	"github.com/loreweaver/loreweaver/internal/store"
)

type CharactersHandler struct {
	Store *store.Store
}

func (h *CharactersHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.POST("/:id/unlock", h.unlock)
}

func (h *CharactersHandler) list(c echo.Context) error {
	items, err := h.Store.ListCharacters(c.Request().Context(), 200)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.Character{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *CharactersHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req CharacterCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name required")
	}
	chs := state.CharacterState{PersonaSystem: req.Persona, IPPack: req.IPPack}
	doc, err := json.Marshal(chs)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	id, err := h.Store.CreateCharacter(c.Request().Context(), store.Character{
		OwnerID:    userID,
		Name:       req.Name,
		Tagline:    req.Tagline,
		AvatarURL:  req.AvatarURL,
		PriceCoins: req.PriceCoins,
	}, doc)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *CharactersHandler) get(c echo.Context) error {
	ch, found, err := h.Store.GetCharacter(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "character not found")
	}
	return c.JSON(http.StatusOK, ch)
}

// unlock spends wallet coins to grant access to a paid character. A
// missing wallet schema degrades to a soft "unavailable" response
// instead of failing the request with an opaque SQL error.
func (h *CharactersHandler) unlock(c echo.Context) error {
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()
	ch, found, err := h.Store.GetCharacter(ctx, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "character not found")
	}
	if has, err := h.Store.HasUnlock(ctx, userID, ch.ID); err == nil && has {
		return c.JSON(http.StatusOK, map[string]any{"unlocked": true})
	}
	if err := h.Store.UnlockCharacter(ctx, userID, ch.ID, ch.PriceCoins); err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			return echo.NewHTTPError(http.StatusPaymentRequired, "insufficient coins")
		case errors.Is(err, store.ErrFeatureUnavailable):
			// No wallet schema on this deployment; the catalog stays
			// browsable but paid unlocks are off.
			return c.JSON(http.StatusOK, map[string]any{"unlocked": false, "available": false})
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"unlocked": true, "spent": ch.PriceCoins})
}
