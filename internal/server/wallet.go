package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loreweaver/loreweaver/internal/store"
)

// WalletHandler exposes the coin balance and topups. The debit side
// lives on the character unlock endpoint.
type WalletHandler struct {
	Store *store.Store
}

func (h *WalletHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.balance)
	g.POST("/topup", h.topup)
}

func (h *WalletHandler) balance(c echo.Context) error {
	userID := c.Get("user_id").(string)
	balance, err := h.Store.GetWalletBalance(c.Request().Context(), userID)
	if err != nil {
		return walletError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"balance": balance})
}

func (h *WalletHandler) topup(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req WalletTopupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Amount <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "amount must be positive")
	}
	reason := req.Reason
	if reason == "" {
		reason = "topup"
	}
	if err := h.Store.CreditWallet(c.Request().Context(), userID, req.Amount, reason); err != nil {
		return walletError(err)
	}
	balance, err := h.Store.GetWalletBalance(c.Request().Context(), userID)
	if err != nil {
		return walletError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"balance": balance})
}

func walletError(err error) error {
	if errors.Is(err, store.ErrFeatureUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "wallet is not enabled on this deployment")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
