package ledger

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/tokex-api/pkg/middleware"
	"github.com/ksred/tokex-api/pkg/response"
)

// GinHandlers exposes read-only balance endpoints. Balances are never
// mutated over HTTP directly.
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{ledger: ledger}
}

// GetBalanceHandler handles GET /balances/:asset_id for the authenticated user
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		assetID := c.Param("asset_id")
		if assetID == "" {
			response.BadRequest(c, "Asset ID is required")
			return
		}

		balance, err := h.ledger.GetBalance(c.Request.Context(), userID, assetID)
		response.Handle(c, balance, err)
	}
}

func (h *GinHandlers) ListBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		balances, err := h.ledger.ListBalances(c.Request.Context(), userID)
		response.Handle(c, balances, err)
	}
}
