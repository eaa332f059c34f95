package history

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/allowance/internal/txlog"
)

// Handler exposes the merged transaction history.
type Handler struct {
	service *Service
	cache   *Cache
}

// NewHandler constructs a history handler. cache may be nil.
func NewHandler(service *Service, cache *Cache) *Handler {
	return &Handler{service: service, cache: cache}
}

// List returns GET /history?dependent=&wallet= newest first.
func (h *Handler) List(c *fiber.Ctx) error {
	dependent, wallet := c.Query("dependent"), c.Query("wallet")
	if !common.IsHexAddress(dependent) || !common.IsHexAddress(wallet) {
		return fiber.NewError(http.StatusBadRequest, "dependent and wallet must be hex addresses")
	}
	dep, w := common.HexToAddress(dependent), common.HexToAddress(wallet)
	ctx := c.UserContext()

	if recs, ok, err := h.cache.Get(ctx, dep, w); err == nil && ok {
		c.Set("X-Cache", "hit")
		return c.JSON(fiber.Map{"records": recs})
	}

	recs, err := h.service.GetHistory(ctx, dep, w)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []txlog.Record{}
	}
	if err := h.cache.Set(ctx, dep, w, recs); err != nil {
		h.service.logger.Warn("history cache write failed", slog.Any("error", err))
	}
	c.Set("X-Cache", "miss")
	return c.JSON(fiber.Map{"records": recs})
}
