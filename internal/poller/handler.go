package poller

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/allowance/internal/correlator"
	"github.com/congo-pay/allowance/internal/subwallet"
)

// Handler exposes link polling and one-shot sub-wallet lookups.
type Handler struct {
	manager  *Manager
	finder   Finder
	decimals int32
}

// NewHandler constructs a polling handler.
func NewHandler(manager *Manager, finder Finder, decimals int32) *Handler {
	return &Handler{manager: manager, finder: finder, decimals: decimals}
}

type statusResponse struct {
	Dependent string          `json:"dependent"`
	State     string          `json:"state"`
	SubWallet *subwallet.View `json:"sub_wallet,omitempty"`
	Ambiguous bool            `json:"ambiguous,omitempty"`
}

func (h *Handler) render(st Status) statusResponse {
	resp := statusResponse{Dependent: st.Dependent.Hex(), State: st.State.String(), Ambiguous: st.Ambiguous}
	if st.SubWallet != nil {
		v := st.SubWallet.View(h.decimals)
		resp.SubWallet = &v
	}
	return resp
}

// Start begins waiting for the dependent's sub-wallet to appear.
func (h *Handler) Start(c *fiber.Ctx) error {
	dependent, err := dependentParam(c)
	if err != nil {
		return err
	}
	st, err := h.manager.StartPolling(dependent)
	if errors.Is(err, ErrTooManySessions) {
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(h.render(st))
}

// Status reports the dependent's polling session.
func (h *Handler) Status(c *fiber.Ctx) error {
	dependent, err := dependentParam(c)
	if err != nil {
		return err
	}
	st, ok := h.manager.Status(dependent)
	if !ok {
		return fiber.NewError(http.StatusNotFound, "no polling session for dependent")
	}
	return c.JSON(h.render(st))
}

// Stop cancels the dependent's polling session.
func (h *Handler) Stop(c *fiber.Ctx) error {
	dependent, err := dependentParam(c)
	if err != nil {
		return err
	}
	if !h.manager.StopPolling(dependent) {
		return fiber.NewError(http.StatusNotFound, "no polling session for dependent")
	}
	return c.SendStatus(http.StatusNoContent)
}

// Find resolves the dependent's sub-wallet once.
func (h *Handler) Find(c *fiber.Ctx) error {
	dependent, err := dependentParam(c)
	if err != nil {
		return err
	}
	lookup, err := h.finder.FindSubWallet(c.UserContext(), dependent)
	if errors.Is(err, correlator.ErrNotFound) {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	if errors.Is(err, correlator.ErrIncomplete) {
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		return err
	}

	matches := make([]subwallet.View, 0, len(lookup.Matches))
	for _, m := range lookup.Matches {
		matches = append(matches, m.View(h.decimals))
	}
	return c.JSON(fiber.Map{
		"sub_wallet": lookup.SubWallet.View(h.decimals),
		"matches":    matches,
		"ambiguous":  lookup.Ambiguous,
	})
}

func dependentParam(c *fiber.Ctx) (common.Address, error) {
	raw := c.Params("address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, fiber.NewError(http.StatusBadRequest, "invalid dependent address")
	}
	return common.HexToAddress(raw), nil
}
