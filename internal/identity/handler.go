package identity

import (
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/allowance/internal/qr"
)

// Handler exposes identity endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	PIN      string `json:"pin"`
	DeviceID string `json:"device_id"`
}

type identityResponse struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}

func toResponse(identity Identity) identityResponse {
	return identityResponse{
		ID:        identity.ID,
		Address:   identity.Address.Hex(),
		DeviceID:  identity.DeviceID,
		CreatedAt: identity.CreatedAt,
	}
}

// Create handles first-run identity generation.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	identity, err := h.service.Create(c.UserContext(), Credentials{PIN: req.PIN, DeviceID: req.DeviceID})
	switch {
	case errors.Is(err, ErrIdentityExists):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrWeakPIN), errors.Is(err, ErrDeviceRequired):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case err != nil:
		return err
	}
	return c.Status(http.StatusCreated).JSON(toResponse(identity))
}

// Get returns the identity for the address path parameter, or for the
// device_id query parameter when the address is omitted.
func (h *Handler) Get(c *fiber.Ctx) error {
	var (
		identity Identity
		err      error
	)
	if deviceID := c.Query("device_id"); deviceID != "" && c.Params("address") == "" {
		identity, err = h.service.ByDevice(c.UserContext(), deviceID)
	} else {
		address, perr := addressParam(c)
		if perr != nil {
			return perr
		}
		identity, err = h.service.Get(c.UserContext(), address)
	}
	if errors.Is(err, ErrIdentityMissing) {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(toResponse(identity))
}

// QR returns the subaccount request payload the guardian scans.
func (h *Handler) QR(c *fiber.Ctx) error {
	address, err := addressParam(c)
	if err != nil {
		return err
	}
	identity, err := h.service.Get(c.UserContext(), address)
	if errors.Is(err, ErrIdentityMissing) {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	payload, err := qr.NewSubaccountRequest(identity.Address, h.service.now())
	if err != nil {
		return err
	}
	return c.JSON(payload)
}

func addressParam(c *fiber.Ctx) (common.Address, error) {
	raw := c.Params("address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, fiber.NewError(http.StatusBadRequest, "invalid address")
	}
	return common.HexToAddress(raw), nil
}
