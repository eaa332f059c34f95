package payments

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/allowance/internal/correlator"
	"github.com/congo-pay/allowance/internal/identity"
	"github.com/congo-pay/allowance/internal/relay"
	"github.com/congo-pay/allowance/internal/subwallet"
)

const reonboardHint = "re-onboard this device: create a new identity and ask the guardian to scan its QR code"

// Invalidator drops cached history after a send. *history.Cache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, dependent, wallet common.Address) error
}

// Handler exposes payment endpoints.
type Handler struct {
	service *Service
	cache   Invalidator
}

// NewHandler constructs a payment handler. cache may be nil.
func NewHandler(service *Service, cache Invalidator) *Handler {
	return &Handler{service: service, cache: cache}
}

type sendRequest struct {
	Dependent string `json:"dependent"`
	PIN       string `json:"pin"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Wallet    string `json:"wallet,omitempty"`
}

// Send spends from the dependent's sub-wallet.
func (h *Handler) Send(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if !common.IsHexAddress(req.Dependent) {
		return fiber.NewError(http.StatusBadRequest, "invalid dependent address")
	}
	in := SendInput{
		Dependent: common.HexToAddress(req.Dependent),
		PIN:       req.PIN,
		Recipient: req.Recipient,
		Amount:    req.Amount,
	}
	if req.Wallet != "" {
		if !common.IsHexAddress(req.Wallet) {
			return fiber.NewError(http.StatusBadRequest, "invalid wallet address")
		}
		w := common.HexToAddress(req.Wallet)
		in.Wallet = &w
	}

	res, err := h.service.Send(c.UserContext(), in)
	if err != nil {
		return mapError(err)
	}
	if h.cache != nil {
		if err := h.cache.Invalidate(c.UserContext(), in.Dependent, res.Wallet); err != nil {
			h.service.deps.Logger.Warn("history cache invalidation failed",
				slog.String("dependent", in.Dependent.Hex()),
				slog.String("wallet", res.Wallet.Hex()),
				slog.Any("error", err))
		}
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"transaction_hash": res.TransactionHash,
		"wallet":           res.Wallet.Hex(),
		"sub_wallet_id":    res.SubWalletID,
		"amount":           res.Amount,
		"record":           res.Record,
	})
}

type manageRequest struct {
	Action        string `json:"action"`
	Wallet        string `json:"wallet"`
	Dependent     string `json:"dependent,omitempty"`
	SubWalletID   uint64 `json:"sub_wallet_id,omitempty"`
	Limit         string `json:"limit,omitempty"`
	PeriodSeconds int64  `json:"period_seconds,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

// Manage submits a guardian management call.
func (h *Handler) Manage(c *fiber.Ctx) error {
	var req manageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if !common.IsHexAddress(req.Wallet) {
		return fiber.NewError(http.StatusBadRequest, "invalid wallet address")
	}
	in := ManageInput{
		Action:        Action(req.Action),
		Wallet:        common.HexToAddress(req.Wallet),
		SubWalletID:   req.SubWalletID,
		Limit:         req.Limit,
		PeriodSeconds: req.PeriodSeconds,
	}
	if req.Dependent != "" {
		if !common.IsHexAddress(req.Dependent) {
			return fiber.NewError(http.StatusBadRequest, "invalid dependent address")
		}
		in.Dependent = common.HexToAddress(req.Dependent)
	}
	switch req.Mode {
	case "", subwallet.ModeRecurring.String():
		in.Mode = subwallet.ModeRecurring
	case subwallet.ModeOneTime.String():
		in.Mode = subwallet.ModeOneTime
	default:
		return fiber.NewError(http.StatusBadRequest, "mode must be recurring or one_time")
	}

	res, err := h.service.Manage(c.UserContext(), in)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"transaction_hash": res.TransactionHash})
}

func mapError(err error) error {
	var relayErr *relay.RelayError
	switch {
	case errors.Is(err, subwallet.ErrInvalidRecipient), errors.Is(err, subwallet.ErrInvalidAmount),
		errors.Is(err, ErrUnknownAction), errors.Is(err, ErrSubWalletIDRequired):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrInvalidPIN):
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, subwallet.ErrWalletInactive):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrAmbiguousSubWallet):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrIdentityMissing), errors.Is(err, ErrGuardianWalletMissing):
		return fiber.NewError(http.StatusPreconditionFailed, err.Error()+"; "+reonboardHint)
	case errors.Is(err, subwallet.ErrLimitExceeded):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrGuardianSignerDisabled), errors.Is(err, correlator.ErrIncomplete):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &relayErr):
		return fiber.NewError(http.StatusBadGateway, relayErr.Message)
	case errors.Is(err, relay.ErrSignatureShape), errors.Is(err, relay.ErrAuthorizationMismatch):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	default:
		return err
	}
}
