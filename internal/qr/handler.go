package qr

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// DecodeHandler validates a scanned payload posted as the request body and
// returns its typed data.
func DecodeHandler(c *fiber.Ctx) error {
	p, err := Decode(c.Body())
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	var data any
	switch p.Type {
	case TypeSubaccountRequest:
		data, err = p.Subaccount()
	case TypePaymentRequest:
		data, err = p.Payment()
	case TypeSubscriptionRequest:
		data, err = p.Subscription()
	}
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{"version": p.Version, "type": p.Type, "data": data})
}
