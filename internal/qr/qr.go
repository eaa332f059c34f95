// Package qr encodes and decodes the versioned JSON payloads exchanged during
// onboarding and payment requests. Rendering the payload as an image is left
// to the UI.
package qr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/allowance/internal/subwallet"
)

// Version is the only payload version this package reads and writes.
const Version = "1.0"

// Type discriminates the payload's data.
type Type string

const (
	TypeSubaccountRequest   Type = "subaccount_request"
	TypePaymentRequest      Type = "payment_request"
	TypeSubscriptionRequest Type = "subscription_request"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported qr payload version")
	ErrUnknownType        = errors.New("unknown qr payload type")
	ErrInvalidPayload     = errors.New("invalid qr payload")
)

// Payload is the envelope encoded in a QR code.
type Payload struct {
	Version string          `json:"version"`
	Type    Type            `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// Meta is carried by every payload type.
type Meta struct {
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"requestId"`
}

// SubaccountRequest asks a guardian to create a sub-wallet for Address.
type SubaccountRequest struct {
	Address string `json:"address"`
	Meta
}

// PaymentRequest asks the scanner to pay Amount display units to Recipient.
type PaymentRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Memo      string `json:"memo,omitempty"`
	Meta
}

// SubscriptionRequest asks a guardian to grant Vendor a recurring allowance.
type SubscriptionRequest struct {
	Vendor        string `json:"vendor"`
	Amount        string `json:"amount"`
	PeriodSeconds int64  `json:"periodSeconds"`
	Description   string `json:"description,omitempty"`
	Meta
}

func newMeta(now time.Time) Meta {
	return Meta{Timestamp: now.Unix(), RequestID: uuid.NewString()}
}

func build(typ Type, data any) (Payload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Version: Version, Type: typ, Data: raw}, nil
}

// NewSubaccountRequest builds the payload a dependent shows to its guardian.
func NewSubaccountRequest(address common.Address, now time.Time) (Payload, error) {
	return build(TypeSubaccountRequest, SubaccountRequest{Address: address.Hex(), Meta: newMeta(now)})
}

// NewPaymentRequest builds a payment request.
func NewPaymentRequest(recipient common.Address, amount decimal.Decimal, memo string, now time.Time) (Payload, error) {
	if !amount.IsPositive() {
		return Payload{}, fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	return build(TypePaymentRequest, PaymentRequest{Recipient: recipient.Hex(), Amount: amount.String(), Memo: memo, Meta: newMeta(now)})
}

// NewSubscriptionRequest builds a vendor subscription request.
func NewSubscriptionRequest(vendor common.Address, amount decimal.Decimal, period time.Duration, description string, now time.Time) (Payload, error) {
	if !amount.IsPositive() || period < time.Second {
		return Payload{}, fmt.Errorf("%w: amount and period must be positive", ErrInvalidPayload)
	}
	return build(TypeSubscriptionRequest, SubscriptionRequest{
		Vendor:        vendor.Hex(),
		Amount:        amount.String(),
		PeriodSeconds: int64(period / time.Second),
		Description:   description,
		Meta:          newMeta(now),
	})
}

// Encode returns the JSON text to render.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses and validates a scanned payload.
func Decode(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Version != Version {
		return Payload{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, p.Version)
	}

	var err error
	switch p.Type {
	case TypeSubaccountRequest:
		_, err = p.Subaccount()
	case TypePaymentRequest:
		_, err = p.Payment()
	case TypeSubscriptionRequest:
		_, err = p.Subscription()
	default:
		return Payload{}, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	if err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Subaccount returns the data of a subaccount request.
func (p Payload) Subaccount() (SubaccountRequest, error) {
	var d SubaccountRequest
	if err := p.decodeData(TypeSubaccountRequest, &d); err != nil {
		return SubaccountRequest{}, err
	}
	if err := checkAddress("address", d.Address); err != nil {
		return SubaccountRequest{}, err
	}
	return d, d.Meta.validate()
}

// Payment returns the data of a payment request.
func (p Payload) Payment() (PaymentRequest, error) {
	var d PaymentRequest
	if err := p.decodeData(TypePaymentRequest, &d); err != nil {
		return PaymentRequest{}, err
	}
	if err := checkAddress("recipient", d.Recipient); err != nil {
		return PaymentRequest{}, err
	}
	if err := checkAmount(d.Amount); err != nil {
		return PaymentRequest{}, err
	}
	return d, d.Meta.validate()
}

// Subscription returns the data of a subscription request.
func (p Payload) Subscription() (SubscriptionRequest, error) {
	var d SubscriptionRequest
	if err := p.decodeData(TypeSubscriptionRequest, &d); err != nil {
		return SubscriptionRequest{}, err
	}
	if err := checkAddress("vendor", d.Vendor); err != nil {
		return SubscriptionRequest{}, err
	}
	if err := checkAmount(d.Amount); err != nil {
		return SubscriptionRequest{}, err
	}
	if d.PeriodSeconds <= 0 {
		return SubscriptionRequest{}, fmt.Errorf("%w: periodSeconds must be positive", ErrInvalidPayload)
	}
	return d, d.Meta.validate()
}

func (p Payload) decodeData(want Type, dst any) error {
	if p.Type != want {
		return fmt.Errorf("%w: payload is %q, not %q", ErrInvalidPayload, p.Type, want)
	}
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(p.Data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (m Meta) validate() error {
	if m.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidPayload)
	}
	if _, err := uuid.Parse(m.RequestID); err != nil {
		return fmt.Errorf("%w: requestId is not a UUID", ErrInvalidPayload)
	}
	return nil
}

func checkAddress(field, value string) error {
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%w: %s is not an address", ErrInvalidPayload, field)
	}
	return nil
}

func checkAmount(value string) error {
	if _, err := subwallet.ParseDisplayAmount(value); err != nil {
		return fmt.Errorf("%w: amount must be a positive number", ErrInvalidPayload)
	}
	return nil
}
