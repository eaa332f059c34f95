package subwallet

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const recipient = "0x00000000000000000000000000000000000000aa"

func TestValidateLimitBoundary(t *testing.T) {
	sw := SubWallet{ID: 1, SpendingLimit: big.NewInt(100), SpentThisPeriod: big.NewInt(80), Active: true}

	for _, tc := range []struct {
		amount string
		want   error
	}{
		{"20", nil},
		{"19.99", nil},
		{"20.01", ErrLimitExceeded},
		{"0", ErrInvalidAmount},
		{"-5", ErrInvalidAmount},
	} {
		err := Validate(sw, decimal.RequireFromString(tc.amount), recipient)
		if !errors.Is(err, tc.want) {
			t.Errorf("Validate(amount=%s) = %v, want %v", tc.amount, err, tc.want)
		}
	}
}

func TestValidateInactiveRegardlessOfAmount(t *testing.T) {
	sw := SubWallet{ID: 1, SpendingLimit: big.NewInt(100), SpentThisPeriod: big.NewInt(0), Active: false}
	for _, amount := range []string{"1", "100", "5000"} {
		if err := Validate(sw, decimal.RequireFromString(amount), recipient); !errors.Is(err, ErrWalletInactive) {
			t.Errorf("Validate(amount=%s) = %v, want ErrWalletInactive", amount, err)
		}
	}
}

func TestValidateCheckOrder(t *testing.T) {
	sw := SubWallet{SpendingLimit: big.NewInt(1), SpentThisPeriod: big.NewInt(1), Active: false}

	if err := Validate(sw, decimal.Zero, "not-an-address"); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected recipient check first, got %v", err)
	}
	if err := Validate(sw, decimal.Zero, recipient); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected amount check second, got %v", err)
	}
	if err := Validate(sw, decimal.NewFromInt(5), recipient); !errors.Is(err, ErrWalletInactive) {
		t.Fatalf("expected active check third, got %v", err)
	}
}

func TestValidateRejectsZeroAddress(t *testing.T) {
	sw := SubWallet{SpendingLimit: big.NewInt(10), Active: true}
	if err := Validate(sw, decimal.NewFromInt(1), "0x0000000000000000000000000000000000000000"); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected invalid recipient, got %v", err)
	}
}

func TestEffectiveAtResetsElapsedPeriod(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day := int64(24 * 60 * 60)
	sw := SubWallet{
		SpendingLimit:   big.NewInt(100),
		SpentThisPeriod: big.NewInt(100),
		PeriodStart:     start.Unix(),
		PeriodDuration:  day,
		Mode:            ModeRecurring,
		Active:          true,
	}

	same := sw.EffectiveAt(start.Add(time.Hour))
	if same.SpentThisPeriod.Int64() != 100 {
		t.Fatalf("expected spent to persist within period, got %s", same.SpentThisPeriod)
	}

	later := sw.EffectiveAt(start.Add(50 * time.Hour))
	if later.SpentThisPeriod.Sign() != 0 {
		t.Fatalf("expected spent reset after period, got %s", later.SpentThisPeriod)
	}
	if later.PeriodStart != start.Unix()+2*day {
		t.Fatalf("expected period start advanced two periods, got %d", later.PeriodStart)
	}
	if sw.SpentThisPeriod.Int64() != 100 {
		t.Fatal("EffectiveAt must not mutate the receiver")
	}

	oneTime := sw
	oneTime.Mode = ModeOneTime
	if got := oneTime.EffectiveAt(start.Add(50 * time.Hour)); got.SpentThisPeriod.Int64() != 100 {
		t.Fatalf("one-time allowance must not reset, got %s", got.SpentThisPeriod)
	}
}

func TestSmallestUnitConversion(t *testing.T) {
	v, err := ToSmallestUnit(decimal.RequireFromString("25.00"), 6)
	if err != nil {
		t.Fatalf("ToSmallestUnit: %v", err)
	}
	if v.String() != "25000000" {
		t.Fatalf("expected 25000000, got %s", v)
	}
	if _, err := ToSmallestUnit(decimal.RequireFromString("0.0000001"), 6); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected sub-unit amount rejected, got %v", err)
	}
	if got := FromSmallestUnit(big.NewInt(100_000_000), 6); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100, got %s", got)
	}
}

func TestAmountParsingRejectsOutOfRangeExponents(t *testing.T) {
	for _, raw := range []string{
		"1e20000000",
		"1e-20000000",
		"-1e20000000",
		"1e79",
		"0." + strings.Repeat("0", 80) + "1",
		strings.Repeat("9", 200),
	} {
		start := time.Now()
		amount, err := ParseDisplayAmount(raw)
		if err == nil {
			_, err = ToSmallestUnit(amount, 6)
		}
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%.40s: expected ErrInvalidAmount, got %v", raw, err)
		}
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			t.Fatalf("%.40s: rejection took %v", raw, elapsed)
		}
	}
}

func TestToSmallestUnitBounds(t *testing.T) {
	// 2^256-1 smallest units is the largest amount a spend can carry.
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	v, err := ToSmallestUnit(decimal.NewFromBigInt(max, -6), 6)
	if err != nil {
		t.Fatalf("max uint256: %v", err)
	}
	if v.Cmp(max) != 0 {
		t.Fatalf("expected %s, got %s", max, v)
	}

	over := new(big.Int).Add(max, big.NewInt(1))
	if _, err := ToSmallestUnit(decimal.NewFromBigInt(over, -6), 6); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected overflow rejected, got %v", err)
	}
	if _, err := ToSmallestUnit(decimal.RequireFromString("1e72"), 6); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected 79-digit amount rejected, got %v", err)
	}
	if v, err := ToSmallestUnit(decimal.RequireFromString("1.5e2"), 6); err != nil || v.String() != "150000000" {
		t.Fatalf("expected exponent form accepted, got %v %v", v, err)
	}
}
