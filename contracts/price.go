package contracts

import (
	"math/big"
	"strings"

	"github.com/meridian-io/gateway/fault"
)

// tokenDecimals is the precision of CTC, like most EVM native tokens.
const tokenDecimals = 18

var weiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(tokenDecimals), nil)

// FormatPrice renders a wei amount as a decimal token string with
// trailing zeros trimmed, e.g. 1500000000000000000 -> "1.5".
func FormatPrice(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}

	abs := new(big.Int).Abs(wei)
	whole := new(big.Int).Quo(abs, weiPerToken)
	frac := new(big.Int).Rem(abs, weiPerToken)

	out := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		for len(digits) < tokenDecimals {
			digits = "0" + digits
		}
		out += "." + strings.TrimRight(digits, "0")
	}
	if wei.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// ParsePrice converts a decimal token string into wei. More than 18
// fractional digits is rejected rather than silently truncated.
func ParsePrice(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fault.New(fault.KindValidationError).WithMessage("price is required")
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > tokenDecimals {
		return nil, fault.New(fault.KindValidationError).WithMessage("too many decimal places")
	}
	// Digits only on both sides of the point; SetString alone would let a
	// signed fraction like "0.-5" through.
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return nil, fault.New(fault.KindValidationError).WithMessage("invalid price")
	}

	wholeInt, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fault.New(fault.KindValidationError).WithMessage("invalid price")
	}

	wei := new(big.Int).Mul(wholeInt, weiPerToken)
	if frac != "" {
		fracInt, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fault.New(fault.KindValidationError).WithMessage("invalid price")
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals-len(frac))), nil)
		wei.Add(wei, fracInt.Mul(fracInt, scale))
	}
	return wei, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
