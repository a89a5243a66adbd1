package lightning

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// InvoiceAmountSats extracts the amount a BOLT-11 payment request asks
// for, in satoshis. The amount lives in the human-readable prefix as an
// integer with an optional multiplier:
//
//	(none)  whole bitcoin     ×100_000_000
//	m       milli             ×100_000
//	u       micro             ×100
//	n       nano              ÷10
//	p       pico              ÷10_000
//
// Nano and pico amounts can name fractions of a satoshi; those round UP,
// because a withdrawal must never pay out less than the node will settle.
// An amountless invoice returns 0 with no error — the caller decides
// whether "any amount" is acceptable in its flow.
func InvoiceAmountSats(payreq string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(payreq))
	s = strings.TrimPrefix(s, "lightning:")

	// The bech32 separator is the last '1'; everything before it is the
	// human-readable part: "ln", the currency code, then the amount.
	sep := strings.LastIndexByte(s, '1')
	if sep < 0 {
		return 0, fmt.Errorf("invoice %q: no bech32 separator", truncate(payreq, 24))
	}
	hrp := s[:sep]
	if !strings.HasPrefix(hrp, "ln") {
		return 0, fmt.Errorf("invoice %q: missing ln prefix", truncate(payreq, 24))
	}

	// Skip the currency code (bc, tb, bcrt, ...): letters up to the
	// first digit.
	rest := hrp[2:]
	i := 0
	for i < len(rest) && (rest[i] < '0' || rest[i] > '9') {
		i++
	}
	if i == len(rest) {
		return 0, nil // amountless invoice
	}
	amount := rest[i:]

	multiplier := byte(0)
	if last := amount[len(amount)-1]; last < '0' || last > '9' {
		multiplier = last
		amount = amount[:len(amount)-1]
	}
	n, err := strconv.ParseInt(amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invoice %q: bad amount: %w", truncate(payreq, 24), err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invoice %q: zero amount", truncate(payreq, 24))
	}

	switch multiplier {
	case 0:
		return scale(n, 100_000_000)
	case 'm':
		return scale(n, 100_000)
	case 'u':
		return scale(n, 100)
	case 'n':
		return (n + 9) / 10, nil
	case 'p':
		return (n + 9_999) / 10_000, nil
	default:
		return 0, fmt.Errorf("invoice %q: unknown multiplier %q", truncate(payreq, 24), string(multiplier))
	}
}

func scale(n, factor int64) (int64, error) {
	if n > math.MaxInt64/factor {
		return 0, fmt.Errorf("amount %d overflows at scale %d", n, factor)
	}
	return n * factor, nil
}
