package types

import (
	"errors"
	"fmt"
)

// Code classifies every error the exchange core returns to callers.
// Transport layers map codes to their own status space; the core never
// returns a bare string error for a caller fault.
type Code string

const (
	CodeInvalidSide       Code = "INVALID_SIDE"
	CodeInvalidPrice      Code = "INVALID_PRICE"
	CodeAmountTooSmall    Code = "AMOUNT_TOO_SMALL"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeMarketUnavailable Code = "MARKET_UNAVAILABLE"
	CodeNotFound          Code = "NOT_FOUND"
	CodeNotOwner          Code = "NOT_OWNER"
	CodeOrderTerminal     Code = "ORDER_TERMINAL"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeServiceBusy       Code = "SERVICE_BUSY"
	CodeInternal          Code = "INTERNAL"
)

// Error is the structured error every core operation returns for caller
// faults. INSUFFICIENT_FUNDS carries the required and available amounts so
// clients can show the shortfall without a second query.
type Error struct {
	Code          Code   `json:"code"`
	Msg           string `json:"message"`
	RequiredSats  int64  `json:"required_sats,omitempty"`
	AvailableSats int64  `json:"available_sats,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == CodeInsufficientFunds {
		return fmt.Sprintf("%s: %s (required %d sats, available %d sats)",
			e.Code, e.Msg, e.RequiredSats, e.AvailableSats)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is makes errors.Is match on code, so callers can compare against a bare
// &Error{Code: ...} sentinel.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Code == te.Code
}

// NewError builds a taxonomy error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// InsufficientFunds builds the one taxonomy error that carries amounts.
func InsufficientFunds(requiredSats, availableSats int64) *Error {
	return &Error{
		Code:          CodeInsufficientFunds,
		Msg:           "balance too low",
		RequiredSats:  requiredSats,
		AvailableSats: availableSats,
	}
}

// Internal wraps an unexpected failure so transports can keep the cause in
// logs while clients only see the code.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Msg: err.Error()}
}

// IsCode reports whether err is (or wraps) a taxonomy error with the given
// code.
func IsCode(err error, code Code) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}

// CodeOf extracts the taxonomy code from err, defaulting to INTERNAL for
// anything untyped.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}
