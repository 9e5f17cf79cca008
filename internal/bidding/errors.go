package bidding

import "errors"

// Business failure kinds. The RPC layer maps these to wire codes; they
// are never used for control flow past the call boundary.
var (
	ErrStrategyInactive = errors.New("strategy missing or inactive")
	ErrWindowNotFound   = errors.New("bidding window not found")
	ErrWindowNotOpen    = errors.New("bidding window not open")
	ErrWindowExpired    = errors.New("bidding window expired")
	ErrBidTooLow        = errors.New("bid below minimum")
	ErrPorterLimit      = errors.New("porter bid limit reached for window")
	ErrPorterIneligible = errors.New("porter not eligible for window")
	ErrBidNotFound      = errors.New("bid not found")
	ErrBidWrongWindow   = errors.New("bid belongs to a different window")
	ErrBidNotPlaced     = errors.New("bid is not in placed status")
	ErrBidTerminal      = errors.New("bid already terminal")
	ErrConcurrentAccept = errors.New("concurrent accept in progress")
	ErrValidation       = errors.New("invalid input")
)

// Code returns the wire code for a business error, or empty when err is
// not one of the bidding failure kinds.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrStrategyInactive):
		return "STRATEGY_INACTIVE"
	case errors.Is(err, ErrWindowNotFound):
		return "WINDOW_NOT_FOUND"
	case errors.Is(err, ErrWindowNotOpen):
		return "WINDOW_NOT_OPEN"
	case errors.Is(err, ErrWindowExpired):
		return "WINDOW_EXPIRED"
	case errors.Is(err, ErrBidTooLow):
		return "BID_TOO_LOW"
	case errors.Is(err, ErrPorterLimit):
		return "PORTER_LIMIT"
	case errors.Is(err, ErrPorterIneligible):
		return "PORTER_INELIGIBLE"
	case errors.Is(err, ErrBidNotFound):
		return "BID_NOT_FOUND"
	case errors.Is(err, ErrBidWrongWindow):
		return "BID_WRONG_WINDOW"
	case errors.Is(err, ErrBidNotPlaced):
		return "BID_NOT_PLACED"
	case errors.Is(err, ErrBidTerminal):
		return "BID_TERMINAL"
	case errors.Is(err, ErrConcurrentAccept):
		return "CONCURRENT_ACCEPT"
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	default:
		return ""
	}
}
