package bidding

import "context"

// EligibilityChecker answers whether a porter may bid in a window whose
// porterFilters name this checker's criteria (zone, vehicle class,
// certification). Checks run after the cheap validations so a slow
// backend is only consulted for otherwise valid bids.
type EligibilityChecker interface {
	Eligible(ctx context.Context, porterID string, filters []string) (bool, error)
}

// AllowAll passes every porter. Used when no filter backend is wired and
// by windows with empty filters.
type AllowAll struct{}

func (AllowAll) Eligible(context.Context, string, []string) (bool, error) {
	return true, nil
}
