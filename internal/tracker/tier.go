package tracker

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Tier is a group of trackers tried in order, per BEP 12. On a successful
// announce the winning tracker is promoted to the front of the tier so it
// is tried first next time; on failure the tier falls through to the next
// tracker.
type Tier struct {
	mu       sync.Mutex
	trackers []Tracker
}

var _ Tracker = (*Tier)(nil)

// NewTier returns a new Tier over trackers, tried in the given order.
func NewTier(trackers []Tracker) *Tier {
	return &Tier{trackers: trackers}
}

// Announce tries each tracker in the tier in order until one succeeds.
func (t *Tier) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResult, error) {
	t.mu.Lock()
	trackers := append([]Tracker(nil), t.trackers...)
	t.mu.Unlock()

	var errs *multierror.Error
	for i, tr := range trackers {
		res, err := tr.Announce(ctx, params)
		if err == nil {
			t.promote(i)
			return res, nil
		}
		errs = multierror.Append(errs, err)
	}
	return nil, errs.ErrorOrNil()
}

// promote moves the tracker at index i to the front of the tier.
func (t *Tier) promote(i int) {
	if i == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.trackers) {
		return
	}
	winner := t.trackers[i]
	copy(t.trackers[1:i+1], t.trackers[0:i])
	t.trackers[0] = winner
}

// URL returns the URL of the tracker currently at the front of the tier.
func (t *Tier) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.trackers) == 0 {
		return ""
	}
	return t.trackers[0].URL()
}
