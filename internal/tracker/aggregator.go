package tracker

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/cenkalti/rain-leech/logger"
)

// Aggregator walks a tiered announce list (BEP 12): tiers are tried in
// order, trackers within a tier are tried in order (via Tier). The tier
// that last succeeded is remembered and tried first on the next call.
type Aggregator struct {
	mu          sync.Mutex
	tiers       []*Tier
	currentTier int
	log         logger.Logger
}

// NewAggregator builds one Tier per tier in announceList, constructing a
// concrete HTTP or UDP Tracker for every URL via tracker.New.
func NewAggregator(announceList [][]string, log logger.Logger) (*Aggregator, error) {
	var tiers []*Tier
	for _, tierURLs := range announceList {
		var trackers []Tracker
		for _, u := range tierURLs {
			tr, err := New(u)
			if err != nil {
				log.Warningf("skipping tracker %q: %s", u, err)
				continue
			}
			trackers = append(trackers, tr)
		}
		if len(trackers) > 0 {
			tiers = append(tiers, NewTier(trackers))
		}
	}
	return &Aggregator{tiers: tiers, log: log}, nil
}

// ErrNoTrackers is returned by Announce when no tier holds a usable tracker.
var ErrNoTrackers = Error("no usable trackers in announce list")

// Announce tries the remembered current tier first, then falls through
// the remaining tiers in order. The first tier to succeed becomes current.
func (a *Aggregator) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResult, error) {
	if len(a.tiers) == 0 {
		return nil, ErrNoTrackers
	}
	a.mu.Lock()
	order := a.tierOrder()
	a.mu.Unlock()

	var errs *multierror.Error
	for _, idx := range order {
		res, err := a.tiers[idx].Announce(ctx, params)
		if err == nil {
			a.mu.Lock()
			a.currentTier = idx
			a.mu.Unlock()
			return res, nil
		}
		a.log.Debugf("tier %d announce failed: %s", idx, err)
		errs = multierror.Append(errs, err)
	}
	return nil, errs.ErrorOrNil()
}

// tierOrder returns tier indices starting from currentTier, wrapping
// around the rest in order.
func (a *Aggregator) tierOrder() []int {
	n := len(a.tiers)
	order := make([]int, n)
	for i := 0; i < n; i++ {
		order[i] = (a.currentTier + i) % n
	}
	return order
}
