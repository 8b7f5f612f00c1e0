// Package oracle provides the index price used for funding: a time-weighted
// average over index-price observations, one series per market.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"PerpClearing/internal/errs"
)

var (
	// ErrNoObservations indicates no price observation is available at the
	// requested time.
	ErrNoObservations = errors.New("no price observations available")
)

const (
	// DefaultWindowSeconds is the default TWAP window.
	DefaultWindowSeconds int64 = 15 * 60

	// MaxObservations bounds each market's history.
	MaxObservations = 1024
)

// PricePoint is a single index observation.
type PricePoint struct {
	PriceX18  *big.Int
	Timestamp int64 // unix seconds
}

// TWAP is the observation series of one market.
type TWAP struct {
	market       string
	window       int64
	observations []PricePoint // ascending by timestamp
}

func newTWAP(marketID string, window int64) *TWAP {
	return &TWAP{market: marketID, window: window, observations: make([]PricePoint, 0, 64)}
}

// Record adds an observation. An observation older than the latest one is
// rejected; one at the same timestamp replaces it.
func (t *TWAP) Record(priceX18 *big.Int, timestamp int64) error {
	if priceX18 == nil || priceX18.Sign() <= 0 {
		return errs.Invalid("%s: index price must be positive", t.market)
	}
	if n := len(t.observations); n > 0 {
		last := t.observations[n-1]
		switch {
		case timestamp < last.Timestamp:
			return errs.Invalid("%s: index timestamp %d before last observation %d", t.market, timestamp, last.Timestamp)
		case timestamp == last.Timestamp:
			t.observations[n-1].PriceX18 = new(big.Int).Set(priceX18)
			return nil
		}
	}
	t.observations = append(t.observations, PricePoint{PriceX18: new(big.Int).Set(priceX18), Timestamp: timestamp})
	t.prune(timestamp)
	return nil
}

// prune keeps one observation at or before now-window (it prices the start
// of the window) plus everything after it.
func (t *TWAP) prune(now int64) {
	cutoff := now - t.window
	i := sort.Search(len(t.observations), func(i int) bool { return t.observations[i].Timestamp > cutoff })
	if i > 1 {
		t.observations = append(t.observations[:0], t.observations[i-1:]...)
	}
	if excess := len(t.observations) - MaxObservations; excess > 0 {
		t.observations = append(t.observations[:0], t.observations[excess:]...)
	}
}

// PriceAt returns the time-weighted average over (at-window, at]. Each
// observation holds until the next one; the one in force at the window start
// covers the leading gap. A single usable observation is returned as is.
func (t *TWAP) PriceAt(at int64) (*big.Int, error) {
	// observations at or before at
	end := sort.Search(len(t.observations), func(i int) bool { return t.observations[i].Timestamp > at })
	if end == 0 {
		return nil, fmt.Errorf("%s: %w", t.market, ErrNoObservations)
	}
	obs := t.observations[:end]
	start := at - t.window

	weighted := new(big.Int)
	var total int64
	for i := len(obs) - 1; i >= 0; i-- {
		from := obs[i].Timestamp
		if from < start {
			from = start
		}
		to := at
		if i+1 < len(obs) {
			to = obs[i+1].Timestamp
		}
		if to > from {
			weighted.Add(weighted, new(big.Int).Mul(obs[i].PriceX18, big.NewInt(to-from)))
			total += to - from
		}
		if obs[i].Timestamp <= start {
			break
		}
	}
	if total == 0 {
		return new(big.Int).Set(obs[len(obs)-1].PriceX18), nil
	}
	return weighted.Quo(weighted, big.NewInt(total)), nil
}

// Latest returns the most recent observation.
func (t *TWAP) Latest() (PricePoint, bool) {
	if len(t.observations) == 0 {
		return PricePoint{}, false
	}
	p := t.observations[len(t.observations)-1]
	return PricePoint{PriceX18: new(big.Int).Set(p.PriceX18), Timestamp: p.Timestamp}, true
}

// Oracle holds the TWAP series of every market.
// Not thread-safe: owned by the core's single goroutine.
type Oracle struct {
	window int64
	series map[string]*TWAP
}

// New creates an oracle; windowSeconds <= 0 selects DefaultWindowSeconds.
func New(windowSeconds int64) *Oracle {
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}
	return &Oracle{window: windowSeconds, series: make(map[string]*TWAP)}
}

func (o *Oracle) Window() int64 { return o.window }

// Record adds an index observation for marketID.
func (o *Oracle) Record(marketID string, priceX18 *big.Int, timestamp int64) error {
	if marketID == "" {
		return errs.Invalid("market id is empty")
	}
	t, ok := o.series[marketID]
	if !ok {
		t = newTWAP(marketID, o.window)
	}
	if err := t.Record(priceX18, timestamp); err != nil {
		return err
	}
	o.series[marketID] = t
	return nil
}

// IndexPrice returns the TWAP of marketID at the given time, or
// ErrNoObservations.
func (o *Oracle) IndexPrice(marketID string, at int64) (*big.Int, error) {
	t, ok := o.series[marketID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", marketID, ErrNoObservations)
	}
	return t.PriceAt(at)
}

// Latest returns the last raw observation of marketID.
func (o *Oracle) Latest(marketID string) (PricePoint, bool) {
	t, ok := o.series[marketID]
	if !ok {
		return PricePoint{}, false
	}
	return t.Latest()
}

// ObservationState is the serialisable form of a PricePoint.
type ObservationState struct {
	PriceX18  string `json:"price_x18"`
	Timestamp int64  `json:"timestamp"`
}

// Export returns every series, keyed by market.
func (o *Oracle) Export() map[string][]ObservationState {
	out := make(map[string][]ObservationState, len(o.series))
	for m, t := range o.series {
		obs := make([]ObservationState, len(t.observations))
		for i, p := range t.observations {
			obs[i] = ObservationState{PriceX18: p.PriceX18.String(), Timestamp: p.Timestamp}
		}
		out[m] = obs
	}
	return out
}

// Import replaces all series with the snapshot contents.
func (o *Oracle) Import(state map[string][]ObservationState) error {
	series := make(map[string]*TWAP, len(state))
	for m, obs := range state {
		t := newTWAP(m, o.window)
		for _, s := range obs {
			p, ok := new(big.Int).SetString(s.PriceX18, 10)
			if !ok {
				return fmt.Errorf("oracle %s: invalid price %q", m, s.PriceX18)
			}
			if err := t.Record(p, s.Timestamp); err != nil {
				return err
			}
		}
		series[m] = t
	}
	o.series = series
	return nil
}
