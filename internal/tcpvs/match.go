package tcpvs

import "errors"

// ErrNoDestination means a request matched no rule, or its rule offered
// no eligible destination.
var ErrNoDestination = errors.New("no eligible destination")

// Selector picks a destination of a matched rule. groups holds the
// submatch index pairs of the match against uri.
type Selector func(r *Rule, uri string, groups []int) *Destination

// MatchRule evaluates the rules in order and hands the first match to sel.
// Later rules are never tried, even when sel finds no destination.
func (s *Service) MatchRule(uri []byte, sel Selector) *Destination {
	u := string(uri)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		groups := r.rx.FindStringSubmatchIndex(u)
		if groups == nil {
			continue
		}
		return sel(r, u, groups)
	}
	return nil
}

// WLC selects by weighted least connections.
func WLC(r *Rule, _ string, _ []int) *Destination {
	if d := wlcSchedule(r.Destinations, true); d != nil {
		return d
	}
	// every weighted destination failed to connect lately; try them anyway
	return wlcSchedule(r.Destinations, false)
}

// wlcSchedule returns the destination with weight > 0 minimizing
// conns/weight. Ties keep the earlier destination.
func wlcSchedule(dests []*Destination, activeOnly bool) *Destination {
	var least *Destination
	var leastConns, leastWeight int64
	for _, d := range dests {
		w := int64(d.Weight())
		if w <= 0 || (activeOnly && !d.Active()) {
			continue
		}
		c := int64(d.Conns())
		if least == nil || leastConns*w > c*leastWeight {
			least, leastConns, leastWeight = d, c, w
		}
	}
	return least
}

// Sticky hashes the rule's capture group onto the destination list, so the
// same URI content keeps reaching the same backend while the list is
// unchanged.
func Sticky(r *Rule, uri string, groups []int) *Destination {
	i := 2 * r.MatchNum
	if i+1 >= len(groups) {
		return nil
	}
	start, end := groups[i], groups[i+1]
	if start < 0 || end <= start {
		return nil
	}
	if len(r.Destinations) == 0 {
		return nil
	}
	return r.Destinations[StickyIndex(uri[start:end], len(r.Destinations))]
}

// StickyIndex sums the bytes of key modulo n.
func StickyIndex(key string, n int) int {
	sum := 0
	for i := 0; i < len(key); i++ {
		sum += int(key[i])
	}
	return sum % n
}

// RoundRobin cycles through the rule's destinations, skipping those with
// zero weight.
func RoundRobin(r *Rule, _ string, _ []int) *Destination {
	if r.rr == nil {
		return nil
	}
	r.rrMu.Lock()
	defer r.rrMu.Unlock()
	for range r.Destinations {
		if d := r.rr.Next(); d.Weight() > 0 {
			return d
		}
	}
	return nil
}
