package store

import (
	"sort"
	"time"

	"venuesync/internal/enhance"
	"venuesync/internal/models"
)

// mergeOrderUpdate applies a wire delta to a known order. Status only moves
// forward and never leaves a terminal state; filled size never decreases.
// changed is false when the delta carried nothing new.
func mergeOrderUpdate(cur models.Order, upd models.OrderUpdate, now time.Time) (merged models.Order, changed bool) {
	merged = cur
	if upd.Status != "" && upd.Status != cur.Status && cur.Status.CanTransitionTo(upd.Status) {
		merged.Status = upd.Status
		changed = true
	}
	if upd.FilledSize != "" && greaterAtoms(upd.FilledSize, cur.FilledSize) {
		merged.FilledSize = upd.FilledSize
		changed = true
	}
	if changed {
		merged.UpdatedAt = now
	}
	return merged, changed
}

// mergeOrder reconciles a full server order with the local copy using the
// same monotonic rules as mergeOrderUpdate.
func mergeOrder(cur, next models.Order) models.Order {
	merged := next
	if !cur.Status.CanTransitionTo(next.Status) {
		merged.Status = cur.Status
	}
	if greaterAtoms(cur.FilledSize, next.FilledSize) {
		merged.FilledSize = cur.FilledSize
	}
	if merged.UpdatedAt.Before(cur.UpdatedAt) {
		merged.UpdatedAt = cur.UpdatedAt
	}
	return merged
}

// greaterAtoms reports a > b. Malformed values never compare greater; an
// empty b counts as zero.
func greaterAtoms(a, b string) bool {
	if b == "" {
		b = "0"
	}
	cmp, err := enhance.CompareAtoms(a, b)
	return err == nil && cmp > 0
}

// prependTrade inserts t at the head and truncates to limit afterwards, so
// the newest trade is never evicted by its own insertion. A trade already
// present is not inserted twice.
func prependTrade(list []models.EnhancedTrade, t models.EnhancedTrade, limit int) ([]models.EnhancedTrade, bool) {
	for _, existing := range list {
		if existing.ID == t.ID {
			return list, false
		}
	}
	out := make([]models.EnhancedTrade, 0, len(list)+1)
	out = append(out, t)
	out = append(out, list...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, true
}

// newestFirst sorts trades by descending timestamp and truncates to limit.
func newestFirst(trades []models.EnhancedTrade, limit int) []models.EnhancedTrade {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp.After(trades[j].Timestamp)
	})
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades
}

// upsertCandle keeps candles sorted by ascending timestamp; a candle for an
// existing bucket replaces it. The oldest candles are dropped beyond limit.
func upsertCandle(list []models.EnhancedCandle, c models.EnhancedCandle, limit int) []models.EnhancedCandle {
	i := sort.Search(len(list), func(i int) bool {
		return !list[i].Timestamp.Before(c.Timestamp)
	})

	out := make([]models.EnhancedCandle, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, c)
	if i < len(list) && list[i].Timestamp.Equal(c.Timestamp) {
		out = append(out, list[i+1:]...)
	} else {
		out = append(out, list[i:]...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
