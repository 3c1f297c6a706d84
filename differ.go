package tweetwatch

import "sort"

// Decision is the result of comparing a batch of fetched items to the
// current state.
type Decision struct {
	// Notify holds the items to notify about, oldest first.
	Notify []Item

	// Next is the state to persist once notifications have been attempted.
	Next State
}

// Diff decides which of items are new relative to st. On the first tick
// nothing is notified and the newest fetched item becomes the baseline. The
// cursor only moves forward; items at or behind it are ignored.
func Diff(items []Item, st State) Decision {
	sorted := sortedUnique(items)
	last, tracking := Cursor(st)

	if !tracking {
		if len(sorted) == 0 {
			return Decision{Next: Uninitialized{}}
		}
		return Decision{Next: Tracking{LastSeenID: sorted[len(sorted)-1].ID}}
	}

	var fresh []Item
	for _, it := range sorted {
		if CompareIDs(it.ID, last) > 0 {
			fresh = append(fresh, it)
		}
	}
	if len(fresh) == 0 {
		return Decision{Next: Tracking{LastSeenID: last}}
	}
	return Decision{
		Notify: fresh,
		Next:   Tracking{LastSeenID: fresh[len(fresh)-1].ID},
	}
}

// sortedUnique returns a copy of items ordered oldest first, without
// duplicate or empty IDs.
func sortedUnique(items []Item) []Item {
	out := make([]Item, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.ID == "" || seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CompareIDs(out[i].ID, out[j].ID) < 0
	})
	return out
}
