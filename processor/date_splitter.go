package processor

import (
	"fmt"
	"sort"
)

// DateInterval is the half-open range [Start, End) of calendar days.
type DateInterval struct {
	Start DateKey
	End   DateKey
}

func (di DateInterval) Contains(k DateKey) bool {
	return !k.Before(di.Start) && k.Before(di.End)
}

func (di DateInterval) String() string {
	return fmt.Sprintf("[%s, %s)", di.Start, di.End)
}

// DistinctDates returns the keys sorted ascending without duplicates.
func DistinctDates(keys []DateKey) []DateKey {
	sorted := make([]DateKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var out []DateKey
	for i, k := range sorted {
		if i > 0 && k.Equal(sorted[i-1]) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// BuildIntervals pairs consecutive distinct dates, giving N-1 intervals for
// N dates. With includeLast a sentinel one day past the last date is
// appended so that the last date opens an interval of its own.
func BuildIntervals(dates []DateKey, includeLast bool) []DateInterval {
	bounds := dates
	if includeLast && len(dates) > 0 {
		bounds = make([]DateKey, len(dates), len(dates)+1)
		copy(bounds, dates)
		bounds = append(bounds, dates[len(dates)-1].AddDays(1))
	}

	var intervals []DateInterval
	for i := 0; i+1 < len(bounds); i++ {
		intervals = append(intervals, DateInterval{Start: bounds[i], End: bounds[i+1]})
	}
	return intervals
}

// SplitByInterval returns, for every interval, the positions of the keys
// that fall in it, in input order.
func SplitByInterval(keys []DateKey, intervals []DateInterval) [][]int {
	buckets := make([][]int, len(intervals))
	for i, k := range keys {
		ix := sort.Search(len(intervals), func(j int) bool { return k.Before(intervals[j].End) })
		if ix < len(intervals) && intervals[ix].Contains(k) {
			buckets[ix] = append(buckets[ix], i)
		}
	}
	return buckets
}
