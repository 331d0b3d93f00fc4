package model

import (
	"sort"
	"time"
)

var periodLayouts = []string{"2006-01", "Jan-06"}

// ParsePeriod recognizes the two label shapes seen in packs, "2006-01"
// and "Mar-25". The second return is false for anything else.
func ParsePeriod(label string) (time.Time, bool) {
	for _, layout := range periodLayouts {
		if t, err := time.Parse(layout, label); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// PeriodBefore reports whether a orders strictly before b. Labels that
// parse order chronologically; labels that do not parse order
// lexicographically after every parsable label.
func PeriodBefore(a, b string) bool {
	ta, oka := ParsePeriod(a)
	tb, okb := ParsePeriod(b)
	switch {
	case oka && okb:
		return ta.Before(tb)
	case oka:
		return true
	case okb:
		return false
	default:
		return a < b
	}
}

// SortPeriods orders period labels oldest first.
func SortPeriods(labels []string) {
	sort.SliceStable(labels, func(i, j int) bool {
		return PeriodBefore(labels[i], labels[j])
	})
}

// PreviousPeriod returns the label immediately preceding current within
// labels, or "" when current is the earliest or not present. Labels
// need not be sorted.
func PreviousPeriod(labels []string, current string) string {
	prev := ""
	found := false
	for _, l := range labels {
		if l == current {
			found = true
			continue
		}
		if !PeriodBefore(l, current) {
			continue
		}
		if prev == "" || PeriodBefore(prev, l) {
			prev = l
		}
	}
	if !found {
		return ""
	}
	return prev
}
