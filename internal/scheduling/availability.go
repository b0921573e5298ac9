package scheduling

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	// HorizonDays is the rolling window of bookable days from "today".
	HorizonDays = 7
)

// Availability block names accepted by the whole-map replacement API in
// place of explicit labels.
const (
	BlockMorning = "08:00-12:00"
	BlockEvening = "16:00-21:00"
)

var (
	defaultDaySlots = []string{"09:00", "10:00", "14:00", "15:00"}

	morningBlockSlots = []string{"08:00", "09:00", "10:00", "11:00", "12:00"}
	eveningBlockSlots = []string{"16:00", "17:00", "18:00", "19:00", "20:00", "21:00"}

	// Lexical HH:MM only. Whether a label is a real clock time is up to the
	// form builders offering the catalog.
	slotLabelPattern = regexp.MustCompile(`^\d{2}:\d{2}$`)
)

// WeekHorizon returns the date keys for today plus the next HorizonDays-1
// days. The horizon is a pure function of now; nothing about it is persisted.
func WeekHorizon(now time.Time) []string {
	keys := make([]string, 0, HorizonDays)
	for i := 0; i < HorizonDays; i++ {
		keys = append(keys, now.AddDate(0, 0, i).Format(DateLayout))
	}
	return keys
}

// DefaultWeeklySchedule builds the standard schedule given to newly created
// providers: the default slot catalog on each day of the coming week.
func DefaultWeeklySchedule(now time.Time) Availability {
	av := make(Availability, HorizonDays)
	for _, key := range WeekHorizon(now) {
		slots := make([]string, len(defaultDaySlots))
		copy(slots, defaultDaySlots)
		av[key] = slots
	}
	return av
}

// ExpandBlocks converts selected block names into their hourly labels.
// Unknown entries are ignored; the result is sorted.
func ExpandBlocks(blocks []string) []string {
	var slots []string
	for _, b := range blocks {
		switch b {
		case BlockMorning:
			slots = append(slots, morningBlockSlots...)
		case BlockEvening:
			slots = append(slots, eveningBlockSlots...)
		}
	}
	sort.Strings(slots)
	return slots
}

// ValidSlotLabel reports whether s has the lexical form HH:MM.
func ValidSlotLabel(s string) bool {
	return slotLabelPattern.MatchString(s)
}

// ValidDateKey reports whether s is a calendar date in 2006-01-02 form.
func ValidDateKey(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// NormalizeDaySlots returns the labels sorted ascending with duplicates
// removed. A day's slot list is always stored in this form.
func NormalizeDaySlots(slots []string) []string {
	if len(slots) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(slots))
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// NormalizeAvailability validates and canonicalizes a whole-map replacement.
// Every key must be a date and every label lexical HH:MM.
func NormalizeAvailability(av Availability) (Availability, error) {
	out := make(Availability, len(av))
	for key, slots := range av {
		if !ValidDateKey(key) {
			return nil, fmt.Errorf("invalid date key %q", key)
		}
		for _, s := range slots {
			if !ValidSlotLabel(s) {
				return nil, fmt.Errorf("invalid slot label %q for %s", s, key)
			}
		}
		out[key] = NormalizeDaySlots(slots)
	}
	return out, nil
}

// FilterToHorizon drops keys outside the HorizonDays window starting at now.
// Stale past-dated keys may linger in storage; this is where readers shed
// them.
func FilterToHorizon(av Availability, now time.Time) Availability {
	out := make(Availability)
	for _, key := range WeekHorizon(now) {
		if slots, ok := av[key]; ok && len(slots) > 0 {
			out[key] = slots
		}
	}
	return out
}

// DayOffers reports whether the availability map offers timeLabel under
// dateKey. This is the declared-availability half of the booking check; slot
// freeness is the other half.
func (av Availability) DayOffers(dateKey, timeLabel string) bool {
	slots, ok := av[dateKey]
	if !ok {
		return false
	}
	for _, s := range slots {
		if s == timeLabel {
			return true
		}
	}
	return false
}

// NextOpenDate returns the first date key within the horizon that has at
// least one slot, or "" when the provider offers nothing this week.
func (av Availability) NextOpenDate(now time.Time) string {
	for _, key := range WeekHorizon(now) {
		if slots, ok := av[key]; ok && len(slots) > 0 {
			return key
		}
	}
	return ""
}
