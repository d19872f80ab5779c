// Package session derives the market session state from wall-clock time.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scmhub/calendar"

	"market-streamer/pkg/shared"
)

// State is the market session phase at a point in time.
type State string

const (
	StatePre           State = "PRE"
	StateOpen          State = "OPEN"
	StateClosedDay     State = "CLOSED_DAY"
	StateClosedWeekend State = "CLOSED_WEEKEND"
	StateClosedHoliday State = "CLOSED_HOLIDAY"
)

// krxFixedClosures are the fixed-date KRX market closures. The exchange
// calendar library carries the lunisolar holidays but ships no Korean
// entries and exposes no way to declare arbitrary fixed dates, so these
// live here.
var krxFixedClosures = [][2]int{
	{1, 1},   // New Year's Day
	{3, 1},   // Independence Movement Day
	{5, 1},   // Labour Day
	{5, 5},   // Children's Day
	{6, 6},   // Memorial Day
	{8, 15},  // Liberation Day
	{10, 3},  // National Foundation Day
	{10, 9},  // Hangul Day
	{12, 25}, // Christmas Day
	{12, 31}, // year-end closure
}

// Clock computes session state from fixed local boundaries plus the
// exchange holiday calendar. It holds no mutable state.
type Clock struct {
	loc *time.Location
	cal *calendar.Calendar

	// The calendar panics for years outside its window; only consult it
	// inside these bounds.
	calMinYear int
	calMaxYear int

	preOpen int // minutes of day
	open    int
	close   int
}

func New(cfg shared.SessionConfig) (*Clock, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load session timezone %q: %w", cfg.Timezone, err)
	}
	pre, err := parseMinutes(cfg.PreOpen)
	if err != nil {
		return nil, err
	}
	open, err := parseMinutes(cfg.Open)
	if err != nil {
		return nil, err
	}
	cls, err := parseMinutes(cfg.Close)
	if err != nil {
		return nil, err
	}
	// Calendar may be nil for unknown MICs; weekday and fixed-date checks
	// still apply. XKRX ships without holidays, so the lunisolar ones are
	// supplemented here: Seollal (three days), Buddha's Birthday and
	// Chuseok (three days).
	cal := calendar.GetCalendar("xkrx")
	if cal != nil {
		cal.AddHolidays(
			calendar.LunarNewYearEve,
			calendar.LunarNewYear,
			calendar.LunarNewYear.Copy().SetOffset(1),
			calendar.BuddhasBirthday,
			calendar.MidAutumnFestival.Copy().SetOffset(-1),
			calendar.MidAutumnFestival,
			calendar.MidAutumnFestival.Copy().SetOffset(1),
		)
	}
	year := time.Now().Year()
	return &Clock{
		loc:        loc,
		cal:        cal,
		calMinYear: year - 4,
		calMaxYear: year + 4,
		preOpen:    pre,
		open:       open,
		close:      cls,
	}, nil
}

// State returns the session phase for now. Weekends and holidays
// short-circuit regardless of the time of day.
func (c *Clock) State(now time.Time) State {
	t := now.In(c.loc)
	wd := t.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return StateClosedWeekend
	}
	if c.isHoliday(t) {
		return StateClosedHoliday
	}
	mins := t.Hour()*60 + t.Minute()
	switch {
	case mins < c.preOpen:
		return StateClosedDay
	case mins < c.open:
		return StatePre
	case mins < c.close:
		return StateOpen
	default:
		return StateClosedDay
	}
}

func (c *Clock) isHoliday(t time.Time) bool {
	for _, md := range krxFixedClosures {
		if t.Month() == time.Month(md[0]) && t.Day() == md[1] {
			return true
		}
	}
	if c.cal != nil && t.Year() >= c.calMinYear && t.Year() <= c.calMaxYear {
		return !c.cal.IsBusinessDay(t)
	}
	return false
}

// IsAfterRegularClose reports whether the frozen closing price should be
// displayed instead of a stale live value. True only on a regular trading
// day after the close, never on weekends or holidays.
func (c *Clock) IsAfterRegularClose(now time.Time) bool {
	return c.State(now) == StateClosedDay
}

// Location returns the session's local timezone.
func (c *Clock) Location() *time.Location { return c.loc }

func parseMinutes(hhmm string) (int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid session boundary %q", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid session boundary %q", hhmm)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid session boundary %q", hhmm)
	}
	return h*60 + m, nil
}
