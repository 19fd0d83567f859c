package services

import (
	"fmt"
	"time"
)

// BusinessHours is the local-time window in which sends are allowed,
// [Start, End). A window with Start > End wraps past midnight.
type BusinessHours struct {
	Enabled  bool
	Start    time.Duration // offset from local midnight
	End      time.Duration
	Location *time.Location
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Open reports whether t falls inside the window.
func (b BusinessHours) Open(t time.Time) bool {
	if !b.Enabled {
		return true
	}
	loc := b.Location
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	tod := time.Duration(lt.Hour())*time.Hour + time.Duration(lt.Minute())*time.Minute +
		time.Duration(lt.Second())*time.Second
	if b.Start <= b.End {
		return tod >= b.Start && tod < b.End
	}
	return tod >= b.Start || tod < b.End
}

func (b BusinessHours) String() string {
	f := func(d time.Duration) string {
		return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
	}
	name := "Local"
	if b.Location != nil {
		name = b.Location.String()
	}
	return fmt.Sprintf("%s-%s %s", f(b.Start), f(b.End), name)
}
