package invoice

import (
	"fmt"
	"math"
	"strings"
)

// UrgencyLevel classifies how soon an invoice must be paid.
type UrgencyLevel int

const (
	Overdue UrgencyLevel = iota + 1
	Critical
	High
	Medium
	Low
)

// UrgencyFromDays classifies the number of days until the due date.
// Every integer maps to exactly one level.
func UrgencyFromDays(days int) UrgencyLevel {
	switch {
	case days < 0:
		return Overdue
	case days <= 7:
		return Critical
	case days <= 14:
		return High
	case days <= 30:
		return Medium
	default:
		return Low
	}
}

// ParseUrgency reads a level by name, case-insensitively.
func ParseUrgency(s string) (UrgencyLevel, error) {
	for _, u := range Levels() {
		if strings.EqualFold(s, u.String()) {
			return u, nil
		}
	}
	return 0, fmt.Errorf("unknown urgency level %q", s)
}

// Levels returns all levels from most to least urgent.
func Levels() []UrgencyLevel {
	return []UrgencyLevel{Overdue, Critical, High, Medium, Low}
}

// Valid reports whether u is one of the five levels.
func (u UrgencyLevel) Valid() bool {
	return u >= Overdue && u <= Low
}

func (u UrgencyLevel) String() string {
	switch u {
	case Overdue:
		return "OVERDUE"
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	case Low:
		return "LOW"
	}
	return fmt.Sprintf("UrgencyLevel(%d)", int(u))
}

// Color is the display color of the level as a hex code.
func (u UrgencyLevel) Color() string {
	switch u {
	case Overdue:
		return "#dc3545"
	case Critical:
		return "#fd7e14"
	case High:
		return "#ffc107"
	case Medium:
		return "#17a2b8"
	case Low:
		return "#28a745"
	}
	return ""
}

// DayRange returns the inclusive range of days-until-due covered by the level.
// Open ends are math.MinInt and math.MaxInt.
func (u UrgencyLevel) DayRange() (lo, hi int) {
	switch u {
	case Overdue:
		return math.MinInt, -1
	case Critical:
		return 0, 7
	case High:
		return 8, 14
	case Medium:
		return 15, 30
	case Low:
		return 31, math.MaxInt
	}
	return 0, -1
}

func (u UrgencyLevel) MarshalText() ([]byte, error) {
	if !u.Valid() {
		return nil, fmt.Errorf("invalid urgency level %d", int(u))
	}
	return []byte(u.String()), nil
}

func (u *UrgencyLevel) UnmarshalText(b []byte) error {
	v, err := ParseUrgency(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}
