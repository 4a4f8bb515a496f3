package factory

import (
	"fmt"
	"time"
)

// Timestamp is a time.Time that decodes from RFC 3339 and is always
// normalized to UTC, whatever offset the upstream provider sends.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("timestamp must be a string, got %s", string(b))
	}
	parsed, err := time.Parse(time.RFC3339Nano, string(b[1:len(b)-1]))
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	t.Time = parsed.UTC()
	return nil
}

// ClockTime is a time of day without a date, as shift models store
// their boundaries. It decodes from "HH:MM" or "HH:MM:SS".
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

func ParseClockTime(s string) (ClockTime, error) {
	var c ClockTime
	var err error
	switch len(s) {
	case 5:
		_, err = fmt.Sscanf(s, "%2d:%2d", &c.Hour, &c.Minute)
	case 8:
		_, err = fmt.Sscanf(s, "%2d:%2d:%2d", &c.Hour, &c.Minute, &c.Second)
	default:
		return c, fmt.Errorf("invalid clock time %q", s)
	}
	if err != nil {
		return c, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 || c.Second < 0 || c.Second > 59 {
		return c, fmt.Errorf("clock time %q out of range", s)
	}
	return c, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// At pins the time of day onto the given instant's UTC calendar day.
func (c ClockTime) At(day time.Time) time.Time {
	day = day.UTC()
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, c.Second, 0, time.UTC)
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("clock time must be a string, got %s", string(b))
	}
	parsed, err := ParseClockTime(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
