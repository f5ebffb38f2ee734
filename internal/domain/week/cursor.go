package week

import (
	"fmt"
	"strings"
	"time"
)

// Cursor is per-session navigation state over weeks. It never moves past the
// current real-world week. A Cursor is not safe for concurrent use.
type Cursor struct {
	at  time.Time
	loc *time.Location
	now func() time.Time
}

// CursorOption configures a Cursor.
type CursorOption func(*Cursor)

// WithClock sets the source of "now".
func WithClock(now func() time.Time) CursorOption {
	return func(c *Cursor) {
		if now != nil {
			c.now = now
		}
	}
}

// WithInstant positions the cursor at t instead of now.
func WithInstant(t time.Time) CursorOption {
	return func(c *Cursor) {
		c.at = t
	}
}

// NewCursor returns a cursor in loc (nil means UTC) positioned at now.
func NewCursor(loc *time.Location, opts ...CursorOption) *Cursor {
	if loc == nil {
		loc = time.UTC
	}
	c := &Cursor{loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.at.IsZero() {
		c.at = c.now()
	}
	c.at = c.at.In(loc)
	return c
}

// Instant returns the cursor's reference instant.
func (c *Cursor) Instant() time.Time { return c.at }

// Location returns the cursor's zone.
func (c *Cursor) Location() *time.Location { return c.loc }

// Window returns the week the cursor points at.
func (c *Cursor) Window() Window { return For(c.at, c.loc) }

// Previous moves one week back.
func (c *Cursor) Previous() {
	c.at = c.at.AddDate(0, 0, -7)
}

// Next moves one week forward unless that would pass the current week.
// It reports whether the cursor moved.
func (c *Cursor) Next() bool {
	candidate, ok := c.next()
	if !ok {
		return false
	}
	c.at = candidate
	return true
}

// CanAdvance reports whether Next would move the cursor.
func (c *Cursor) CanAdvance() bool {
	_, ok := c.next()
	return ok
}

// Current resets the cursor to now.
func (c *Cursor) Current() {
	c.at = c.now().In(c.loc)
}

func (c *Cursor) next() (time.Time, bool) {
	candidate := c.at.AddDate(0, 0, 7)
	candidateStart := For(candidate, c.loc).Start
	currentStart := For(c.now(), c.loc).Start
	if candidateStart.After(currentStart) {
		return time.Time{}, false
	}
	return candidate, true
}

// MarshalText encodes the cursor as "<RFC3339Nano instant> <zone>".
func (c *Cursor) MarshalText() ([]byte, error) {
	return []byte(c.at.Format(time.RFC3339Nano) + " " + c.loc.String()), nil
}

// UnmarshalText restores a cursor written by MarshalText. The zone part is
// optional and defaults to UTC.
func (c *Cursor) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	instant, zone, _ := strings.Cut(raw, " ")
	at, err := time.Parse(time.RFC3339Nano, instant)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	loc, err := LoadZone(strings.TrimSpace(zone))
	if err != nil {
		return err
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.loc = loc
	c.at = at.In(loc)
	return nil
}

// ParseCursor decodes a serialized cursor.
func ParseCursor(s string, opts ...CursorOption) (*Cursor, error) {
	c := &Cursor{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return nil, err
	}
	return c, nil
}

// String implements fmt.Stringer with the MarshalText encoding.
func (c *Cursor) String() string {
	b, _ := c.MarshalText()
	return string(b)
}
