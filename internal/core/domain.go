package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar format used for delivery dates everywhere: storage,
// flat-key payloads, exports and the HTTP API.
const DateLayout = "2006-01-02"

type (
	// Date is a calendar day. The wrapped time is always midnight UTC so that
	// comparisons never depend on the host time zone.
	Date struct {
		time.Time
	}

	Money struct {
		Cents int64
	}

	// Delivery is one day's delivery count. At most one Delivery exists per Date.
	Delivery struct {
		ID        int64     `json:"id"`
		Date      Date      `json:"date"`
		Quantity  int       `json:"quantity"`
		CreatedAt time.Time `json:"createdAt"`
	}
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrPersistFailure   = errors.New("persist failure")
	ErrValidation       = errors.New("validation failure")
	ErrNetworkFailure   = errors.New("network failure")

	ErrInvalidDate      = fmt.Errorf("%w: invalid date", ErrValidation)
	ErrInvalidQuantity  = fmt.Errorf("%w: quantity must be a positive integer", ErrValidation)
	ErrInvalidAmount    = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrDeliveryNotFound = fmt.Errorf("%w: delivery not found", ErrValidation)
)

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, int(m), d)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return Date{Time: t}, nil
}

func (d Date) Validate() error {
	if d.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

// Day returns the day of the month
func (d Date) Day() int {
	return d.Time.Day()
}

// Month returns the month
func (d Date) Month() time.Month {
	return d.Time.Month()
}

// Year returns the year
func (d Date) Year() int {
	return d.Time.Year()
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// AddDays shifts the date by n calendar days.
func (d Date) AddDays(n int) Date {
	return Date{Time: d.AddDate(0, 0, n)}
}

// AddMonths shifts the date by n months with time.AddDate normalization
// (Aug 31 minus six months lands in early March, not on Feb 28).
func (d Date) AddMonths(n int) Date {
	return Date{Time: d.AddDate(0, n, 0)}
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time.Before(other.Time)
}

// After reports whether d is strictly later than other.
func (d Date) After(other Date) bool {
	return d.Time.After(other.Time)
}

func (d Date) Equal(other Date) bool {
	return d.Time.Equal(other.Time)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDate, string(data))
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Times multiplies the amount by an integer count.
func (m Money) Times(n int) Money {
	return Money{Cents: m.Cents * int64(n)}
}

func (m Money) Add(other Money) Money {
	return Money{Cents: m.Cents + other.Cents}
}

func (e Delivery) Validate() error {
	if err := e.Date.Validate(); err != nil {
		return err
	}
	if e.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	return nil
}
