// Package aggregate derives period totals, bonuses and report statistics from a
// delivery list. Every function is pure: it reads the list it is given, never
// modifies it, and performs no I/O.
package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"entregas/internal/core"
)

// PeriodKind selects the accounting window used by PeriodStart.
type PeriodKind string

const (
	Week      PeriodKind = "week"
	Fortnight PeriodKind = "fortnight"
	Month     PeriodKind = "month"
)

// PeriodStart returns the first day of the period containing today: the most
// recent Sunday for a week, the 1st or the 16th for a fortnight, the 1st for a month.
// Unknown kinds fall back to today.
func PeriodStart(kind PeriodKind, today core.Date) core.Date {
	switch kind {
	case Week:
		return today.AddDays(-int(today.Weekday()))
	case Fortnight:
		if today.Day() <= 15 {
			return core.NewDate(today.Year(), int(today.Month()), 1)
		}
		return core.NewDate(today.Year(), int(today.Month()), 16)
	case Month:
		return core.NewDate(today.Year(), int(today.Month()), 1)
	default:
		return today
	}
}

// SumInRange sums quantities of deliveries dated within [start, end].
func SumInRange(records []core.Delivery, start, end core.Date) int {
	total := 0
	for _, r := range records {
		if r.Date.Before(start) || r.Date.After(end) {
			continue
		}
		total += r.Quantity
	}
	return total
}

// FortnightKey identifies a half-month: Half is 1 for days 1-15 and 2 for 16 onwards.
type FortnightKey struct {
	Year  int
	Month time.Month
	Half  int
}

// FortnightOf returns the bucket a date falls in.
func FortnightOf(d core.Date) FortnightKey {
	half := 1
	if d.Day() > 15 {
		half = 2
	}
	return FortnightKey{Year: d.Year(), Month: d.Month(), Half: half}
}

// Fortnights groups deliveries into half-month buckets.
func Fortnights(records []core.Delivery) map[FortnightKey]int {
	buckets := make(map[FortnightKey]int)
	for _, r := range records {
		buckets[FortnightOf(r.Date)] += r.Quantity
	}
	return buckets
}

// Surplus is the part of total above quota, never negative.
func Surplus(total, quota int) int {
	if total > quota {
		return total - quota
	}
	return 0
}

// BonusTotal is the bonus earned over the whole history: every fortnight whose
// sum exceeds quota contributes (sum - quota) * unitBonus.
func BonusTotal(records []core.Delivery, quota int, unitBonus core.Money) core.Money {
	var total core.Money
	for _, sum := range Fortnights(records) {
		total = total.Add(unitBonus.Times(Surplus(sum, quota)))
	}
	return total
}

// DayTotal is a date with the quantity delivered on it.
type DayTotal struct {
	Date     core.Date `json:"date"`
	Quantity int       `json:"quantity"`
}

// Stats summarizes the deliveries of the current month.
type Stats struct {
	MonthTotal   int             `json:"monthTotal"`
	DaysWorked   int             `json:"daysWorked"`
	DailyAverage decimal.Decimal `json:"dailyAverage"`
	BestDay      *DayTotal       `json:"bestDay"`
}

// ReportStats computes month statistics over deliveries dated on or after
// monthStart. The daily average is rounded half away from zero to one decimal.
// When several days share the highest total, the earliest date wins.
func ReportStats(records []core.Delivery, monthStart core.Date) Stats {
	perDay := make(map[string]*DayTotal)
	stats := Stats{DailyAverage: decimal.Zero}

	for _, r := range records {
		if r.Date.Before(monthStart) {
			continue
		}
		stats.MonthTotal += r.Quantity
		key := r.Date.String()
		if day, ok := perDay[key]; ok {
			day.Quantity += r.Quantity
			continue
		}
		perDay[key] = &DayTotal{Date: r.Date, Quantity: r.Quantity}
	}

	stats.DaysWorked = len(perDay)
	if stats.DaysWorked == 0 {
		return stats
	}

	stats.DailyAverage = decimal.NewFromInt(int64(stats.MonthTotal)).
		Div(decimal.NewFromInt(int64(stats.DaysWorked))).
		Round(1)

	var best *DayTotal
	for _, day := range perDay {
		if day.Quantity <= 0 {
			continue
		}
		if best == nil || day.Quantity > best.Quantity ||
			(day.Quantity == best.Quantity && day.Date.Before(best.Date)) {
			best = day
		}
	}
	if best != nil {
		b := *best
		stats.BestDay = &b
	}
	return stats
}
