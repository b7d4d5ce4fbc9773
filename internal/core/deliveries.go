package core

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// SortByDateDesc orders deliveries newest date first. Equal dates, which only
// appear in unnormalized input, keep their relative order.
func SortByDateDesc(list []Delivery) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Date.After(list[j].Date)
	})
}

// AddDelivery records qty deliveries on date. If a delivery already exists for
// that date its quantity is incremented in place, otherwise a new delivery is
// created with an id derived from now. The input slice is never modified; the
// returned slice is sorted by date descending.
func AddDelivery(list []Delivery, date Date, qty int, now time.Time) ([]Delivery, Delivery, error) {
	candidate := Delivery{Date: date, Quantity: qty}
	if err := candidate.Validate(); err != nil {
		return list, Delivery{}, err
	}

	out := make([]Delivery, len(list), len(list)+1)
	copy(out, list)

	for i := range out {
		if out[i].Date.Equal(date) {
			if qty > math.MaxInt-out[i].Quantity {
				return list, Delivery{}, fmt.Errorf("%w: %d more on %s would overflow", ErrInvalidQuantity, qty, date)
			}
			out[i].Quantity += qty
			SortByDateDesc(out)
			return out, findByDate(out, date), nil
		}
	}

	candidate.ID = nextID(out, now.UnixMilli())
	candidate.CreatedAt = now
	out = append(out, candidate)
	SortByDateDesc(out)
	return out, candidate, nil
}

// RemoveDelivery drops the delivery with the given id. The boolean reports
// whether anything was removed.
func RemoveDelivery(list []Delivery, id int64) ([]Delivery, bool) {
	out := make([]Delivery, 0, len(list))
	removed := false
	for _, d := range list {
		if d.ID == id {
			removed = true
			continue
		}
		out = append(out, d)
	}
	return out, removed
}

// TrimBefore keeps deliveries dated on or after limit and reports how many were dropped.
func TrimBefore(list []Delivery, limit Date) ([]Delivery, int) {
	out := make([]Delivery, 0, len(list))
	for _, d := range list {
		if d.Date.Before(limit) {
			continue
		}
		out = append(out, d)
	}
	return out, len(list) - len(out)
}

// MergeByDate collapses deliveries sharing a date into one, summing quantities
// (saturating at math.MaxInt). The first delivery seen for a date keeps its id
// and creation time.
func MergeByDate(list []Delivery) []Delivery {
	index := make(map[string]int, len(list))
	out := make([]Delivery, 0, len(list))
	for _, d := range list {
		key := d.Date.String()
		if i, ok := index[key]; ok {
			if d.Quantity > math.MaxInt-out[i].Quantity {
				out[i].Quantity = math.MaxInt
			} else {
				out[i].Quantity += d.Quantity
			}
			continue
		}
		index[key] = len(out)
		out = append(out, d)
	}
	SortByDateDesc(out)
	return out
}

// TotalQuantity sums every delivery's quantity.
func TotalQuantity(list []Delivery) int {
	total := 0
	for _, d := range list {
		total += d.Quantity
	}
	return total
}

func findByDate(list []Delivery, date Date) Delivery {
	for _, d := range list {
		if d.Date.Equal(date) {
			return d
		}
	}
	return Delivery{}
}

// nextID returns candidate unless an existing delivery already uses it, in which
// case it returns one past the largest id in use.
func nextID(list []Delivery, candidate int64) int64 {
	var maxID int64
	taken := false
	for _, d := range list {
		if d.ID == candidate {
			taken = true
		}
		if d.ID > maxID {
			maxID = d.ID
		}
	}
	if taken {
		return maxID + 1
	}
	return candidate
}
