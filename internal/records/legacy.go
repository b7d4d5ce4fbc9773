package records

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"entregas/internal/core"
)

// flatEntry accepts both the current field names and the ones written by the
// first version of the app (data, quantidade, timestamp).
type flatEntry struct {
	ID         *int64 `json:"id"`
	Date       string `json:"date"`
	Data       string `json:"data"`
	Quantity   *int   `json:"quantity"`
	Quantidade *int   `json:"quantidade"`
	CreatedAt  string `json:"createdAt"`
	Timestamp  string `json:"timestamp"`
}

type decoded struct {
	deliveries []core.Delivery
	skipped    []error
}

// decodeRecords parses a flat-key payload into a normalized delivery list:
// missing ids are assigned, missing creation times derived, invalid entries
// skipped and entries sharing a date summed.
func decodeRecords(raw []byte, now time.Time) (decoded, error) {
	var entries []flatEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return decoded{}, fmt.Errorf("decode deliveries: %w", err)
	}

	var out decoded
	used := make(map[int64]bool, len(entries))
	nextID := now.UnixMilli()

	list := make([]core.Delivery, 0, len(entries))
	for i, e := range entries {
		d, err := e.normalize()
		if err != nil {
			out.skipped = append(out.skipped, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		if d.ID <= 0 || used[d.ID] {
			for used[nextID] {
				nextID++
			}
			d.ID = nextID
			nextID++
		}
		used[d.ID] = true
		if d.CreatedAt.IsZero() {
			if e.ID != nil && *e.ID > 0 {
				d.CreatedAt = time.UnixMilli(*e.ID).UTC()
			} else {
				d.CreatedAt = now.UTC()
			}
		}
		list = append(list, d)
	}

	out.deliveries = core.MergeByDate(list)
	return out, nil
}

func (e flatEntry) normalize() (core.Delivery, error) {
	dateStr := e.Date
	if dateStr == "" {
		dateStr = e.Data
	}
	// tolerate full timestamps in the date field
	if len(dateStr) > len(core.DateLayout) && strings.Contains(dateStr, "T") {
		dateStr = dateStr[:len(core.DateLayout)]
	}
	date, err := core.ParseDate(dateStr)
	if err != nil {
		return core.Delivery{}, err
	}

	qty := 0
	switch {
	case e.Quantity != nil:
		qty = *e.Quantity
	case e.Quantidade != nil:
		qty = *e.Quantidade
	}

	d := core.Delivery{Date: date, Quantity: qty}
	if e.ID != nil {
		d.ID = *e.ID
	}
	if err := d.Validate(); err != nil {
		return core.Delivery{}, err
	}

	stamp := e.CreatedAt
	if stamp == "" {
		stamp = e.Timestamp
	}
	if stamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
			d.CreatedAt = t
		}
	}
	return d, nil
}
