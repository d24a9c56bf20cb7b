package processor

import (
	"fmt"
	"strings"
	"time"

	"tickflow/models"
	"tickflow/router"
)

// referenceTimezone is the fixed zone all stored timestamps are expressed in.
const referenceTimezone = "America/Chicago"

// civilFormat renders a timezone-qualified civil timestamp, e.g.
// "2023-11-14 16:13:20 CST".
const civilFormat = "2006-01-02 15:04:05 MST"

// Normalizer converts raw wire ticks into canonical records.
type Normalizer struct {
	loc *time.Location
}

func NewNormalizer() (*Normalizer, error) {
	loc, err := time.LoadLocation(referenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference timezone: %w", err)
	}
	return &Normalizer{loc: loc}, nil
}

// Normalize produces zero or one record for a tick. The boolean is false
// when the tick's symbol is outside the routing table; such ticks are
// dropped, never stored. Numeric fields pass through unchanged.
func (n *Normalizer) Normalize(tick models.RawTick) (models.NormalizedRecord, bool) {
	class, ok := router.Resolve(tick.Symbol)
	if !ok {
		return models.NormalizedRecord{}, false
	}

	conditions := models.NoConditions
	if len(tick.Conditions) > 0 {
		conditions = strings.Join(tick.Conditions, ", ")
	}

	ts := time.UnixMilli(tick.Timestamp).In(n.loc)

	return models.NormalizedRecord{
		Timestamp:    ts.Format(civilFormat),
		CurrentPrice: tick.Price,
		Volume:       tick.Volume,
		Conditions:   conditions,
		Class:        class,
	}, true
}
