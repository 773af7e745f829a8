// Package usage holds the usage-detail record model and the pure functions
// that summarize and compare record sets: Aggregate and Reconcile.
package usage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	fieldDate     = "date"
	fieldCost     = "cost"
	fieldQuantity = "consumedQuantity"

	// DateLayout is the canonical day format used in logs, keys and JSON.
	DateLayout = "2006-01-02"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	DateLayout,
	"01/02/2006",
}

// Record is one billable usage-detail line item.
//
// Only Date, Cost and Quantity are interpreted. Every other field the
// metering service returns (account, subscription, meter, resource ids,
// tags...) is kept verbatim in Attributes and written back on marshal.
type Record struct {
	Date       time.Time
	Cost       decimal.Decimal
	Quantity   decimal.Decimal
	Attributes map[string]json.RawMessage
}

// NormalizeDate truncates t to its calendar day at 00:00 UTC so that dates
// can be compared with == and used as map keys.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses the date formats the metering service has been seen to
// return and normalizes the result to a calendar day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return NormalizeDate(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	rawDate, ok := fields[fieldDate]
	if !ok {
		return fmt.Errorf("usage record: missing %q", fieldDate)
	}
	var dateStr string
	if err := json.Unmarshal(rawDate, &dateStr); err != nil {
		return fmt.Errorf("usage record: invalid %q: %w", fieldDate, err)
	}
	date, err := ParseDate(dateStr)
	if err != nil {
		return fmt.Errorf("usage record: %w", err)
	}

	cost, err := decimalField(fields, fieldCost)
	if err != nil {
		return err
	}
	quantity, err := decimalField(fields, fieldQuantity)
	if err != nil {
		return err
	}

	delete(fields, fieldDate)
	delete(fields, fieldCost)
	delete(fields, fieldQuantity)
	if len(fields) == 0 {
		fields = nil
	}

	*r = Record{
		Date:       date,
		Cost:       cost,
		Quantity:   quantity,
		Attributes: fields,
	}
	return nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Attributes)+3)
	for k, v := range r.Attributes {
		out[k] = v
	}
	out[fieldDate] = NormalizeDate(r.Date).Format(time.RFC3339)
	out[fieldCost] = r.Cost
	out[fieldQuantity] = r.Quantity
	return json.Marshal(out)
}

func decimalField(fields map[string]json.RawMessage, name string) (decimal.Decimal, error) {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return decimal.Zero, nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, fmt.Errorf("usage record: invalid %q: %w", name, err)
	}
	return d, nil
}
