package usage

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Mode selects which side of a comparison is scanned for divergences.
type Mode int

const (
	// ModeSymmetric reports the earliest day that is missing from either
	// side or whose totals differ.
	ModeSymmetric Mode = iota
	// ModeFreshOnly only scans days present in the fresh set. A day that
	// exists only in storage is not reported.
	ModeFreshOnly
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "symmetric":
		return ModeSymmetric, nil
	case "fresh-only":
		return ModeFreshOnly, nil
	default:
		return 0, fmt.Errorf("unknown reconcile mode %q", s)
	}
}

func (m Mode) String() string {
	if m == ModeFreshOnly {
		return "fresh-only"
	}
	return "symmetric"
}

type Status int

const (
	NotRequested Status = iota
	NoDivergence
	Diverged
)

func (s Status) String() string {
	switch s {
	case NoDivergence:
		return "no_divergence"
	case Diverged:
		return "diverged"
	default:
		return "not_requested"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reason explains why a day was reported as the divergence point.
type Reason string

const (
	ReasonMissingInStore  Reason = "missing_in_store"
	ReasonValueMismatch   Reason = "value_mismatch"
	ReasonRemovedUpstream Reason = "removed_upstream"
)

// Divergence is the outcome of comparing a fresh record set to a stored one.
// Date and Reason are only meaningful when Status is Diverged.
type Divergence struct {
	Status Status
	Date   time.Time
	Reason Reason
}

func (d Divergence) String() string {
	if d.Status != Diverged {
		return d.Status.String()
	}
	return fmt.Sprintf("diverged at %s (%s)", d.Date.Format(DateLayout), d.Reason)
}

func (d Divergence) MarshalJSON() ([]byte, error) {
	out := struct {
		Status Status `json:"status"`
		Date   string `json:"date,omitempty"`
		Reason Reason `json:"reason,omitempty"`
	}{Status: d.Status}
	if d.Status == Diverged {
		out.Date = d.Date.Format(DateLayout)
		out.Reason = d.Reason
	}
	return json.Marshal(out)
}

// Reconcile compares fresh against stored buckets and returns the earliest
// day at which they disagree, or NoDivergence.
func Reconcile(fresh, stored []Bucket, mode Mode) Divergence {
	freshByDate := indexBuckets(fresh)
	storedByDate := indexBuckets(stored)

	var found *Divergence
	for _, f := range sortedCopy(fresh) {
		s, ok := storedByDate[NormalizeDate(f.Date)]
		if !ok {
			found = diverged(f.Date, ReasonMissingInStore)
			break
		}
		if !f.SameTotals(s) {
			found = diverged(f.Date, ReasonValueMismatch)
			break
		}
	}

	if mode == ModeSymmetric {
		for _, s := range sortedCopy(stored) {
			if found != nil && !s.Date.Before(found.Date) {
				break
			}
			if _, ok := freshByDate[NormalizeDate(s.Date)]; !ok {
				found = diverged(s.Date, ReasonRemovedUpstream)
				break
			}
		}
	}

	if found == nil {
		return Divergence{Status: NoDivergence}
	}
	return *found
}

func diverged(date time.Time, reason Reason) *Divergence {
	return &Divergence{Status: Diverged, Date: NormalizeDate(date), Reason: reason}
}

func indexBuckets(buckets []Bucket) map[time.Time]Bucket {
	m := make(map[time.Time]Bucket, len(buckets))
	for _, b := range buckets {
		m[NormalizeDate(b.Date)] = b
	}
	return m
}

func sortedCopy(buckets []Bucket) []Bucket {
	out := slices.Clone(buckets)
	sortBuckets(out)
	return out
}
