// Package store persists the last synchronized copy of each billing period
// together with its ETag, and a history of sync runs.
package store

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/usage-sync/internal/usage"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Key identifies one synchronized record set.
type Key struct {
	EnrollmentID  string `json:"enrollment_id"`
	BillingPeriod string `json:"billing_period"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.EnrollmentID, k.BillingPeriod)
}

type Snapshot struct {
	Key     Key            `json:"key"`
	Records []usage.Record `json:"records"`
	ETag    string         `json:"etag"`
	// AccessKeyHash is the hex SHA-256 of the access key that last fetched
	// the records. The key itself is never stored.
	AccessKeyHash string    `json:"access_key_hash"`
	SyncedAt      time.Time `json:"synced_at"`
}

func HashAccessKey(accessKey string) string {
	h := sha256.New()
	h.Write([]byte(accessKey))
	return hex.EncodeToString(h.Sum(nil))
}

// Authorize reports whether accessKey is the key that produced the snapshot.
func (s *Snapshot) Authorize(accessKey string) bool {
	if accessKey == "" || s.AccessKeyHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.AccessKeyHash), []byte(HashAccessKey(accessKey))) == 1
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunUnchanged RunStatus = "unchanged"
	RunFailed    RunStatus = "failed"
)

// Run is one row of sync history.
type Run struct {
	ID             string        `json:"id"`
	Key            Key           `json:"key"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
	Status         RunStatus     `json:"status"`
	Pages          int           `json:"pages"`
	RecordCount    int           `json:"record_count"`
	Divergence     string        `json:"divergence"`
	DivergenceDate *time.Time    `json:"divergence_date,omitempty"`
	Error          string        `json:"error,omitempty"`
}

type Store interface {
	GetSnapshot(ctx context.Context, key Key) (*Snapshot, error)
	PutSnapshot(ctx context.Context, snap *Snapshot) error
	LogRun(ctx context.Context, run *Run) error
	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, key Key, limit int) ([]*Run, error)
}
