// Package store defines the telemetry store used to persist samples, aggregated
// patterns, alerts and remediation missions, together with its backends.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelops/sentinel/pkg/errors"
)

// Store is a key-value store with expiring entries. Each key is written wholesale.
type Store interface {
	// Get returns the value stored under key, or found=false when absent or expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Keys lists keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Evictor is implemented by backends that do not expire entries on their own
// and need a periodic sweep.
type Evictor interface {
	Evict(ctx context.Context) int
}

// AsEvictor returns the Evictor behind s, looking through a GuardedStore.
func AsEvictor(s Store) (Evictor, bool) {
	if g, ok := s.(*GuardedStore); ok {
		s = g.Inner()
	}
	ev, ok := s.(Evictor)
	return ev, ok
}

// Key prefixes of the telemetry layout. Time-ordered records start with a
// zero-padded unix-nano timestamp so prefix listings can be filtered by time
// without decoding values.
const (
	Namespace       = "sentinel:"
	PrefixMetrics   = Namespace + "metrics:"
	PrefixSlow      = Namespace + "slow:"
	PrefixSnapshot  = Namespace + "snapshot:"
	PrefixErrorPat  = Namespace + "errpattern:"
	PrefixAlert     = Namespace + "alert:"
	PrefixMission   = Namespace + "mission:"
	timestampDigits = 19
)

// MetricsKey returns the key of one operation sample.
func MetricsKey(ts time.Time, id string) string {
	return PrefixMetrics + stamp(ts) + ":" + id
}

// SlowKey returns the key of the slow-operation alert for a pattern digest.
func SlowKey(digest string) string {
	return PrefixSlow + digest
}

// SnapshotKey returns the key of a health snapshot.
func SnapshotKey(ts time.Time) string {
	return PrefixSnapshot + stamp(ts)
}

// ErrorPatternKey returns the key of an error pattern.
func ErrorPatternKey(patternKey string) string {
	return PrefixErrorPat + patternKey
}

// AlertKey returns the key of an alert record.
func AlertKey(ts time.Time, id string) string {
	return PrefixAlert + stamp(ts) + ":" + id
}

// MissionKey returns the key of a queued remediation mission.
func MissionKey(ts time.Time, id string) string {
	return PrefixMission + stamp(ts) + ":" + id
}

// KeyTime extracts the timestamp embedded in a time-ordered key with the given prefix.
func KeyTime(prefix, key string) (time.Time, bool) {
	rest := strings.TrimPrefix(key, prefix)
	if rest == key || len(rest) < timestampDigits {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(rest[:timestampDigits], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// RangeLister is implemented by backends that can list time-ordered keys by
// timestamp without walking every key under the prefix.
type RangeLister interface {
	KeysBetween(ctx context.Context, prefix string, since, until time.Time) ([]string, error)
}

// TimeOrderedPrefixes are the prefixes whose keys embed a timestamp.
var TimeOrderedPrefixes = []string{PrefixMetrics, PrefixSnapshot, PrefixAlert, PrefixMission}

// KeysBetween lists the time-ordered keys under prefix whose timestamp lies in [since, until],
// oldest first. A zero until means no upper bound.
func KeysBetween(ctx context.Context, s Store, prefix string, since, until time.Time) ([]string, error) {
	if rl, ok := s.(RangeLister); ok {
		return rl.KeysBetween(ctx, prefix, since, until)
	}
	return scanBetween(ctx, s, prefix, since, until)
}

func scanBetween(ctx context.Context, s Store, prefix string, since, until time.Time) ([]string, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return filterBetween(prefix, keys, since, until), nil
}

func filterBetween(prefix string, keys []string, since, until time.Time) []string {
	out := keys[:0]
	for _, k := range keys {
		ts, ok := KeyTime(prefix, k)
		if !ok || ts.Before(since) || (!until.IsZero() && ts.After(until)) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// timeOrdered reports the time-ordered prefix and timestamp of key.
func timeOrdered(key string) (string, time.Time, bool) {
	for _, p := range TimeOrderedPrefixes {
		if ts, ok := KeyTime(p, key); ok {
			return p, ts, true
		}
	}
	return "", time.Time{}, false
}

func isTimeOrdered(prefix string) bool {
	for _, p := range TimeOrderedPrefixes {
		if p == prefix {
			return true
		}
	}
	return false
}

func stamp(ts time.Time) string {
	return fmt.Sprintf("%0*d", timestampDigits, ts.UnixNano())
}

// GetJSON decodes the value under key into v.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) (bool, error) {
	data, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeDecodeFailed, "failed to decode "+key).
			WithComponent("store")
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeEncodeFailed, "failed to encode "+key).
			WithComponent("store")
	}
	return s.Set(ctx, key, data, ttl)
}
