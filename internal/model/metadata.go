package model

import (
	"fmt"
	"sort"
	"strings"
)

// Metadata is an open map attached to alert records. Well-known keys have a fixed
// value type which Validate enforces; any other key may hold a string, bool or number.
type Metadata map[string]interface{}

// Well-known metadata keys.
const (
	MetaPatternKey        = "pattern_key"
	MetaSignature         = "signature"
	MetaErrorKind         = "error_kind"
	MetaEndpoint          = "endpoint"
	MetaUtilizationPct    = "utilization_pct"
	MetaErrorRatePct      = "error_rate_pct"
	MetaSlowCount         = "slow_operation_count"
	MetaThreshold         = "threshold"
	MetaOccurrences       = "occurrence_count"
	MetaAffectedCallers   = "affected_callers"
	MetaWorstDurationMs   = "worst_duration_ms"
	MetaMissionID         = "mission_id"
	MetaActiveConnections = "active_connections"
	MetaMaxConnections    = "max_connections"
)

type metaType int

const (
	metaString metaType = iota
	metaNumber
)

var wellKnownMetadata = map[string]metaType{
	MetaPatternKey:        metaString,
	MetaSignature:         metaString,
	MetaErrorKind:         metaString,
	MetaEndpoint:          metaString,
	MetaMissionID:         metaString,
	MetaUtilizationPct:    metaNumber,
	MetaErrorRatePct:      metaNumber,
	MetaSlowCount:         metaNumber,
	MetaThreshold:         metaNumber,
	MetaOccurrences:       metaNumber,
	MetaAffectedCallers:   metaNumber,
	MetaWorstDurationMs:   metaNumber,
	MetaActiveConnections: metaNumber,
	MetaMaxConnections:    metaNumber,
}

// With returns m with key set to value, allocating m when nil.
func (m Metadata) With(key string, value interface{}) Metadata {
	if m == nil {
		m = make(Metadata)
	}
	m[key] = value
	return m
}

// String returns the string value stored under key.
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the numeric value stored under key.
func (m Metadata) Float(key string) (float64, bool) {
	return toFloat(m[key])
}

// Validate checks well-known keys carry the documented type and that no value is a
// nested structure.
func (m Metadata) Validate() error {
	var problems []string
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		if want, ok := wellKnownMetadata[k]; ok {
			switch want {
			case metaString:
				if _, isStr := v.(string); !isStr {
					problems = append(problems, fmt.Sprintf("%s must be a string", k))
				}
			case metaNumber:
				if _, isNum := toFloat(v); !isNum {
					problems = append(problems, fmt.Sprintf("%s must be a number", k))
				}
			}
			continue
		}
		switch v.(type) {
		case string, bool, nil:
		default:
			if _, isNum := toFloat(v); !isNum {
				problems = append(problems, fmt.Sprintf("%s has unsupported type %T", k, v))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid metadata: %s", strings.Join(problems, "; "))
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
