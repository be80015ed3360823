package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// StatKind is the stored shape of a statistic
type StatKind string

const (
	KindIntTotal     StatKind = "int_total"
	KindIntAverage   StatKind = "int_average"
	KindFloatTotal   StatKind = "float_total"
	KindFloatAverage StatKind = "float_average"
)

// Legacy stored tags written by earlier deployments for average stats.
const (
	legacyIntAverageTag   = "int_rolling_average"
	legacyFloatAverageTag = "float_rolling_average"
)

// ParseStatKind resolves a stored type tag, accepting legacy average tags
func ParseStatKind(tag string) (StatKind, error) {
	switch tag {
	case string(KindIntTotal):
		return KindIntTotal, nil
	case string(KindIntAverage), legacyIntAverageTag:
		return KindIntAverage, nil
	case string(KindFloatTotal):
		return KindFloatTotal, nil
	case string(KindFloatAverage), legacyFloatAverageTag:
		return KindFloatAverage, nil
	default:
		return "", fmt.Errorf("unknown stat type %q", tag)
	}
}

// StoredStat is the accumulated form of a statistic as persisted in a
// stats document. Implementations are IntTotal, IntAverage, FloatTotal and
// FloatAverage.
type StoredStat interface {
	Kind() StatKind
	// Value decodes the stat to its display value.
	Value() float64
	storedStat()
}

// IntTotal is a running integer sum
type IntTotal int64

// IntAverage is a running integer (total, count) pair
type IntAverage struct {
	Total int64
	Count int64
}

// FloatTotal is a running float sum
type FloatTotal float64

// FloatAverage is a running float (total, count) pair
type FloatAverage struct {
	Total float64
	Count int64
}

func (IntTotal) Kind() StatKind     { return KindIntTotal }
func (IntAverage) Kind() StatKind   { return KindIntAverage }
func (FloatTotal) Kind() StatKind   { return KindFloatTotal }
func (FloatAverage) Kind() StatKind { return KindFloatAverage }

func (s IntTotal) Value() float64     { return float64(s) }
func (s IntAverage) Value() float64   { return float64(s.Total) / float64(s.Count) }
func (s FloatTotal) Value() float64   { return float64(s) }
func (s FloatAverage) Value() float64 { return s.Total / float64(s.Count) }

func (IntTotal) storedStat()     {}
func (IntAverage) storedStat()   {}
func (FloatTotal) storedStat()   {}
func (FloatAverage) storedStat() {}

// NewIntAverage builds an IntAverage, rejecting a non-positive count
func NewIntAverage(total, count int64) (IntAverage, error) {
	if count <= 0 {
		return IntAverage{}, fmt.Errorf("%w: average count %d", ErrDocumentCorrupted, count)
	}
	return IntAverage{Total: total, Count: count}, nil
}

// NewFloatAverage builds a FloatAverage, rejecting a non-positive count
func NewFloatAverage(total float64, count int64) (FloatAverage, error) {
	if count <= 0 {
		return FloatAverage{}, fmt.Errorf("%w: average count %d", ErrDocumentCorrupted, count)
	}
	return FloatAverage{Total: total, Count: count}, nil
}

// IncomingStat is an incremental update command for a statistic.
// Implementations are IntTotalIncrement, IntRollingSample,
// FloatTotalIncrement and FloatRollingSample.
type IncomingStat interface {
	// Tag is the wire tag of the command.
	Tag() string
	// TargetKind is the stored shape the command accumulates into.
	TargetKind() StatKind
	incomingStat()
}

// IntTotalIncrement adds an amount to an integer total
type IntTotalIncrement int64

// IntRollingSample folds one sample into an integer average
type IntRollingSample int64

// FloatTotalIncrement adds an amount to a float total
type FloatTotalIncrement float64

// FloatRollingSample folds one sample into a float average
type FloatRollingSample float64

// Wire tags of incoming stats.
const (
	TagIntTotal            = "int_total"
	TagIntRollingAverage   = "int_rolling_average"
	TagFloatTotal          = "float_total"
	TagFloatRollingAverage = "float_rolling_average"
)

func (IntTotalIncrement) Tag() string   { return TagIntTotal }
func (IntRollingSample) Tag() string    { return TagIntRollingAverage }
func (FloatTotalIncrement) Tag() string { return TagFloatTotal }
func (FloatRollingSample) Tag() string  { return TagFloatRollingAverage }

func (IntTotalIncrement) TargetKind() StatKind   { return KindIntTotal }
func (IntRollingSample) TargetKind() StatKind    { return KindIntAverage }
func (FloatTotalIncrement) TargetKind() StatKind { return KindFloatTotal }
func (FloatRollingSample) TargetKind() StatKind  { return KindFloatAverage }

func (IntTotalIncrement) incomingStat()   {}
func (IntRollingSample) incomingStat()    {}
func (FloatTotalIncrement) incomingStat() {}
func (FloatRollingSample) incomingStat()  {}

// wireStat is the JSON shape {"type": ..., "value": ...}
type wireStat struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// DecodeIncomingStat parses one tagged incoming stat
func DecodeIncomingStat(data []byte) (IncomingStat, error) {
	var w wireStat
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(w.Value) == 0 {
		return nil, fmt.Errorf("%w: stat value missing", ErrInvalidRequest)
	}

	switch w.Type {
	case TagIntTotal, TagIntRollingAverage:
		var v int64
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: %s expects an integer: %v", ErrInvalidRequest, w.Type, err)
		}
		if w.Type == TagIntTotal {
			return IntTotalIncrement(v), nil
		}
		return IntRollingSample(v), nil
	case TagFloatTotal, TagFloatRollingAverage:
		var v float64
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: %s expects a number: %v", ErrInvalidRequest, w.Type, err)
		}
		if w.Type == TagFloatTotal {
			return FloatTotalIncrement(v), nil
		}
		return FloatRollingSample(v), nil
	default:
		return nil, fmt.Errorf("%w: unknown stat type %q", ErrInvalidRequest, w.Type)
	}
}

// EncodeIncomingStat renders an incoming stat in its wire form
func EncodeIncomingStat(stat IncomingStat) ([]byte, error) {
	var value any
	switch s := stat.(type) {
	case IntTotalIncrement:
		value = int64(s)
	case IntRollingSample:
		value = int64(s)
	case FloatTotalIncrement:
		value = float64(s)
	case FloatRollingSample:
		value = float64(s)
	default:
		return nil, fmt.Errorf("unsupported stat %T", stat)
	}
	return json.Marshal(map[string]any{"type": stat.Tag(), "value": value})
}

// StatUpdates maps stat name to an incoming stat
type StatUpdates map[string]IncomingStat

// UnmarshalJSON decodes a map of tagged incoming stats
func (u *StatUpdates) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	out := make(StatUpdates, len(raw))
	for name, msg := range raw {
		stat, err := DecodeIncomingStat(msg)
		if err != nil {
			return fmt.Errorf("stat %q: %w", name, err)
		}
		out[name] = stat
	}
	*u = out
	return nil
}

// MarshalJSON encodes a map of incoming stats in wire form
func (u StatUpdates) MarshalJSON() ([]byte, error) {
	if u == nil {
		return []byte("null"), nil
	}
	raw := make(map[string]json.RawMessage, len(u))
	for name, stat := range u {
		data, err := EncodeIncomingStat(stat)
		if err != nil {
			return nil, err
		}
		raw[name] = data
	}
	return json.Marshal(raw)
}

// Names returns the stat names in sorted order
func (u StatUpdates) Names() []string {
	names := make([]string, 0, len(u))
	for name := range u {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateStatName rejects names that would corrupt a document field path
func ValidateStatName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidStatName)
	case strings.Contains(name, "."):
		return fmt.Errorf("%w: %q contains '.'", ErrInvalidStatName, name)
	case strings.HasPrefix(name, "$"):
		return fmt.Errorf("%w: %q starts with '$'", ErrInvalidStatName, name)
	}
	return nil
}
