package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConflictState orders the outcomes of deconflicting two record copies.
// Combining states takes the maximum, so DENY absorbs everything.
type ConflictState uint8

const (
	ConflictIgnore ConflictState = iota
	ConflictAllow
	ConflictMerge
	ConflictDeny
)

func (s ConflictState) String() string {
	switch s {
	case ConflictIgnore:
		return "IGNORE"
	case ConflictAllow:
		return "ALLOW"
	case ConflictMerge:
		return "MERGE"
	case ConflictDeny:
		return "DENY"
	default:
		return fmt.Sprintf("ConflictState(%d)", uint8(s))
	}
}

func (s ConflictState) Max(other ConflictState) ConflictState {
	if s > ConflictDeny || other > ConflictDeny {
		return ConflictDeny
	}
	return max(s, other)
}

func MaxConflictState(states ...ConflictState) ConflictState {
	out := ConflictIgnore
	for _, state := range states {
		out = out.Max(state)
		if out == ConflictDeny {
			break
		}
	}
	return out
}

// DeconflictStep inspects the stored and incoming copies of a record and may
// copy values between them so both agree before the write is persisted.
type DeconflictStep interface {
	Deconflict(stored *Record, change *Record) ConflictState
}

type DeconflictFunc func(stored *Record, change *Record) ConflictState

func (f DeconflictFunc) Deconflict(stored *Record, change *Record) ConflictState {
	if f == nil {
		return ConflictIgnore
	}
	return f(stored, change)
}

// ResolveConflict folds steps over the two copies, stopping at the first DENY.
// Binary records are only accepted when byte-identical.
func ResolveConflict(stored *Record, change *Record, steps []DeconflictStep) ConflictState {
	if stored == nil || change == nil {
		return ConflictDeny
	}
	if stored.Kind == RecordBinary || change.Kind == RecordBinary {
		if stored.SameContent(change) {
			return ConflictAllow
		}
		return ConflictDeny
	}
	state := ConflictIgnore
	for _, step := range steps {
		if step == nil {
			continue
		}
		state = state.Max(runDeconflictStep(step, stored, change))
		if state == ConflictDeny {
			break
		}
	}
	return state
}

func runDeconflictStep(step DeconflictStep, stored *Record, change *Record) (state ConflictState) {
	defer func() {
		if recovered := recover(); recovered != nil {
			state = ConflictDeny
		}
	}()
	return step.Deconflict(stored, change)
}

// PickNonNull fills a field that only one side has set.
func PickNonNull(field string) DeconflictStep {
	field = strings.TrimSpace(field)
	return DeconflictFunc(func(stored *Record, change *Record) ConflictState {
		storedValue, _ := stored.Field(field)
		changeValue, _ := change.Field(field)
		switch {
		case valuesEqual(storedValue, changeValue):
			return ConflictIgnore
		case storedValue == nil:
			stored.SetField(field, cloneValue(changeValue))
			return ConflictAllow
		case changeValue == nil:
			change.SetField(field, cloneValue(storedValue))
			return ConflictMerge
		default:
			return ConflictDeny
		}
	})
}

// PickLatest keeps the later of two timestamps and copies it into the other
// copy. Timestamps may be numbers, time.Time values or parseable strings.
func PickLatest(field string) DeconflictStep {
	field = strings.TrimSpace(field)
	return DeconflictFunc(func(stored *Record, change *Record) ConflictState {
		storedValue, _ := stored.Field(field)
		changeValue, _ := change.Field(field)
		if storedValue == nil && changeValue == nil {
			return ConflictIgnore
		}
		if storedValue == nil {
			stored.SetField(field, cloneValue(changeValue))
			return ConflictAllow
		}
		if changeValue == nil {
			change.SetField(field, cloneValue(storedValue))
			return ConflictMerge
		}
		storedStamp, ok := parseTimestamp(storedValue)
		if !ok {
			return ConflictDeny
		}
		changeStamp, ok := parseTimestamp(changeValue)
		if !ok {
			return ConflictDeny
		}
		switch storedStamp.compare(changeStamp) {
		case -1:
			stored.SetField(field, cloneValue(changeValue))
			return ConflictAllow
		case 1:
			change.SetField(field, cloneValue(storedValue))
			return ConflictMerge
		default:
			return ConflictIgnore
		}
	})
}

type timestamp struct {
	numeric bool
	number  number
	instant time.Time
}

// compare orders two stamps. Instants compared with numbers use Unix milliseconds.
func (t timestamp) compare(other timestamp) int {
	if !t.numeric && !other.numeric {
		return t.instant.Compare(other.instant)
	}
	return compareNumbers(t.asNumber(), other.asNumber())
}

func (t timestamp) asNumber() number {
	if t.numeric {
		return t.number
	}
	return number{kind: numberSigned, i: t.instant.UnixMilli()}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func parseTimestamp(value any) (timestamp, bool) {
	if parsed, ok := toNumber(value); ok {
		return timestamp{numeric: true, number: parsed}, true
	}
	switch typed := value.(type) {
	case time.Time:
		return timestamp{instant: typed}, true
	case *time.Time:
		if typed == nil {
			return timestamp{}, false
		}
		return timestamp{instant: *typed}, true
	case string:
		trimmed := strings.TrimSpace(typed)
		if parsed, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return timestamp{numeric: true, number: number{kind: numberSigned, i: parsed}}, true
		}
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			return timestamp{numeric: true, number: number{kind: numberUnsigned, u: parsed}}, true
		}
		if parsed, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return timestamp{numeric: true, number: number{kind: numberFloat, f: parsed}}, true
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return timestamp{instant: parsed}, true
			}
		}
	}
	return timestamp{}, false
}
