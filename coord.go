package ndtiff

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
)

// AxisKind is the value kind bound to an axis name: spec.md §3, each
// axis name is bound to exactly one kind at first use.
type AxisKind int

const (
	AxisInt AxisKind = iota
	AxisString
)

func (k AxisKind) String() string {
	if k == AxisString {
		return "string"
	}
	return "int"
}

// AxisValue is one axis coordinate value: a tagged union of a 32-bit
// signed integer and a UTF-8 string (spec.md §3, design notes §9).
type AxisValue struct {
	Kind AxisKind
	Int  int32
	Str  string
}

// Int32 builds an integer-valued AxisValue.
func Int32(v int32) AxisValue { return AxisValue{Kind: AxisInt, Int: v} }

// String builds a string-valued AxisValue.
func String(v string) AxisValue { return AxisValue{Kind: AxisString, Str: v} }

func (v AxisValue) String() string {
	if v.Kind == AxisString {
		return v.Str
	}
	return strconv.FormatInt(int64(v.Int), 10)
}

// Coords is an image key: an unordered set of (axis, value) pairs that
// uniquely identifies one image (spec.md §3). Go map equality semantics
// give set-equality for free once compared entry-by-entry; Key()
// produces a canonical string usable as a map key elsewhere.
type Coords map[string]AxisValue

// Key returns a canonical, order-independent string identifying this
// coordinate set, used as the map key for Dataset.index/writePending.
func (c Coords) Key() string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(name)
		b.WriteByte('=')
		v := c[name]
		if v.Kind == AxisString {
			b.WriteByte('s')
		} else {
			b.WriteByte('i')
		}
		b.WriteString(v.String())
	}
	return b.String()
}

// Clone returns a shallow copy of c.
func (c Coords) Clone() Coords {
	out := make(Coords, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// canonicalAxisOrder is the precedence table spec.md §4.5 and §8 specify:
// axes are sorted descending by this value, with unknown axis names
// co-located with "channel".
var canonicalAxisOrder = map[string]int{
	"row":      7,
	"column":   6,
	"position": 5,
	"time":     4,
	"channel":  3,
	"z":        2,
}

const unknownAxisOrder = 3 // co-located with channel

func axisOrder(name string) int {
	if v, ok := canonicalAxisOrder[name]; ok {
		return v
	}
	return unknownAxisOrder
}

// SortAxisNames sorts names by the canonical precedence
// (row, column, position, time, channel, z), descending, per spec.md
// §4.5/§8.
func SortAxisNames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		oi, oj := axisOrder(names[i]), axisOrder(names[j])
		if oi != oj {
			return oi > oj
		}
		return names[i] < names[j]
	})
}

// Consolidate builds a Coords set the way spec.md §4.5 "Coordinate
// consolidation" describes: collect named axes plus any extras, remap
// the legacy "channel_name" alias to "channel", and (for string-typed
// axes) translate an integer index supplied by the caller into the
// string value recorded at that index in stringAxisValues.
func Consolidate(channel, z, time, position, row, column *AxisValue, extras map[string]AxisValue, axesTypes map[string]AxisKind, stringAxisValues map[string][]string) (Coords, error) {
	c := make(Coords)
	add := func(name string, v *AxisValue) {
		if v != nil {
			c[name] = *v
		}
	}
	add("channel", channel)
	add("z", z)
	add("time", time)
	add("position", position)
	add("row", row)
	add("column", column)
	for name, v := range extras {
		if name == "channel_name" {
			log.Printf("ndtiff: axis name \"channel_name\" is deprecated, use \"channel\"")
			name = "channel"
		}
		c[name] = v
	}

	for name, v := range c {
		kind, known := axesTypes[name]
		if !known {
			continue
		}
		if kind == AxisString && v.Kind == AxisInt {
			values := stringAxisValues[name]
			idx := int(v.Int)
			if idx < 0 || idx >= len(values) {
				return nil, fmt.Errorf("%w: axis %q integer index %d out of range (0..%d)", ErrInvalidArgument, name, idx, len(values)-1)
			}
			c[name] = String(values[idx])
		} else if kind != v.Kind {
			return nil, fmt.Errorf("%w: axis %q is %s-valued, got %s", ErrInvalidArgument, name, kind, v.Kind)
		}
	}

	return c, nil
}
