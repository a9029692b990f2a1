// Package machinerange implements compact sets of machine identifiers.
// A Range is a union of closed integer intervals and is encoded on the wire
// as a hyphen/comma expression such as "0-3,7,10-12".
package machinerange

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// MaxID is the largest machine identifier. It keeps Hi+1 and the size of
// any Range within an int.
const MaxID = math.MaxInt32 - 1

// Interval is a closed interval [Lo, Hi] of machine identifiers.
type Interval struct {
	Lo int
	Hi int
}

// Size returns the number of identifiers in the interval.
func (iv Interval) Size() int { return iv.Hi - iv.Lo + 1 }

// Range is an immutable set of machine identifiers.
// Intervals are kept sorted, disjoint and non-adjacent, so two Ranges holding
// the same identifiers always have the same representation.
// The zero value is the empty set.
type Range struct {
	intervals []Interval
}

// New returns the Range holding the given identifiers.
// Panics on an identifier outside [0, MaxID].
func New(ids ...int) Range {
	ivs := make([]Interval, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id > MaxID {
			panic(fmt.Sprintf("machinerange: machine id %d out of range", id))
		}
		ivs = append(ivs, Interval{Lo: id, Hi: id})
	}
	return Range{intervals: normalize(ivs)}
}

// FromInterval returns the Range [lo, hi].
// Panics if lo < 0, hi < lo or hi > MaxID.
func FromInterval(lo, hi int) Range {
	if lo < 0 || hi < lo || hi > MaxID {
		panic(fmt.Sprintf("machinerange: invalid interval [%d, %d]", lo, hi))
	}
	return Range{intervals: []Interval{{Lo: lo, Hi: hi}}}
}

// Parse decodes a hyphen/comma expression ("0-3,7,10-12").
// The empty string decodes to the empty Range. Parts may overlap or be
// given in any order.
func Parse(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, nil
	}
	parts := strings.Split(s, ",")
	ivs := make([]Interval, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return Range{}, fmt.Errorf("invalid machine range %q: empty part", s)
		}
		bounds := strings.Split(part, "-")
		switch len(bounds) {
		case 1:
			id, err := parseID(bounds[0])
			if err != nil {
				return Range{}, fmt.Errorf("invalid machine range %q: %w", s, err)
			}
			ivs = append(ivs, Interval{Lo: id, Hi: id})
		case 2:
			lo, err := parseID(bounds[0])
			if err != nil {
				return Range{}, fmt.Errorf("invalid machine range %q: %w", s, err)
			}
			hi, err := parseID(bounds[1])
			if err != nil {
				return Range{}, fmt.Errorf("invalid machine range %q: %w", s, err)
			}
			if hi < lo {
				return Range{}, fmt.Errorf("invalid machine range %q: interval %d-%d is reversed", s, lo, hi)
			}
			ivs = append(ivs, Interval{Lo: lo, Hi: hi})
		default:
			return Range{}, fmt.Errorf("invalid machine range %q: malformed part %q", s, part)
		}
	}
	return Range{intervals: normalize(ivs)}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Range {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

func parseID(s string) (int, error) {
	s = strings.TrimSpace(s)
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("machine id %q is not an integer", s)
	}
	if id < 0 {
		return 0, fmt.Errorf("machine id %d is negative", id)
	}
	if id > MaxID {
		return 0, fmt.Errorf("machine id %d exceeds %d", id, MaxID)
	}
	return id, nil
}

// normalize sorts and merges overlapping or adjacent intervals.
func normalize(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := make([]Interval, len(ivs))
	copy(sorted, ivs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })
	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if iv.Lo <= last.Hi+1 {
			if iv.Hi > last.Hi {
				last.Hi = iv.Hi
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Intervals returns a copy of the normalized intervals.
func (r Range) Intervals() []Interval {
	out := make([]Interval, len(r.intervals))
	copy(out, r.intervals)
	return out
}

// Size returns the number of identifiers in the set.
func (r Range) Size() int {
	n := 0
	for _, iv := range r.intervals {
		n += iv.Size()
	}
	return n
}

// IsEmpty reports whether the set holds no identifier.
func (r Range) IsEmpty() bool { return len(r.intervals) == 0 }

// Contains reports whether id belongs to the set.
func (r Range) Contains(id int) bool {
	i := sort.Search(len(r.intervals), func(i int) bool { return r.intervals[i].Hi >= id })
	return i < len(r.intervals) && r.intervals[i].Lo <= id
}

// Min returns the smallest identifier. Panics on an empty set.
func (r Range) Min() int {
	if r.IsEmpty() {
		panic("machinerange: Min of empty range")
	}
	return r.intervals[0].Lo
}

// Max returns the largest identifier. Panics on an empty set.
func (r Range) Max() int {
	if r.IsEmpty() {
		panic("machinerange: Max of empty range")
	}
	return r.intervals[len(r.intervals)-1].Hi
}

// At returns the i-th smallest identifier (0-based).
// Used to resolve "executor i runs on the i-th allocated machine".
func (r Range) At(i int) (int, bool) {
	if i < 0 {
		return 0, false
	}
	for _, iv := range r.intervals {
		if i < iv.Size() {
			return iv.Lo + i, true
		}
		i -= iv.Size()
	}
	return 0, false
}

// IDs enumerates the identifiers in increasing order.
func (r Range) IDs() []int {
	ids := make([]int, 0, r.Size())
	for _, iv := range r.intervals {
		for id := iv.Lo; id <= iv.Hi; id++ {
			ids = append(ids, id)
		}
	}
	return ids
}

// Equal reports set equality.
func (r Range) Equal(other Range) bool {
	if len(r.intervals) != len(other.intervals) {
		return false
	}
	for i := range r.intervals {
		if r.intervals[i] != other.intervals[i] {
			return false
		}
	}
	return true
}

// Union returns r ∪ other.
func (r Range) Union(other Range) Range {
	ivs := make([]Interval, 0, len(r.intervals)+len(other.intervals))
	ivs = append(ivs, r.intervals...)
	ivs = append(ivs, other.intervals...)
	return Range{intervals: normalize(ivs)}
}

// Intersect returns r ∩ other.
func (r Range) Intersect(other Range) Range {
	var out []Interval
	i, j := 0, 0
	for i < len(r.intervals) && j < len(other.intervals) {
		a, b := r.intervals[i], other.intervals[j]
		lo, hi := max(a.Lo, b.Lo), min(a.Hi, b.Hi)
		if lo <= hi {
			out = append(out, Interval{Lo: lo, Hi: hi})
		}
		if a.Hi < b.Hi {
			i++
		} else {
			j++
		}
	}
	return Range{intervals: out}
}

// Difference returns r \ other.
func (r Range) Difference(other Range) Range {
	var out []Interval
	j := 0
	for _, iv := range r.intervals {
		lo := iv.Lo
		for j < len(other.intervals) && other.intervals[j].Hi < lo {
			j++
		}
		k := j
		for k < len(other.intervals) && other.intervals[k].Lo <= iv.Hi {
			cut := other.intervals[k]
			if cut.Lo > lo {
				out = append(out, Interval{Lo: lo, Hi: cut.Lo - 1})
			}
			lo = cut.Hi + 1
			k++
		}
		if lo <= iv.Hi {
			out = append(out, Interval{Lo: lo, Hi: iv.Hi})
		}
	}
	return Range{intervals: out}
}

// String returns the hyphen/comma expression, e.g. "0-3,7".
func (r Range) String() string {
	var sb strings.Builder
	for i, iv := range r.intervals {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(iv.Lo))
		if iv.Hi != iv.Lo {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(iv.Hi))
		}
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (r Range) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Range) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
