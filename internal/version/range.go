package version

import (
	"fmt"
	"strings"
)

// Range is a version interval. A nil Ceiling means "at least Floor".
type Range struct {
	Floor            Version
	FloorInclusive   bool
	Ceiling          *Version
	CeilingInclusive bool
}

// ParseRange parses "[1.3,1.5)", "(1.0,2.0]" or a bare version, which means
// "at least that version".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, fmt.Errorf("empty range")
	}

	open, close := s[0], s[len(s)-1]
	if open != '[' && open != '(' {
		v, err := Parse(s)
		if err != nil {
			return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
		}
		return Range{Floor: v, FloorInclusive: true}, nil
	}
	if close != ']' && close != ')' {
		return Range{}, fmt.Errorf("invalid range %q: missing closing bracket", s)
	}

	bounds := strings.Split(s[1:len(s)-1], ",")
	if len(bounds) != 2 {
		return Range{}, fmt.Errorf("invalid range %q: expected two bounds", s)
	}

	floor, err := Parse(bounds[0])
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	ceiling, err := Parse(bounds[1])
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	if ceiling.Less(floor) {
		return Range{}, fmt.Errorf("invalid range %q: ceiling below floor", s)
	}

	return Range{
		Floor:            floor,
		FloorInclusive:   open == '[',
		Ceiling:          &ceiling,
		CeilingInclusive: close == ']',
	}, nil
}

// DefaultRange is the range of installed versions a module at target may
// replace: [floor(target), target).
func DefaultRange(target Version) Range {
	t := target
	return Range{Floor: target.Floor(), FloorInclusive: true, Ceiling: &t}
}

// Includes reports whether v lies inside the range.
func (r Range) Includes(v Version) bool {
	c := v.Compare(r.Floor)
	if c < 0 || (c == 0 && !r.FloorInclusive) {
		return false
	}
	if r.Ceiling == nil {
		return true
	}
	c = v.Compare(*r.Ceiling)
	return c < 0 || (c == 0 && r.CeilingInclusive)
}

// String renders the range in interval notation.
func (r Range) String() string {
	if r.Ceiling == nil {
		return r.Floor.String()
	}
	open, close := "(", ")"
	if r.FloorInclusive {
		open = "["
	}
	if r.CeilingInclusive {
		close = "]"
	}
	return open + r.Floor.String() + "," + r.Ceiling.String() + close
}
