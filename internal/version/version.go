package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a four-part module version: major.minor.micro[.qualifier].
//
// Maven style versions ("1.2.3-SNAPSHOT", "1.2") are accepted by Parse and
// cleaned into this form. Qualifiers compare lexically.
type Version struct {
	Major     int
	Minor     int
	Micro     int
	Qualifier string
}

// Zero is the empty version 0.0.0.
var Zero = Version{}

// Parse parses a version string. Missing components default to zero and a
// maven qualifier separated by '-' or '_' becomes the qualifier.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("empty version")
	}

	var v Version
	parts := strings.SplitN(s, ".", 4)
	nums := make([]int, 0, 3)

	for i, p := range parts {
		if i == 3 {
			v.Qualifier = p
			break
		}
		digits, rest := splitDigits(p)
		if digits == "" {
			if i == 0 {
				return Zero, fmt.Errorf("invalid version %q", s)
			}
			v.Qualifier = strings.Join(parts[i:], ".")
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return Zero, fmt.Errorf("invalid version %q: %w", s, err)
		}
		nums = append(nums, n)
		if rest != "" {
			// "3-SNAPSHOT" or "0_redhat": the tail is a qualifier
			q := strings.TrimLeft(rest, "-_")
			if i+1 < len(parts) {
				q = strings.Join(append([]string{q}, parts[i+1:]...), ".")
			}
			v.Qualifier = q
			break
		}
	}

	for len(nums) < 3 {
		nums = append(nums, 0)
	}
	v.Major, v.Minor, v.Micro = nums[0], nums[1], nums[2]
	return v, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func splitDigits(s string) (string, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}

// String renders the version as major.minor.micro[.qualifier].
func (v Version) String() string {
	if v.Qualifier != "" {
		return fmt.Sprintf("%d.%d.%d.%s", v.Major, v.Minor, v.Micro, v.Qualifier)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	case v.Micro != o.Micro:
		return cmpInt(v.Micro, o.Micro)
	}
	return strings.Compare(v.Qualifier, o.Qualifier)
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Floor returns the "updatable" version: major.minor.0 without qualifier.
// All micro releases of one release line share the same floor.
func (v Version) Floor() Version {
	return Version{Major: v.Major, Minor: v.Minor}
}
