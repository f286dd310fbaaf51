package model

import (
	"strconv"
	"strings"
)

// Version is a major.minor product version. Patch and any trailing
// components are ignored for compatibility purposes.
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses "major.minor[.rest]". An empty string yields the
// zero Version, which Compatible treats as "unknown, allow".
func ParseVersion(s string) Version {
	var v Version
	parts := strings.SplitN(strings.TrimSpace(s), ".", 3)
	if len(parts) > 0 {
		v.Major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		v.Minor, _ = strconv.Atoi(parts[1])
	}
	return v
}

// IsZero reports whether the version was absent or unparseable.
func (v Version) IsZero() bool { return v.Major == 0 && v.Minor == 0 }

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Compatible reports whether an agent at version a may register with a
// manager at version m: majors must match and the agent's minor must not
// be ahead of the manager's. Unknown versions on either side pass.
func Compatible(m, a Version) bool {
	if m.IsZero() || a.IsZero() {
		return true
	}
	return m.Major == a.Major && m.Minor >= a.Minor
}
