// internal/version/parse.go
package version

import (
	"fmt"
	"strings"
)

// Version is a parsed version string. Parsing never fails: unreadable
// segments become zero.
type Version struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
	Build      string `json:"build,omitempty"`
	Raw        string `json:"raw"`
}

// Parse reads strings such as "v1.2.3-beta+build.5", "12.4" or "r8".
func Parse(raw string) Version {
	v := Version{Raw: raw}

	s := strings.TrimSpace(raw)
	if len(s) > 0 {
		switch s[0] {
		case 'v', 'V', 'r', 'R':
			s = s[1:]
		}
	}

	if i := strings.IndexByte(s, '+'); i >= 0 {
		v.Build = s[i+1:]
		s = s[:i]
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		v.Prerelease = s[i+1:]
		s = s[:i]
	}

	parts := strings.Split(s, ".")
	nums := [3]int{}
	for i := 0; i < len(nums) && i < len(parts); i++ {
		nums[i] = leadingInt(parts[i])
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]

	return v
}

// IsPrerelease reports whether the version carries a prerelease tag.
func (v Version) IsPrerelease() bool {
	return v.Prerelease != ""
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// leadingInt reads the run of ASCII digits at the start of s.
func leadingInt(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		if n > (1<<31-1)/10 {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}
