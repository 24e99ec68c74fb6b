package lobby

import (
	"strconv"
	"strings"
)

// CompareVersions compares two dotted version strings numerically component
// by component, returning -1, 0 or 1 as a orders before, equal to or after
// b. Missing components count as zero ("1.2" equals "1.2.0"); a component
// that isn't a number counts as zero, so a garbage client version reads as
// older than any published release.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}
