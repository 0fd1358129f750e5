package shared

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewIntentID returns a date-stamped intent id, e.g. "I-20260825-a1b2c3".
func NewIntentID(now time.Time) string {
	return stampedID("I", now)
}

// NewLeaseID returns a date-stamped lease id, e.g. "L-20260825-9f8e7d".
func NewLeaseID(now time.Time) string {
	return stampedID("L", now)
}

func stampedID(prefix string, now time.Time) string {
	u := uuid.NewString()
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102"), u[:6])
}

// ValidRosterID reports whether id names a station crew member: CP6 through
// CP20, or the overseer itself.
func ValidRosterID(id string) bool {
	if id == OverseerID {
		return true
	}
	rest, ok := strings.CutPrefix(id, "CP")
	if !ok {
		return false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return false
	}
	// Reject zero-padded forms like CP07; the roster uses bare numbers.
	if rest != strconv.Itoa(n) {
		return false
	}
	return n >= 6 && n <= 20
}

// RosterIDs returns every valid crew id in station order, overseer last.
func RosterIDs() []string {
	ids := make([]string, 0, 16)
	for n := 6; n <= 20; n++ {
		ids = append(ids, "CP"+strconv.Itoa(n))
	}
	return append(ids, OverseerID)
}
