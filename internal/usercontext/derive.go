package usercontext

import (
	"sort"
	"strings"
	"time"

	"welfare-agent/internal/domain"
)

// StatusUnavailable marks a scheme whose status lookup failed.
const StatusUnavailable = "Status unavailable"

const (
	ValidityActive   = "Active"
	ValidityBuffer   = "Active (Buffer Period)"
	ValidityWaiting  = "Inactive (Waiting Period)"
	ValidityExpired  = "Expired (Re-registration Required)"
	ValidityUnknown  = "Unknown"
	bufferPeriod     = 365 * 24 * time.Hour
	waitingPeriod    = 90 * 24 * time.Hour
	pensionAge       = 60
	continuationWait = 365 * 24 * time.Hour
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate accepts the timestamp shapes the welfare backend emits.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ValidityStatus classifies a registration by how far now is past its
// validity end: active, then a one-year buffer, then a 90-day waiting period.
func ValidityStatus(validityTo string, now time.Time) string {
	end, ok := ParseDate(validityTo)
	if !ok {
		return ValidityUnknown
	}
	switch {
	case !now.After(end):
		return ValidityActive
	case !now.After(end.Add(bufferPeriod)):
		return ValidityBuffer
	case !now.After(end.Add(bufferPeriod + waitingPeriod)):
		return ValidityWaiting
	default:
		return ValidityExpired
	}
}

// EligibleSchemes applies the board's eligibility rules to a registration
// and the worker's existing applications.
func EligibleSchemes(reg *domain.Registration, schemes []domain.SchemeApplication, now time.Time) []string {
	if reg == nil {
		return nil
	}
	status := reg.ValidityStatus
	if status == "" {
		status = ValidityStatus(reg.ValidityTo, now)
	}
	active := status == ValidityActive
	buffer := status == ValidityBuffer

	var pensionApproved bool
	var disabilityApprovedAt time.Time
	for _, s := range schemes {
		if !strings.Contains(strings.ToLower(s.Status), "approved") {
			continue
		}
		name := strings.ToLower(s.Name)
		if strings.Contains(name, "pension") {
			pensionApproved = true
		}
		if strings.Contains(name, "disability") {
			if t, ok := ParseDate(s.AppliedDate); ok {
				disabilityApprovedAt = t
			}
		}
	}

	var out []string
	if active || buffer {
		out = append(out, "Accident Compensation", "Funeral Assistance")
	}
	if active {
		out = append(out, "Medical Assistance", "Major Ailments Assistance")
	}
	if from, ok := ParseDate(reg.ValidityFrom); ok && now.Year() > from.Year() {
		out = append(out, "Marriage Assistance")
		if strings.EqualFold(reg.Gender, "female") {
			out = append(out, "Maternity Assistance (Delivery)", "Thayi Magu Assistance")
		}
	}
	if reg.Age >= pensionAge {
		out = append(out, "Pension Scheme")
	}
	if reg.Age > pensionAge && pensionApproved {
		out = append(out, "Continuation of Pension")
	}
	out = append(out, "Disability Pension")
	if !disabilityApprovedAt.IsZero() && now.After(disabilityApprovedAt.Add(continuationWait)) {
		out = append(out, "Continuation of Disability Pension")
	}
	return out
}

// Dedupe keeps one application per scheme id, preferring the latest applied
// date. Order follows first appearance.
func Dedupe(schemes []domain.SchemeApplication) []domain.SchemeApplication {
	index := make(map[string]int, len(schemes))
	out := make([]domain.SchemeApplication, 0, len(schemes))
	for _, s := range schemes {
		if s.SchemeID == "" {
			continue
		}
		i, seen := index[s.SchemeID]
		if !seen {
			index[s.SchemeID] = len(out)
			out = append(out, s)
			continue
		}
		if later(s.AppliedDate, out[i].AppliedDate) {
			out[i] = s
		}
	}
	return out
}

func later(a, b string) bool {
	ta, okA := ParseDate(a)
	tb, okB := ParseDate(b)
	switch {
	case okA && okB:
		return ta.After(tb)
	default:
		return okA && !okB
	}
}

// AgeOn returns whole years between dob and now.
func AgeOn(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if now.YearDay() < dob.YearDay() {
		years--
	}
	return years
}

func sortLookups(names []string) {
	sort.Strings(names)
}
