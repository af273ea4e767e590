package domain

import "time"

// Lookup names recorded in UserContext.Unavailable when a backend call fails.
const (
	LookupSchemes      = "schemes"
	LookupRegistration = "registration"
	LookupRenewalDate  = "renewal_date"
)

// UserContext is the cached personalised snapshot for one (thread, user) pair.
// Any lookup that failed is listed in Unavailable and its field left empty.
type UserContext struct {
	ThreadID        string              `json:"threadId"`
	UserID          string              `json:"userId"`
	Schemes         []SchemeApplication `json:"schemes,omitempty"`
	Registration    *Registration       `json:"registration,omitempty"`
	RenewalDate     string              `json:"renewalDate,omitempty"`
	EligibleSchemes []string            `json:"eligibleSchemes,omitempty"`
	Unavailable     []string            `json:"unavailable,omitempty"`
	FetchedAt       time.Time           `json:"fetchedAt"`
}

// Available reports whether the named lookup succeeded.
func (u *UserContext) Available(lookup string) bool {
	for _, name := range u.Unavailable {
		if name == lookup {
			return false
		}
	}
	return true
}

// SchemeApplication is one scheme the worker applied for, merged with its
// per-application status detail.
type SchemeApplication struct {
	SchemeID         string   `json:"schemeId"`
	Name             string   `json:"name"`
	ApplicationCode  string   `json:"applicationCode"`
	AppliedDate      string   `json:"appliedDate,omitempty"`
	Status           string   `json:"status"`
	RejectionReasons []string `json:"rejectionReasons,omitempty"`
}

// SchemeDetail is the per-application status returned by the backend.
type SchemeDetail struct {
	Status           string
	RejectionReasons []string
}

// Registration is the worker's registration record plus its derived validity.
type Registration struct {
	RegistrationCode string   `json:"registrationCode,omitempty"`
	FirstName        string   `json:"firstName,omitempty"`
	LastName         string   `json:"lastName,omitempty"`
	Gender           string   `json:"gender,omitempty"`
	DateOfBirth      string   `json:"dateOfBirth,omitempty"`
	Age              int      `json:"age,omitempty"`
	District         string   `json:"district,omitempty"`
	Dependents       int      `json:"dependents,omitempty"`
	ValidityFrom     string   `json:"validityFrom,omitempty"`
	ValidityTo       string   `json:"validityTo,omitempty"`
	ValidityStatus   string   `json:"validityStatus,omitempty"`
	ApprovalStatus   string   `json:"approvalStatus,omitempty"`
	RejectionReasons []string `json:"rejectionReasons,omitempty"`
}
