package main

import (
	"time"

	"go-checkout-verifier/document"
	"go-checkout-verifier/models"
)

const DefaultMinimumAge = 21

const (
	REASON_DOB_UNREADABLE = "date_of_birth_unreadable"
	REASON_UNDER_AGE      = "under_minimum_age"
)

type Decision struct {
	Approved bool
	Age      *int
	Reason   string
}

// AgePolicy approves a customer whose date of birth shows they reached the
// minimum age. Document expiry is not taken into account.
type AgePolicy struct {
	MinimumAge int
}

func (p AgePolicy) Decide(identity models.CanonicalIdentity, now time.Time) Decision {
	age := document.CalculateAge(string(identity.DateOfBirth), now)
	if age == nil {
		return Decision{Approved: false, Reason: REASON_DOB_UNREADABLE}
	}
	if *age < p.MinimumAge {
		return Decision{Approved: false, Age: age, Reason: REASON_UNDER_AGE}
	}
	return Decision{Approved: true, Age: age}
}
