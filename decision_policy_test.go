package main

import (
	"testing"
	"time"

	"go-checkout-verifier/models"

	"github.com/stretchr/testify/require"
)

func TestAgePolicy(t *testing.T) {
	now := time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)
	policy := AgePolicy{MinimumAge: 21}

	tests := []struct {
		name     string
		dob      models.IsoDate
		approved bool
		age      *int
		reason   string
	}{
		{"well over the minimum", "1990-01-01", true, intPtr(36), ""},
		{"birthday today", "2005-10-15", true, intPtr(21), ""},
		{"birthday tomorrow", "2005-10-16", false, intPtr(20), REASON_UNDER_AGE},
		{"minor", "2012-03-01", false, intPtr(14), REASON_UNDER_AGE},
		{"unknown date of birth", "", false, nil, REASON_DOB_UNREADABLE},
		{"date of birth in the future", "2030-01-01", false, nil, REASON_DOB_UNREADABLE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := policy.Decide(models.CanonicalIdentity{DateOfBirth: tt.dob}, now)
			require.Equal(t, tt.approved, decision.Approved)
			require.Equal(t, tt.age, decision.Age)
			require.Equal(t, tt.reason, decision.Reason)
		})
	}
}
