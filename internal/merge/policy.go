// Package merge collapses confirmed duplicate records into a surviving
// primary record.
package merge

import (
	"strings"
	"time"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/pkg/fingerprint"
)

// Apply folds dup's best values into primary. Most fields keep the
// primary's value and fall back to the duplicate's when empty. Blocks with a
// quality signal go to whichever side has the stronger one: a verified email
// or address, and the more recently enriched business and compliance data.
// Callers refresh fingerprints afterwards.
func Apply(primary, dup *model.Record) {
	fill(&primary.FirstName, dup.FirstName)
	fill(&primary.LastName, dup.LastName)
	fill(&primary.FullName, dup.FullName)
	fill(&primary.BusinessName, dup.BusinessName)

	applyPhone(primary, dup)
	fill(&primary.CallerName, dup.CallerName)
	fill(&primary.LineType, dup.LineType)

	applyEmail(primary, dup)
	applyBusiness(primary, dup)
	applyAddress(primary, dup)

	fill(&primary.Carrier, dup.Carrier)
	fill(&primary.CoverageStatus, dup.CoverageStatus)

	applyCompliance(primary, dup)
}

func applyPhone(primary, dup *model.Record) {
	dupPhone := dup.Phone
	if dupPhone == "" {
		dupPhone = dup.FormattedPhone
	}
	losers := []string{dupPhone}
	if primary.Phone == "" && primary.FormattedPhone == "" {
		primary.Phone = dup.Phone
		primary.FormattedPhone = dup.FormattedPhone
		losers = nil
	}
	chosen := fingerprint.Phone(primary.FormattedPhone)
	if chosen == "" {
		chosen = fingerprint.Phone(primary.Phone)
	}

	var alts []string
	candidates := append(append(append([]string{}, primary.AlternatePhones...), dup.AlternatePhones...), losers...)
	seen := map[string]bool{chosen: true}
	for _, p := range candidates {
		key := fingerprint.Phone(p)
		if key == "" {
			key = strings.TrimSpace(p)
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		alts = append(alts, strings.TrimSpace(p))
	}
	primary.AlternatePhones = alts
}

func applyEmail(primary, dup *model.Record) {
	loser := dup.Email
	takeDup := dup.Email != "" &&
		(primary.Email == "" || (dup.EmailVerified && !primary.EmailVerified))
	if takeDup {
		loser = primary.Email
		primary.Email = dup.Email
		primary.EmailVerified = dup.EmailVerified
		primary.EmailSource = dup.EmailSource
	} else if strings.EqualFold(primary.Email, dup.Email) && dup.EmailVerified {
		primary.EmailVerified = true
	}
	fill(&primary.EmailSource, dup.EmailSource)

	var alts []string
	for _, e := range append(append(append([]string{}, primary.AlternateEmails...), dup.AlternateEmails...), loser) {
		if strings.EqualFold(strings.TrimSpace(e), primary.Email) {
			continue
		}
		alts = model.AppendUnique(alts, e)
	}
	primary.AlternateEmails = alts
}

func applyBusiness(primary, dup *model.Record) {
	if newer(dup.BusinessEnrichedAt, primary.BusinessEnrichedAt) {
		override(&primary.Industry, dup.Industry)
		override(&primary.Website, dup.Website)
		override(&primary.EmployeeRange, dup.EmployeeRange)
		t := *dup.BusinessEnrichedAt
		primary.BusinessEnrichedAt = &t
	}
	fill(&primary.Industry, dup.Industry)
	fill(&primary.Website, dup.Website)
	fill(&primary.EmployeeRange, dup.EmployeeRange)
}

func applyAddress(primary, dup *model.Record) {
	if dup.AddressVerified && !primary.AddressVerified {
		primary.Street = dup.Street
		primary.City = dup.City
		primary.State = dup.State
		primary.ZipCode = dup.ZipCode
		primary.AddressVerified = true
		return
	}
	if primary.AddressVerified {
		return
	}
	fill(&primary.Street, dup.Street)
	fill(&primary.City, dup.City)
	fill(&primary.State, dup.State)
	fill(&primary.ZipCode, dup.ZipCode)
}

func applyCompliance(primary, dup *model.Record) {
	if newer(dup.ComplianceCheckedAt, primary.ComplianceCheckedAt) {
		primary.ComplianceStatus = dup.ComplianceStatus
		primary.DoNotCall = nil
		if dup.DoNotCall != nil {
			v := *dup.DoNotCall
			primary.DoNotCall = &v
		}
		t := *dup.ComplianceCheckedAt
		primary.ComplianceCheckedAt = &t
		return
	}
	if primary.DoNotCall == nil && dup.DoNotCall != nil {
		v := *dup.DoNotCall
		primary.DoNotCall = &v
	}
	fill(&primary.ComplianceStatus, dup.ComplianceStatus)
}

// newer reports whether a is set and later than b (or b is unset).
func newer(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	return b == nil || a.After(*b)
}

func fill(dst *string, v string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = v
	}
}

func override(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}
