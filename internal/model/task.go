package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// TaskType identifies one enrichment task. Each task type is served by one
// provider adapter.
type TaskType string

const (
	TaskPhoneLookup TaskType = "phone_lookup"
	TaskBusiness    TaskType = "business"
	TaskEmail       TaskType = "email"
	TaskAddress     TaskType = "address"
	TaskCoverage    TaskType = "coverage"
	TaskCompliance  TaskType = "compliance"
)

// AllTaskTypes returns every known task type in application order.
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskPhoneLookup,
		TaskBusiness,
		TaskEmail,
		TaskAddress,
		TaskCoverage,
		TaskCompliance,
	}
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, k := range AllTaskTypes() {
		if t == k {
			return true
		}
	}
	return false
}

// ParseTaskTypes converts names to task types. An empty list means all
// task types.
func ParseTaskTypes(names []string) ([]TaskType, error) {
	if len(names) == 0 {
		return AllTaskTypes(), nil
	}
	out := make([]TaskType, 0, len(names))
	for _, n := range names {
		t := TaskType(strings.TrimSpace(strings.ToLower(n)))
		if !t.Valid() {
			return nil, eris.Errorf("model: unknown task type %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

// ApplyPayload writes a successful task payload onto the record. Empty
// values never overwrite existing data. Callers must refresh fingerprints
// afterwards.
func ApplyPayload(r *Record, task TaskType, payload map[string]any, now time.Time) {
	if len(payload) == 0 {
		return
	}

	switch task {
	case TaskPhoneLookup:
		setString(&r.FormattedPhone, payload["formatted_phone_number"])
		setString(&r.CallerName, payload["caller_name"])
		setString(&r.LineType, payload["line_type"])
	case TaskBusiness:
		setString(&r.BusinessName, payload["business_name"])
		setString(&r.Industry, payload["industry"])
		setString(&r.Website, payload["website"])
		setString(&r.EmployeeRange, payload["employee_range"])
		t := now
		r.BusinessEnrichedAt = &t
	case TaskEmail:
		applyEmail(r, payload)
	case TaskAddress:
		setString(&r.Street, payload["street"])
		setString(&r.City, payload["city"])
		setString(&r.State, payload["state"])
		setString(&r.ZipCode, payload["zip_code"])
		if v, ok := toBool(payload["address_verified"]); ok {
			r.AddressVerified = v
		}
	case TaskCoverage:
		setString(&r.Carrier, payload["carrier"])
		setString(&r.CoverageStatus, payload["coverage_status"])
	case TaskCompliance:
		if v, ok := toBool(payload["do_not_call"]); ok {
			r.DoNotCall = &v
		}
		setString(&r.ComplianceStatus, payload["compliance_status"])
		t := now
		r.ComplianceCheckedAt = &t
	default:
		zap.L().Debug("model: payload for unmapped task type", zap.String("task", string(task)))
	}
}

// applyEmail keeps a verified email over an unverified discovery; the losing
// address is kept as an alternate.
func applyEmail(r *Record, payload map[string]any) {
	email, _ := payload["email"].(string)
	email = strings.TrimSpace(email)
	verified, _ := toBool(payload["email_verified"])

	if email != "" && !strings.EqualFold(email, r.Email) {
		if r.Email == "" || verified || !r.EmailVerified {
			if r.Email != "" {
				r.AlternateEmails = AppendUnique(r.AlternateEmails, r.Email)
			}
			r.Email = email
			r.EmailVerified = verified
			setString(&r.EmailSource, payload["email_source"])
		} else {
			r.AlternateEmails = AppendUnique(r.AlternateEmails, email)
		}
	} else if email != "" && verified {
		r.EmailVerified = true
	}

	if alts, ok := payload["alternate_emails"].([]any); ok {
		for _, a := range alts {
			if s, ok := a.(string); ok && s != "" && !strings.EqualFold(s, r.Email) {
				r.AlternateEmails = AppendUnique(r.AlternateEmails, s)
			}
		}
	}
}

// AppendUnique appends v to list unless a case-insensitive equal value is
// already present.
func AppendUnique(list []string, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return list
	}
	for _, existing := range list {
		if strings.EqualFold(existing, v) {
			return list
		}
	}
	return append(list, v)
}

func setString(dst *string, v any) {
	s, ok := v.(string)
	if !ok {
		return
	}
	if s = strings.TrimSpace(s); s != "" {
		*dst = s
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(b) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0":
			return false, true
		}
	}
	return false, false
}
