package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sells-group/lead-enrich/pkg/fingerprint"
)

// Record is a contact or lead being enriched and deduplicated.
type Record struct {
	ID         int64 `json:"id"`
	IsBusiness bool  `json:"is_business"`

	// Identity
	FirstName       string   `json:"first_name,omitempty"`
	LastName        string   `json:"last_name,omitempty"`
	FullName        string   `json:"full_name,omitempty"`
	BusinessName    string   `json:"business_name,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	FormattedPhone  string   `json:"formatted_phone_number,omitempty"`
	AlternatePhones []string `json:"alternate_phones,omitempty"`

	// Phone lookup
	CallerName string `json:"caller_name,omitempty"`
	LineType   string `json:"line_type,omitempty"`

	// Email discovery
	Email           string   `json:"email,omitempty"`
	EmailVerified   bool     `json:"email_verified"`
	EmailSource     string   `json:"email_source,omitempty"`
	AlternateEmails []string `json:"alternate_emails,omitempty"`

	// Business intelligence
	Industry           string     `json:"industry,omitempty"`
	Website            string     `json:"website,omitempty"`
	EmployeeRange      string     `json:"employee_range,omitempty"`
	BusinessEnrichedAt *time.Time `json:"business_enriched_at,omitempty"`

	// Address lookup
	Street          string `json:"street,omitempty"`
	City            string `json:"city,omitempty"`
	State           string `json:"state,omitempty"`
	ZipCode         string `json:"zip_code,omitempty"`
	AddressVerified bool   `json:"address_verified"`

	// Coverage check
	Carrier        string `json:"carrier,omitempty"`
	CoverageStatus string `json:"coverage_status,omitempty"`

	// Regulatory verification
	DoNotCall           *bool      `json:"do_not_call,omitempty"`
	ComplianceStatus    string     `json:"compliance_status,omitempty"`
	ComplianceCheckedAt *time.Time `json:"compliance_checked_at,omitempty"`

	// Derived
	PhoneFingerprint string `json:"phone_fingerprint,omitempty"`
	NameFingerprint  string `json:"name_fingerprint,omitempty"`
	EmailFingerprint string `json:"email_fingerprint,omitempty"`
	QualityScore     int    `json:"quality_score"`

	// Deduplication
	IsDuplicate         bool          `json:"is_duplicate"`
	DuplicateOfID       *int64        `json:"duplicate_of_id,omitempty"`
	DuplicateConfidence *int          `json:"duplicate_confidence,omitempty"`
	MergeHistory        []MergeRecord `json:"merge_history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MergeRecord is the provenance entry appended to a surviving record when a
// duplicate is merged into it.
type MergeRecord struct {
	ID          string         `json:"id"`
	MergedAt    time.Time      `json:"merged_at"`
	DuplicateID int64          `json:"duplicate_id"`
	Snapshot    map[string]any `json:"snapshot"`
}

// snapshotExcluded are attributes left out of merge snapshots.
var snapshotExcluded = []string{"id", "created_at", "updated_at", "merge_history"}

// DisplayName returns the business name for businesses and the person's full
// name otherwise.
func (r *Record) DisplayName() string {
	if r.IsBusiness {
		return strings.TrimSpace(r.BusinessName)
	}
	if n := strings.TrimSpace(r.FullName); n != "" {
		return n
	}
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// IsEmpty reports whether the record has no identifying data at all: no
// phone, no email, and no name.
func (r *Record) IsEmpty() bool {
	return r.PhoneFingerprint == "" &&
		fingerprint.Phone(r.Phone) == "" && fingerprint.Phone(r.FormattedPhone) == "" &&
		strings.TrimSpace(r.Email) == "" &&
		r.DisplayName() == ""
}

// RefreshFingerprints recomputes every derived field. It must be called after
// any change to phone, name, email, or enrichment fields.
func (r *Record) RefreshFingerprints() {
	if r.FormattedPhone == "" {
		r.FormattedPhone = fingerprint.FormatPhone(r.Phone)
	}
	phone := r.FormattedPhone
	if phone == "" {
		phone = r.Phone
	}
	r.PhoneFingerprint = fingerprint.Phone(phone)
	r.NameFingerprint = fingerprint.Name(r.DisplayName(), r.IsBusiness)
	r.EmailFingerprint = fingerprint.Email(r.Email)
	r.QualityScore = r.Completeness()
}

// Completeness returns the share (0-100) of scoreable fields that are
// populated. Business-only fields are scored for businesses only.
func (r *Record) Completeness() int {
	checks := []bool{
		r.DisplayName() != "",
		r.FormattedPhone != "" || r.Phone != "",
		r.Email != "",
		r.EmailVerified,
		r.Street != "",
		r.City != "",
		r.State != "",
		r.ZipCode != "",
		r.Carrier != "",
		r.ComplianceStatus != "",
	}
	if r.IsBusiness {
		checks = append(checks, r.Industry != "", r.Website != "", r.EmployeeRange != "")
	}

	filled := 0
	for _, ok := range checks {
		if ok {
			filled++
		}
	}
	return int(float64(filled)*100/float64(len(checks)) + 0.5)
}

// MarkDuplicateOf flags r as a duplicate of the record with primaryID.
func (r *Record) MarkDuplicateOf(primaryID int64, confidence int) {
	r.IsDuplicate = true
	id := primaryID
	r.DuplicateOfID = &id
	c := confidence
	r.DuplicateConfidence = &c
}

// Attributes returns the record's attributes as a map, excluding identity,
// timestamps, and merge history.
func (r *Record) Attributes() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]any{}
	}
	attrs := make(map[string]any)
	if err := json.Unmarshal(data, &attrs); err != nil {
		return map[string]any{}
	}
	for _, k := range snapshotExcluded {
		delete(attrs, k)
	}
	return attrs
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.AlternatePhones = append([]string(nil), r.AlternatePhones...)
	c.AlternateEmails = append([]string(nil), r.AlternateEmails...)
	c.BusinessEnrichedAt = cloneTime(r.BusinessEnrichedAt)
	c.ComplianceCheckedAt = cloneTime(r.ComplianceCheckedAt)
	if r.DoNotCall != nil {
		v := *r.DoNotCall
		c.DoNotCall = &v
	}
	if r.DuplicateOfID != nil {
		v := *r.DuplicateOfID
		c.DuplicateOfID = &v
	}
	if r.DuplicateConfidence != nil {
		v := *r.DuplicateConfidence
		c.DuplicateConfidence = &v
	}
	if r.MergeHistory != nil {
		c.MergeHistory = append([]MergeRecord(nil), r.MergeHistory...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
