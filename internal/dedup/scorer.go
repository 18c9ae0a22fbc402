// Package dedup finds likely duplicate contact records.
package dedup

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/pkg/fingerprint"
)

// Dimension weights. A dimension only counts toward the achievable maximum
// when both records have data for it.
const (
	weightPhone = 40
	weightEmail = 30
	weightName  = 20
	weightCity  = 10

	partialPhone = 30
	partialEmail = 20

	// nearMatch is the minimum similarity for a partial award.
	nearMatch = 0.8
)

// Similarity returns 1 - editDistance/maxLength over runes. Two empty
// strings are identical.
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	d := levenshtein.Distance(a, b, nil)
	return 1 - float64(d)/float64(longest)
}

// Score rates how likely a and b describe the same contact, 0-100, and lists
// the dimensions that matched. Either record lacking all identifying data
// (phone, email, name) scores 0.
func Score(a, b *model.Record) (int, []string) {
	if a.IsEmpty() || b.IsEmpty() {
		return 0, nil
	}

	var achieved, possible float64
	var reasons []string
	identifying := false

	if pa, pb := phoneKey(a), phoneKey(b); pa != "" && pb != "" {
		identifying = true
		possible += weightPhone
		fa, fb := formattedPhone(a), formattedPhone(b)
		switch {
		case fa != "" && fa == fb:
			achieved += weightPhone
			reasons = append(reasons, "Exact phone match")
		case pa == pb || Similarity(pa, pb) >= nearMatch:
			achieved += partialPhone
			reasons = append(reasons, "Similar phone")
		}
	}

	if ea, eb := normEmail(a.Email), normEmail(b.Email); ea != "" && eb != "" {
		identifying = true
		possible += weightEmail
		switch {
		case ea == eb:
			achieved += weightEmail
			reasons = append(reasons, "Exact email match")
		case emailKey(a) != "" && emailKey(a) == emailKey(b), Similarity(ea, eb) >= nearMatch:
			achieved += partialEmail
			reasons = append(reasons, "Similar email")
		}
	}

	if a.IsBusiness == b.IsBusiness {
		if na, nb := nameKey(a), nameKey(b); na != "" && nb != "" {
			identifying = true
			possible += weightName
			if na == nb {
				achieved += weightName
				reasons = append(reasons, "Same name")
			} else if s := Similarity(na, nb); s >= nearMatch {
				achieved += s * weightName
				reasons = append(reasons, "Similar name")
			}
		}
	}

	if !identifying {
		return 0, nil
	}

	if ca, cb := normCity(a.City), normCity(b.City); ca != "" && cb != "" {
		possible += weightCity
		if ca == cb {
			achieved += weightCity
			reasons = append(reasons, "Same city")
		}
	}

	return int(math.Round(100 * achieved / possible)), reasons
}

func formattedPhone(r *model.Record) string {
	if r.FormattedPhone != "" {
		return r.FormattedPhone
	}
	return fingerprint.FormatPhone(r.Phone)
}

func phoneKey(r *model.Record) string {
	if r.PhoneFingerprint != "" {
		return r.PhoneFingerprint
	}
	if fp := fingerprint.Phone(r.FormattedPhone); fp != "" {
		return fp
	}
	return fingerprint.Phone(r.Phone)
}

func emailKey(r *model.Record) string {
	if r.EmailFingerprint != "" {
		return r.EmailFingerprint
	}
	return fingerprint.Email(r.Email)
}

func nameKey(r *model.Record) string {
	if r.NameFingerprint != "" {
		return r.NameFingerprint
	}
	return fingerprint.Name(r.DisplayName(), r.IsBusiness)
}

func normEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normCity(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
