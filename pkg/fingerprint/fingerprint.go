// Package fingerprint derives the normalized lookup keys used to find
// duplicate contact records: phone, name, and email fingerprints.
package fingerprint

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// minPhoneDigits is the shortest digit string treated as a phone number.
const minPhoneDigits = 7

// nationalDigits is the length of a NANP national number.
const nationalDigits = 10

var legalSuffix = regexp.MustCompile(
	`(?i)\s*,?\s*\b(LLC|L\.?L\.?C\.?|INC\.?|INCORPORATED|CORP\.?|CORPORATION|` +
		`CO\.?|COMPANY|LTD\.?|LIMITED|L\.?P\.?|LLP|L\.?L\.?P\.?|` +
		`PLLC|P\.?L\.?L\.?C\.?|P\.?C\.?|P\.?A\.?|DBA|D/B/A)\s*\.?\s*$`)

var multiSpace = regexp.MustCompile(`\s{2,}`)

var punctuation = strings.NewReplacer(
	",", " ",
	".", "",
	"'", "",
	"\"", "",
	"&", " AND ",
	"-", " ",
	"/", " ",
	"(", " ",
	")", " ",
)

// Digits returns only the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Phone returns the phone fingerprint: the national number with formatting,
// international prefixes, and the NANP country code removed. Returns "" when
// the input has too few digits to be a phone number.
func Phone(raw string) string {
	d := Digits(raw)
	d = strings.TrimPrefix(d, "00")
	if len(d) < minPhoneDigits {
		return ""
	}
	if len(d) > nationalDigits {
		d = d[len(d)-nationalDigits:]
	}
	return d
}

// FormatPhone renders raw as an E.164 string. Ten-digit numbers are assumed
// to be NANP. Returns "" for inputs that are not phone numbers.
func FormatPhone(raw string) string {
	d := strings.TrimPrefix(Digits(raw), "00")
	switch {
	case len(d) < minPhoneDigits:
		return ""
	case len(d) == nationalDigits:
		return "+1" + d
	default:
		return "+" + d
	}
}

// Name returns the name fingerprint. Business names keep word order and drop
// legal suffixes; person names are order-insensitive ("Smith, John" and
// "John Smith" fingerprint identically).
func Name(name string, isBusiness bool) string {
	n := strings.ToUpper(strings.TrimSpace(foldAccents(name)))
	if n == "" {
		return ""
	}

	if isBusiness {
		n = legalSuffix.ReplaceAllString(n, "")
		n = strings.TrimPrefix(n, "THE ")
	}

	n = punctuation.Replace(n)
	n = multiSpace.ReplaceAllString(n, " ")
	n = strings.TrimSpace(n)

	if !isBusiness {
		words := strings.Fields(n)
		sort.Strings(words)
		n = strings.Join(words, " ")
	}
	return n
}

// Email returns the email fingerprint: lowercased, sub-address tags removed,
// and Gmail dot-insensitivity applied. Returns "" for malformed input.
func Email(email string) string {
	e := strings.ToLower(strings.TrimSpace(email))
	local, domain, ok := strings.Cut(e, "@")
	if !ok || local == "" || domain == "" {
		return ""
	}

	if i := strings.IndexByte(local, '+'); i > 0 {
		local = local[:i]
	}
	if domain == "googlemail.com" {
		domain = "gmail.com"
	}
	if domain == "gmail.com" {
		local = strings.ReplaceAll(local, ".", "")
	}
	return local + "@" + domain
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
