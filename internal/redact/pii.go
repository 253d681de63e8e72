package redact

import (
	"regexp"
	"sort"
	"strings"
)

// Kind identifies a category of personal data found in free text.
type Kind string

const (
	KindEmail      Kind = "email"
	KindPhone      Kind = "phone"
	KindNationalID Kind = "national_id"
	KindCreditCard Kind = "credit_card"
	KindIBAN       Kind = "iban"
)

// Finding is a single match inside a scanned string.
type Finding struct {
	Kind  Kind
	Value string
	Start int
	End   int
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)

	// Turkish mobile numbers first, then generic international numbers.
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:\+90[\s-]?|\b0?)5[0-9]{2}[\s-]?[0-9]{3}[\s-]?[0-9]{2}[\s-]?[0-9]{2}\b`),
		regexp.MustCompile(`\+[0-9]{1,3}[\s.-]?\(?[0-9]{1,4}\)?[\s.-]?[0-9]{3,4}[\s.-]?[0-9]{3,4}\b`),
	}

	// TC Kimlik No: 11 digits, validated by checksum.
	nationalIDPattern = regexp.MustCompile(`\b[1-9][0-9]{10}\b`)

	creditCardPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b4[0-9]{12}(?:[0-9]{3})?\b`),    // Visa
		regexp.MustCompile(`\b5[1-5][0-9]{14}\b`),            // MasterCard
		regexp.MustCompile(`\b3[47][0-9]{13}\b`),             // American Express
		regexp.MustCompile(`\b9792[0-9]{12}\b`),              // Troy
		regexp.MustCompile(`\b6(?:011|5[0-9]{2})[0-9]{12}\b`), // Discover
	}

	ibanPattern = regexp.MustCompile(`\bTR[0-9]{2}(?:\s?[0-9A-Z]{4}){5}\s?[0-9A-Z]{2}\b`)
)

// Contains reports whether s holds any recognised personal data.
func Contains(s string) bool {
	return len(Scan(s)) > 0
}

// Scan returns non-overlapping findings ordered by position. When two
// patterns overlap the earlier, longer match wins.
func Scan(s string) []Finding {
	var all []Finding

	add := func(kind Kind, p *regexp.Regexp, valid func(string) bool) {
		for _, m := range p.FindAllStringIndex(s, -1) {
			v := s[m[0]:m[1]]
			if valid != nil && !valid(v) {
				continue
			}
			all = append(all, Finding{Kind: kind, Value: v, Start: m[0], End: m[1]})
		}
	}

	add(KindNationalID, nationalIDPattern, validNationalID)
	for _, p := range creditCardPatterns {
		add(KindCreditCard, p, luhnCheck)
	}
	add(KindIBAN, ibanPattern, nil)
	add(KindEmail, emailPattern, nil)
	for _, p := range phonePatterns {
		add(KindPhone, p, nil)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return all[i].End-all[i].Start > all[j].End-all[j].Start
	})

	kept := all[:0]
	end := -1
	for _, f := range all {
		if f.Start < end {
			continue
		}
		kept = append(kept, f)
		end = f.End
	}
	return kept
}

// String replaces every finding in s with a placeholder naming its kind.
func String(s string) string {
	findings := Scan(s)
	if len(findings) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, f := range findings {
		b.WriteString(s[last:f.Start])
		b.WriteString(placeholder(f.Kind))
		last = f.End
	}
	b.WriteString(s[last:])
	return b.String()
}

func placeholder(kind Kind) string {
	switch kind {
	case KindEmail:
		return "[EMAIL_REDACTED]"
	case KindPhone:
		return "[PHONE_REDACTED]"
	case KindNationalID:
		return "[NATIONAL_ID_REDACTED]"
	case KindCreditCard:
		return "[CC_REDACTED]"
	case KindIBAN:
		return "[IBAN_REDACTED]"
	default:
		return "[REDACTED]"
	}
}

// validNationalID applies the TC Kimlik No checksum rules.
func validNationalID(s string) bool {
	if len(s) != 11 || s[0] == '0' {
		return false
	}
	d := make([]int, 11)
	for i := range s {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		d[i] = int(s[i] - '0')
	}
	odd := d[0] + d[2] + d[4] + d[6] + d[8]
	even := d[1] + d[3] + d[5] + d[7]
	if ((odd*7-even)%10+10)%10 != d[9] {
		return false
	}
	sum := 0
	for i := 0; i < 10; i++ {
		sum += d[i]
	}
	return sum%10 == d[10]
}

// luhnCheck validates a card number using the Luhn algorithm
func luhnCheck(cardNumber string) bool {
	cardNumber = strings.ReplaceAll(cardNumber, " ", "")
	cardNumber = strings.ReplaceAll(cardNumber, "-", "")

	if len(cardNumber) < 13 || len(cardNumber) > 19 {
		return false
	}

	sum := 0
	isSecond := false
	for i := len(cardNumber) - 1; i >= 0; i-- {
		digit := int(cardNumber[i] - '0')
		if isSecond {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		isSecond = !isSecond
	}

	return sum%10 == 0
}
