package pii

import (
	"regexp"
	"strings"
)

// Regex families for Turkish-format identifiers plus the universal ones.
var (
	tcknPattern       = regexp.MustCompile(`\b\d{11}\b`)
	phonePattern      = regexp.MustCompile(`(\+90\s?)?(\(?\d{3}\)?[\s.-]?)?\d{3}[\s.-]?\d{2}[\s.-]?\d{2}\b`)
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ibanPattern       = regexp.MustCompile(`\bTR\d{2}\s?\d{4}\s?\d{4}\s?\d{4}\s?\d{4}\s?\d{4}\s?\d{2}\b`)
	creditCardPattern = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)
	amountPattern     = regexp.MustCompile(`(?i)\b\d+[.,]\d{2}\s*(TL|TRY|USD|EUR|GBP)\b`)
)

// ValidateTCKN checks the two TCKN checksum rules: the 10th digit equals
// (7*sum(odd positions 1..9) - sum(even positions 2..8)) mod 10, and the
// 11th digit equals the sum of the first ten digits mod 10.
func ValidateTCKN(tckn string) bool {
	if len(tckn) != 11 {
		return false
	}
	digits := make([]int, 11)
	for i, r := range tckn {
		if r < '0' || r > '9' {
			return false
		}
		digits[i] = int(r - '0')
	}

	sumFirst10 := 0
	for _, d := range digits[:10] {
		sumFirst10 += d
	}
	if sumFirst10%10 != digits[10] {
		return false
	}

	oddSum := digits[0] + digits[2] + digits[4] + digits[6] + digits[8]
	evenSum := digits[1] + digits[3] + digits[5] + digits[7]
	check := ((oddSum*7-evenSum)%10 + 10) % 10
	return check == digits[9]
}

// ValidateIBAN checks the ISO-13616 mod-97 rule: move the first four
// characters to the end, substitute A=10..Z=35, and require remainder 1.
func ValidateIBAN(iban string) bool {
	iban = strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(iban) < 4 {
		return false
	}

	rearranged := iban[4:] + iban[:4]
	remainder := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			remainder = (remainder*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			v := int(r-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return false
		}
	}
	return remainder == 1
}

// LuhnCheck validates a credit card number with the Luhn algorithm.
// Spaces and dashes are stripped first.
func LuhnCheck(cardNumber string) bool {
	cardNumber = strings.NewReplacer(" ", "", "-", "").Replace(cardNumber)
	if cardNumber == "" {
		return false
	}

	total := 0
	parity := len(cardNumber) % 2
	for i, r := range cardNumber {
		if r < '0' || r > '9' {
			return false
		}
		d := int(r - '0')
		// Double every second digit counted from the right.
		if i%2 == parity {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		total += d
	}
	return total%10 == 0
}

func findPatternMatches(text string, pattern *regexp.Regexp, kind Kind) []Entity {
	var entities []Entity
	for _, loc := range pattern.FindAllStringIndex(text, -1) {
		surface := text[loc[0]:loc[1]]

		valid := true
		switch kind {
		case KindTCKN:
			valid = ValidateTCKN(surface)
		case KindIBAN:
			valid = ValidateIBAN(surface)
		case KindCreditCard:
			valid = LuhnCheck(surface)
		}
		if !valid {
			continue
		}

		entities = append(entities, Entity{
			Kind:       kind,
			Text:       surface,
			Start:      loc[0],
			End:        loc[1],
			Confidence: 1.0,
		})
	}
	return entities
}

// DetectPatterns runs every regex family over text, applies the
// kind-specific validators, and de-duplicates by (start, end, kind).
func DetectPatterns(text string) []Entity {
	var entities []Entity
	entities = append(entities, findPatternMatches(text, tcknPattern, KindTCKN)...)
	entities = append(entities, findPatternMatches(text, phonePattern, KindPhone)...)
	entities = append(entities, findPatternMatches(text, emailPattern, KindEmail)...)
	entities = append(entities, findPatternMatches(text, ibanPattern, KindIBAN)...)
	entities = append(entities, findPatternMatches(text, creditCardPattern, KindCreditCard)...)
	entities = append(entities, findPatternMatches(text, amountPattern, KindAmount)...)

	type spanKey struct {
		start, end int
		kind       Kind
	}
	seen := make(map[spanKey]bool, len(entities))
	unique := entities[:0]
	for _, e := range entities {
		key := spanKey{e.Start, e.End, e.Kind}
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, e)
	}
	return unique
}
