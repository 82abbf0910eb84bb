package pii

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTCKN(t *testing.T) {
	tests := []struct {
		name  string
		tckn  string
		valid bool
	}{
		{"valid checksum", "10000000146", true},
		{"wrong tenth digit", "10000000156", false},
		{"wrong eleventh digit", "10000000147", false},
		{"too short", "1000000014", false},
		{"non-digit", "1000000014a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidateTCKN(tt.tckn))
		})
	}
}

func TestValidateIBAN(t *testing.T) {
	tests := []struct {
		name  string
		iban  string
		valid bool
	}{
		{"valid TR iban", "TR330006100519786457841326", true},
		{"valid with spaces", "TR33 0006 1005 1978 6457 8413 26", true},
		{"lowercase accepted", "tr330006100519786457841326", true},
		{"bad check digits", "TR340006100519786457841326", false},
		{"too short", "TR33", false},
		{"invalid character", "TR33_006100519786457841326", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidateIBAN(tt.iban))
		})
	}
}

func TestLuhnCheck(t *testing.T) {
	tests := []struct {
		name  string
		card  string
		valid bool
	}{
		{"valid visa", "4532015112830366", true},
		{"valid with dashes", "4532-0151-1283-0366", true},
		{"valid with spaces", "4532 0151 1283 0366", true},
		{"invalid checksum", "4532015112830367", false},
		{"empty", "", false},
		{"non-digit", "4532a15112830366", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, LuhnCheck(tt.card))
		})
	}
}

func kindsOf(entities []Entity) map[Kind]bool {
	kinds := make(map[Kind]bool)
	for _, e := range entities {
		kinds[e.Kind] = true
	}
	return kinds
}

func TestDetectPatternsPhoneAndEmail(t *testing.T) {
	text := "Call me at 555-123-45-67 or write to jane.doe@example.com today"
	entities := DetectPatterns(text)

	kinds := kindsOf(entities)
	assert.True(t, kinds[KindPhone], "expected a phone entity")
	assert.True(t, kinds[KindEmail], "expected an email entity")

	for _, e := range entities {
		assert.Equal(t, text[e.Start:e.End], e.Text, "span offsets must match the surface text")
	}
}

func TestDetectPatternsChecksumGate(t *testing.T) {
	// Both are 11-digit strings; only the first passes the checksum.
	entities := DetectPatterns("ids 10000000146 and 10000000145")

	var tckns []Entity
	for _, e := range entities {
		if e.Kind == KindTCKN {
			tckns = append(tckns, e)
		}
	}
	require.Len(t, tckns, 1)
	assert.Equal(t, "10000000146", tckns[0].Text)
	assert.Equal(t, 1.0, tckns[0].Confidence)
}

func TestDetectPatternsIBANAndAmount(t *testing.T) {
	entities := DetectPatterns("transfer 1250,00 TL to TR330006100519786457841326 please")

	kinds := kindsOf(entities)
	assert.True(t, kinds[KindIBAN])
	assert.True(t, kinds[KindAmount])
}

func TestDetectPatternsDeduplicates(t *testing.T) {
	entities := DetectPatterns("mail: a@b.co")

	seen := make(map[string]int)
	for _, e := range entities {
		key := string(e.Kind) + e.Text
		seen[key]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, "duplicate span for %s", key)
	}
}
