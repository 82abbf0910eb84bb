package pii

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	entities []NamedEntity
	err      error
	language string
}

func (f *fakeExtractor) Extract(text, language string) ([]NamedEntity, error) {
	f.language = language
	return f.entities, f.err
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "tr", DetectLanguage("Merhaba, nasılsınız?"))
	assert.Equal(t, "en", DetectLanguage("Hello, how are you?"))
}

func TestDetectFastModeSkipsExtractor(t *testing.T) {
	extractor := &fakeExtractor{entities: []NamedEntity{{Label: "PERSON", Text: "Jane", Start: 0, End: 4}}}
	d := NewDetector(extractor)

	result := d.Detect("Jane wrote to a@b.co", ModeFast)
	assert.Equal(t, ModeFast, result.Mode)
	for _, e := range result.Entities {
		assert.NotEqual(t, KindPerson, e.Kind, "fast mode must not produce NER entities")
	}
}

func TestDetectDetailedMergesNER(t *testing.T) {
	text := "Jane Smith works at Acme"
	extractor := &fakeExtractor{entities: []NamedEntity{
		{Label: "PERSON", Text: "Jane Smith", Start: 0, End: 10},
		{Label: "ORG", Text: "Acme", Start: 20, End: 24},
		{Label: "NORP", Text: "works", Start: 11, End: 16}, // unmapped label
	}}
	d := NewDetector(extractor)

	result := d.Detect(text, ModeDetailed)
	require.Len(t, result.Entities, 2)

	assert.Equal(t, KindPerson, result.Entities[0].Kind)
	assert.Equal(t, 0.8, result.Entities[0].Confidence)
	assert.Equal(t, KindOrganization, result.Entities[1].Kind)
	assert.Equal(t, "en", extractor.language)
}

func TestDetectDetailedPatternWinsOverlap(t *testing.T) {
	text := "id 10000000146 end"
	extractor := &fakeExtractor{entities: []NamedEntity{
		// NER span touching the validated TCKN span is discarded.
		{Label: "DATE", Text: "10000000146", Start: 3, End: 14},
	}}
	d := NewDetector(extractor)

	result := d.Detect(text, ModeDetailed)
	for _, e := range result.Entities {
		assert.NotEqual(t, KindDate, e.Kind)
	}
}

func TestDetectDetailedExtractorErrorDegrades(t *testing.T) {
	extractor := &fakeExtractor{err: errors.New("sidecar down")}
	d := NewDetector(extractor)

	result := d.Detect("reach me at a@b.co", ModeDetailed)
	assert.True(t, kindsOf(result.Entities)[KindEmail], "pattern hits must survive extractor failure")
}

func TestDetectDetailedNilExtractor(t *testing.T) {
	d := NewDetector(nil)
	result := d.Detect("reach me at a@b.co", ModeDetailed)
	assert.True(t, kindsOf(result.Entities)[KindEmail])
}
