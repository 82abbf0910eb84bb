package pii

import (
	"sort"
	"strings"
	"time"
)

// Detection modes.
const (
	ModeFast     = "fast"     // regex + checksum only
	ModeDetailed = "detailed" // regex + named-entity extraction
)

// NamedEntity is a raw span produced by an entity extractor, before its
// label is mapped onto a PII kind.
type NamedEntity struct {
	Label string
	Text  string
	Start int
	End   int
}

// EntityExtractor is the named-entity recognition capability. The model
// artefacts live outside this process; implementations typically call a
// sidecar serving spaCy models.
type EntityExtractor interface {
	Extract(text, language string) ([]NamedEntity, error)
}

var nerLabelKinds = map[string]Kind{
	"PERSON": KindPerson,
	"ORG":    KindOrganization,
	"GPE":    KindLocation,
	"LOC":    KindLocation,
	"MONEY":  KindAmount,
	"DATE":   KindDate,
}

const turkishChars = "çğıöşüÇĞIİÖŞÜ"

// DetectLanguage guesses between Turkish and English: any Turkish-specific
// character wins.
func DetectLanguage(text string) string {
	if strings.ContainsAny(text, turkishChars) {
		return "tr"
	}
	return "en"
}

// Detector runs pattern detection, optionally augmented with NER.
type Detector struct {
	extractor EntityExtractor // nil degrades detailed mode to patterns
}

func NewDetector(extractor EntityExtractor) *Detector {
	return &Detector{extractor: extractor}
}

// Detect analyses text in the given mode. Unknown modes behave like fast.
func (d *Detector) Detect(text, mode string) DetectionResult {
	start := time.Now()

	var entities []Entity
	if mode == ModeDetailed {
		entities = d.detectDetailed(text)
	} else {
		entities = DetectPatterns(text)
	}

	return DetectionResult{
		Entities:         entities,
		Mode:             mode,
		ProcessingTimeMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (d *Detector) detectDetailed(text string) []Entity {
	entities := DetectPatterns(text)

	if d.extractor == nil {
		return entities
	}

	named, err := d.extractor.Extract(text, DetectLanguage(text))
	if err != nil {
		// Extraction is best-effort; pattern results stand on their own.
		return entities
	}

	for _, ent := range named {
		kind, ok := nerLabelKinds[ent.Label]
		if !ok {
			continue
		}

		// Pattern hits carry exact validation; NER candidates touching
		// them are dropped.
		overlaps := false
		for _, existing := range entities {
			if (existing.Start <= ent.Start && ent.Start < existing.End) ||
				(existing.Start < ent.End && ent.End <= existing.End) {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}

		confidence := 0.9
		if ent.Label == "PERSON" || ent.Label == "ORG" {
			confidence = 0.8
		}

		entities = append(entities, Entity{
			Kind:       kind,
			Text:       ent.Text,
			Start:      ent.Start,
			End:        ent.End,
			Confidence: confidence,
		})
	}

	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].Start < entities[j].Start
	})

	// Merge overlapping spans, keeping the higher-confidence entity.
	var merged []Entity
	for _, e := range entities {
		if len(merged) == 0 {
			merged = append(merged, e)
			continue
		}
		last := &merged[len(merged)-1]
		if e.Start < last.End {
			if e.Confidence > last.Confidence {
				*last = e
			}
		} else {
			merged = append(merged, e)
		}
	}
	return merged
}
