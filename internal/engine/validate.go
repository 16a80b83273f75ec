package engine

import (
	"errors"
	"log"
	"math"
	"strings"
	"unicode"

	"github.com/lazypower/recall/internal/concept"
)

// maxNameChars caps concept names; OCR keyword runs occasionally glue a
// whole paragraph into one "keyword".
const maxNameChars = 200

// ErrEmptyConcept is returned when a concept name is empty after cleanup.
var ErrEmptyConcept = errors.New("empty concept name")

// sanitizeName trims a concept name, collapses whitespace, drops control
// characters and truncates at a word boundary. Returns "" if nothing is left.
func sanitizeName(name string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace && b.Len() > 0 {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return truncateClean(strings.TrimSpace(b.String()), maxNameChars)
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	truncated := s[:maxLen]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen/2 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(strings.ToValidUTF8(truncated, ""))
}

// cleanObservation is a validated observation: unique names in event order
// and a salience per name (keyed by normalized name).
type cleanObservation struct {
	names    []string
	salience map[string]float64
}

// validateObservation drops empty and duplicate concepts and clamps salience
// values. Problems are logged as warnings; nothing here is fatal.
func validateObservation(ev concept.Observation) cleanObservation {
	sal := make(map[string]float64, len(ev.Salience))
	for name, v := range ev.Salience {
		key := concept.NormalizeName(sanitizeName(name))
		if key == "" {
			continue
		}
		switch {
		case math.IsNaN(v):
			log.Printf("warning: ingest: salience for %q is NaN, using 1.0", name)
			v = 1
		case v < 0 || v > 1:
			log.Printf("warning: ingest: salience %v for %q outside [0,1], clamped", v, name)
			v = unit(v)
		}
		sal[key] = v
	}

	out := cleanObservation{salience: make(map[string]float64, len(ev.Concepts))}
	seen := make(map[string]bool, len(ev.Concepts))
	for _, raw := range ev.Concepts {
		name := sanitizeName(raw)
		if name == "" {
			log.Printf("warning: ingest: dropping empty concept name %q", raw)
			continue
		}
		key := concept.NormalizeName(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.names = append(out.names, name)
		if v, ok := sal[key]; ok {
			out.salience[key] = v
		} else {
			out.salience[key] = 1
		}
	}
	return out
}
