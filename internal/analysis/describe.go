package analysis

import (
	"sort"
	"strings"
)

// ConfidenceThreshold is the exclusive lower bound for keeping a concept.
const ConfidenceThreshold = 0.5

const maxDescribedConcepts = 5

// FilterConcepts keeps concepts with confidence strictly above ConfidenceThreshold,
// sorted by descending confidence. The input slice is not modified.
func FilterConcepts(concepts []Concept) []Concept {
	kept := make([]Concept, 0, len(concepts))
	for _, c := range concepts {
		if c.Confidence > ConfidenceThreshold {
			kept = append(kept, c)
		}
	}
	sortByConfidence(kept)
	return kept
}

// Describe synthesizes a sentence naming up to five of the most confident concepts.
// It returns "" when there is nothing to describe.
func Describe(concepts []Concept) string {
	if len(concepts) == 0 {
		return ""
	}

	top := make([]Concept, len(concepts))
	copy(top, concepts)
	sortByConfidence(top)
	if len(top) > maxDescribedConcepts {
		top = top[:maxDescribedConcepts]
	}

	names := make([]string, len(top))
	for i, c := range top {
		names[i] = c.Name
	}

	switch len(names) {
	case 1:
		return "This image appears to be a " + names[0] + "."
	case 2:
		return "This image appears to contain " + names[0] + " and " + names[1] + "."
	default:
		last := len(names) - 1
		return "This image appears to contain " + strings.Join(names[:last], ", ") + ", and " + names[last] + "."
	}
}

func sortByConfidence(concepts []Concept) {
	sort.SliceStable(concepts, func(i, j int) bool {
		return concepts[i].Confidence > concepts[j].Confidence
	})
}
