package dataset

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/ternarybob/excerpo/internal/interfaces"
)

// Numeric equality allows for float formatting drift, not for wrong answers:
// 3.57 reported as 3.5700000001 matches, 3.6 does not.
const numericTolerance = 1e-6

// Compare scores an extraction's field values against the dataset entry for
// a paper. ok is false when the paper is unknown to the dataset (or the
// paper record itself is gone); such jobs contribute nothing to the match
// denominator. Only fields the entry declares are compared, so a dataset
// can pin down a subset of a schema.
func (s *Service) Compare(ctx context.Context, datasetRef, paperID string, actual map[string]interface{}) (int, int, bool, error) {
	ds, err := s.Get(datasetRef)
	if err != nil {
		return 0, 0, false, err
	}

	paper, err := s.papers.GetPaper(ctx, paperID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("failed to load paper for comparison: %w", err)
	}

	entry := ds.findEntry(paper)
	if entry == nil {
		return 0, 0, false, nil
	}

	matched, compared := compareFields(entry.Fields, actual)
	s.logger.Debug().
		Str("dataset", datasetRef).
		Str("paper_id", paperID).
		Int("matched", matched).
		Int("compared", compared).
		Msg("Extraction compared against ground truth")
	return matched, compared, true, nil
}

func compareFields(expected, actual map[string]interface{}) (matched, compared int) {
	for name, want := range expected {
		compared++
		if valuesMatch(want, actual[name]) {
			matched++
		}
	}
	return matched, compared
}

func valuesMatch(want, got interface{}) bool {
	if want == nil {
		return got == nil
	}
	if got == nil {
		return false
	}

	// Numbers compare across representations: YAML decodes integers where
	// JSON payloads carry float64.
	if wf, ok := toFloat(want); ok {
		gf, ok := toFloat(got)
		return ok && floatsEqual(wf, gf)
	}

	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && normalizeText(w) == normalizeText(g)
	case bool:
		g, ok := got.(bool)
		return ok && w == g
	case []interface{}:
		g, ok := got.([]interface{})
		return ok && listsMatch(w, g)
	default:
		return reflect.DeepEqual(want, got)
	}
}

// listsMatch treats lists as unordered: author lists come back in whatever
// order the model read them.
func listsMatch(want, got []interface{}) bool {
	if len(want) != len(got) {
		return false
	}
	used := make([]bool, len(got))
	for _, w := range want {
		found := false
		for i, g := range got {
			if used[i] {
				continue
			}
			if valuesMatch(w, g) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func floatsEqual(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff == 0 {
		return true
	}
	largest := math.Max(math.Abs(a), math.Abs(b))
	return diff/largest <= numericTolerance
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
