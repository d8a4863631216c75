package llm

import (
	"strings"

	"github.com/ternarybob/excerpo/internal/interfaces"
)

// modelPrice is USD per million tokens for one model family.
type modelPrice struct {
	inPerMTok  float64
	outPerMTok float64
}

// modelPrices maps model name prefixes to list pricing. Dated model
// references ("claude-sonnet-4-20250514") resolve through the longest
// matching prefix. Models missing from this table report ok=false and the
// batch cost shows as n/a rather than a made-up number.
var modelPrices = map[string]modelPrice{
	"claude-opus-4":         {15.00, 75.00},
	"claude-sonnet-4":       {3.00, 15.00},
	"claude-3-5-haiku":      {0.80, 4.00},
	"claude-haiku":          {0.80, 4.00},
	"gemini-2.5-pro":        {1.25, 10.00},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.0-flash":      {0.10, 0.40},
}

// StaticPriceTable resolves model pricing from the built-in table.
type StaticPriceTable struct{}

// NewPriceTable returns the built-in price table.
func NewPriceTable() interfaces.PriceTable {
	return StaticPriceTable{}
}

// Price returns USD-per-million-token rates for the model, matching the
// longest known prefix after stripping any provider prefix.
func (StaticPriceTable) Price(modelRef string) (float64, float64, bool) {
	model := strings.ToLower(NormalizeModel(modelRef))

	var bestPrefix string
	var best modelPrice
	for prefix, price := range modelPrices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			best = price
		}
	}
	if bestPrefix == "" {
		return 0, 0, false
	}
	return best.inPerMTok, best.outPerMTok, true
}
