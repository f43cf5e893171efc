// Package classify implements the stateless, deterministic virtual-model
// classifier (§4.2): it maps an incoming model name and request shape to one
// of the fixed set of categories using a priority-ordered rule table.
package classify

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/routecore/pkg/types"
)

// longContextTokenThreshold is the §4.2 estimated-token cutoff for the
// longContext category.
const longContextTokenThreshold = 60000

var webSearchMarkers = []string{"web_search", "browser", "search"}

// Classifier is stateless; a single instance may be shared across all
// requests and goroutines.
type Classifier struct{}

// New returns a ready-to-use Classifier.
func New() *Classifier { return &Classifier{} }

// Classify applies the priority-ordered rule table to (modelName, request)
// and returns the first matching category. The rule table's priority order
// is fixed by §4.2 and is not configurable.
func (c *Classifier) Classify(modelName string, req *types.AnthropicRequest) types.Category {
	estimated := EstimateTokens(req)

	if estimated >= longContextTokenThreshold {
		return types.CategoryLongContext
	}
	if hasWebSearchTool(req.Tools) {
		return types.CategoryWebSearch
	}
	if hasNonEmptyThinking(req.Thinking) {
		return types.CategoryReasoning
	}
	if len(req.Tools) > 0 {
		// webSearch already excluded above, so any remaining non-empty
		// tool list routes to coding per priority 4.
		return types.CategoryCoding
	}
	return types.CategoryDefault
}

// EstimateTokens computes the deterministic, tokenizer-free token estimate
// of §4.2: sum over message content + system + JSON-serialized tools of
// len(text)/4.
func EstimateTokens(req *types.AnthropicRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += estimateContentLen(m.Content) / 4
	}
	if len(req.System) > 0 {
		total += estimateRawLen(req.System) / 4
	}
	if len(req.Tools) > 0 {
		if b, err := json.Marshal(req.Tools); err == nil {
			total += len(b) / 4
		}
	}
	return total
}

// estimateContentLen measures the "text" length of a message's content,
// whether it is a bare string or an array of content blocks — non-text
// blocks still contribute their serialized length, matching the Anthropic
// transformer's own "flatten to text" treatment (§4.4).
func estimateContentLen(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return len(asString)
	}
	var blocks []types.AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		total := 0
		for _, b := range blocks {
			if b.Type == "text" {
				total += len(b.Text)
			} else if enc, err := json.Marshal(b); err == nil {
				total += len(enc)
			}
		}
		return total
	}
	return len(raw)
}

func estimateRawLen(raw json.RawMessage) int {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return len(asString)
	}
	return len(raw)
}

func hasWebSearchTool(tools []types.AnthropicTool) bool {
	for _, t := range tools {
		name := strings.ToLower(t.Name)
		typ := strings.ToLower(t.Type)
		for _, marker := range webSearchMarkers {
			if strings.Contains(name, marker) || strings.Contains(typ, marker) {
				return true
			}
		}
	}
	return false
}

func hasNonEmptyThinking(thinking *types.AnthropicThinking) bool {
	if thinking == nil {
		return false
	}
	return thinking.Type != "" || thinking.BudgetTokens > 0
}
