// Package claims decomposes research questions into atomic claims and tracks
// per-claim evidence timelines.
package claims

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"argus/engine/llm"
	"argus/engine/models"
)

// AtomicClaim is one verifiable claim extracted from a research question.
type AtomicClaim struct {
	ID                string                  `json:"claim_id"`
	Text              string                  `json:"text"`
	ExpectedPolarity  models.ClaimPolarity    `json:"expected_polarity"`
	Granularity       models.ClaimGranularity `json:"granularity"`
	ClaimType         models.ClaimType        `json:"claim_type"`
	ParentClaimID     string                  `json:"parent_claim_id,omitempty"`
	SourceQuestion    string                  `json:"source_question"`
	Confidence        float64                 `json:"confidence"`
	Keywords          []string                `json:"keywords"`
	VerificationHints []string                `json:"verification_hints"`
}

// DecompositionResult is the outcome of one decomposition.
type DecompositionResult struct {
	OriginalQuestion string        `json:"original_question"`
	Claims           []AtomicClaim `json:"claims"`
	Method           string        `json:"decomposition_method"` // "llm" or "rule_based"
	Success          bool          `json:"success"`
	Error            string        `json:"error,omitempty"`
}

const decomposePrompt = `You are an information analyst. Decompose the research question below into independently verifiable atomic claims.

Research question:
%s

Output a JSON array; each element carries:
- "text": the claim, stated verifiably
- "polarity": "positive" (asserts true), "negative" (asserts false), "neutral" (open question)
- "granularity": "atomic" (cannot be decomposed further) or "composite"
- "type": one of "factual", "causal", "comparative", "definitional", "temporal", "quantitative"
- "keywords": search keywords
- "hints": where to look for verification

Output only the JSON array.`

// Decomposer turns questions into atomic claims, preferring the local LLM and
// falling back to the rule-based splitter when the model is unavailable or
// returns something unusable. Both paths are total.
type Decomposer struct {
	gen   llm.Generator
	model string
}

// NewDecomposer builds a decomposer. gen may be nil, forcing the rule path.
func NewDecomposer(gen llm.Generator, model string) *Decomposer {
	return &Decomposer{gen: gen, model: model}
}

// Decompose splits a research question into claims. An empty question yields
// Success=false with no claims.
func (d *Decomposer) Decompose(ctx context.Context, question string) DecompositionResult {
	question = strings.TrimSpace(question)
	if question == "" {
		return DecompositionResult{
			OriginalQuestion: question,
			Method:           "none",
			Success:          false,
			Error:            "empty question",
		}
	}
	if d.gen != nil {
		if res, ok := d.decomposeLLM(ctx, question); ok {
			return res
		}
	}
	return decomposeRules(question)
}

func (d *Decomposer) decomposeLLM(ctx context.Context, question string) (DecompositionResult, bool) {
	prompt := strings.Replace(decomposePrompt, "%s", question, 1)
	raw, err := d.gen.Generate(ctx, llm.GenerateRequest{
		Prompt:      prompt,
		Model:       d.model,
		Temperature: 0.3,
		MaxTokens:   2000,
	})
	if err != nil {
		return DecompositionResult{}, false
	}
	claims := parseLLMClaims(raw, question)
	if len(claims) == 0 {
		return DecompositionResult{}, false
	}
	return DecompositionResult{
		OriginalQuestion: question,
		Claims:           claims,
		Method:           "llm",
		Success:          true,
	}, true
}

// parseLLMClaims extracts the first JSON array from free-form model output
// and maps well-formed items into claims. Malformed items are discarded;
// unknown enum values fall back to their defaults.
func parseLLMClaims(raw, question string) []AtomicClaim {
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return nil
	}
	arr := gjson.Parse(raw[start : end+1])
	if !arr.IsArray() {
		return nil
	}
	var out []AtomicClaim
	arr.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		text := strings.TrimSpace(item.Get("text").String())
		if text == "" {
			return true
		}
		claim := AtomicClaim{
			ID:               models.NewID("c"),
			Text:             text,
			ExpectedPolarity: parsePolarity(item.Get("polarity").String()),
			Granularity:      parseGranularity(item.Get("granularity").String()),
			ClaimType:        parseClaimType(item.Get("type").String()),
			SourceQuestion:   question,
			Confidence:       0.9,
		}
		if c := item.Get("confidence"); c.Exists() {
			if v := c.Float(); v > 0 && v <= 1 {
				claim.Confidence = v
			}
		}
		for _, kw := range item.Get("keywords").Array() {
			if s := strings.TrimSpace(kw.String()); s != "" {
				claim.Keywords = append(claim.Keywords, s)
			}
		}
		for _, h := range item.Get("hints").Array() {
			if s := strings.TrimSpace(h.String()); s != "" {
				claim.VerificationHints = append(claim.VerificationHints, s)
			}
		}
		out = append(out, claim)
		return true
	})
	return out
}

func parsePolarity(s string) models.ClaimPolarity {
	switch models.ClaimPolarity(strings.ToLower(s)) {
	case models.PolarityPositive:
		return models.PolarityPositive
	case models.PolarityNegative:
		return models.PolarityNegative
	default:
		return models.PolarityNeutral
	}
}

func parseGranularity(s string) models.ClaimGranularity {
	switch models.ClaimGranularity(strings.ToLower(s)) {
	case models.GranularityComposite:
		return models.GranularityComposite
	case models.GranularityMeta:
		return models.GranularityMeta
	default:
		return models.GranularityAtomic
	}
}

func parseClaimType(s string) models.ClaimType {
	switch models.ClaimType(strings.ToLower(s)) {
	case models.ClaimCausal, models.ClaimComparative, models.ClaimDefinitional,
		models.ClaimTemporal, models.ClaimQuantitative:
		return models.ClaimType(strings.ToLower(s))
	default:
		return models.ClaimFactual
	}
}
