package claims

import (
	"regexp"
	"strings"

	"argus/engine/models"
)

// Rule-based decomposition: the fallback when the local LLM is unavailable
// or returns unusable output. Splits on conjunctions and punctuation
// (Japanese and English), infers polarity and claim type from lexical cues,
// and extracts keywords by stoplist removal. Deterministic: decomposing the
// same question twice yields identical structure (ids aside).

var splitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[、。]`),
	regexp.MustCompile(`(?:および|かつ|また|そして|さらに)`),
	regexp.MustCompile(`\b(?:and|or|but|also|moreover)\b`),
	regexp.MustCompile(`[,;]`),
}

var negativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`ない`), regexp.MustCompile(`しない`), regexp.MustCompile(`できない`),
	regexp.MustCompile(`不可能`), regexp.MustCompile(`否定`), regexp.MustCompile(`反対`),
	regexp.MustCompile(`誤り`), regexp.MustCompile(`間違い`),
	regexp.MustCompile(`\bnot\b`), regexp.MustCompile(`\bnever\b`), regexp.MustCompile(`\bcannot\b`),
	regexp.MustCompile(`\bimpossible\b`), regexp.MustCompile(`\bfalse\b`),
	regexp.MustCompile(`\bincorrect\b`), regexp.MustCompile(`\bwrong\b`),
}

var questionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\?$`), regexp.MustCompile(`？$`),
	regexp.MustCompile(`^(?:what|who|when|where|why|how|which)\b`),
	regexp.MustCompile(`^(?:何|誰|いつ|どこ|なぜ|どう|どの)`),
	regexp.MustCompile(`(?:か|のか|でしょうか)$`),
}

var temporalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}年`), regexp.MustCompile(`\d{4}[-/]\d{1,2}`),
	regexp.MustCompile(`\b(?:19|20)\d{2}\b`),
	regexp.MustCompile(`\b(?:january|february|march|april|may|june|july|august|september|october|november|december)\b`),
	regexp.MustCompile(`(?:いつ|\bwhen\b|年|月|日)`),
	regexp.MustCompile(`(?:以前|以後|\bbefore\b|\bafter\b|\bduring\b)`),
}

var quantPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d+%`), regexp.MustCompile(`\d+億`), regexp.MustCompile(`\d+万`),
	regexp.MustCompile(`(?:割合|比率)`),
	regexp.MustCompile(`(?:how many|how much|percentage|ratio)`),
}

var compPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:より|compared to|\bthan\b|\bversus\b|\bvs\b)`),
	regexp.MustCompile(`(?:比較|違い|\bdifference\b|\bsimilar\b|\bdifferent\b)`),
}

var causalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:なぜ|原因|理由|結果|影響)`),
	regexp.MustCompile(`(?:\bbecause\b|\bcause\b|\beffect\b|\bresult\b|\bimpact\b|\bwhy\b)`),
	regexp.MustCompile(`(?:によって|ため|から)`),
}

var defPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:とは|定義|意味|what is|\bdefine\b|\bdefinition\b)`),
}

var stopwords = map[string]struct{}{
	// Japanese particles and light verbs
	"の": {}, "は": {}, "が": {}, "を": {}, "に": {}, "で": {}, "と": {}, "も": {}, "や": {}, "か": {},
	"です": {}, "ます": {}, "した": {}, "する": {}, "される": {}, "ている": {}, "いる": {},
	"こと": {}, "もの": {}, "ため": {}, "よう": {}, "など": {}, "これ": {}, "それ": {},
	// English
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {}, "will": {}, "would": {},
	"could": {}, "should": {}, "may": {}, "might": {}, "can": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "what": {}, "which": {}, "who": {}, "whom": {}, "whose": {},
	"where": {}, "when": {}, "why": {}, "how": {}, "and": {}, "or": {}, "but": {}, "if": {},
	"then": {}, "else": {}, "for": {}, "of": {}, "to": {}, "from": {}, "by": {}, "with": {},
}

var wordSplitRe = regexp.MustCompile(`[\s、。,.\-:;()（）「」『』]+`)

func decomposeRules(question string) DecompositionResult {
	var out []AtomicClaim
	for _, segment := range splitByConjunctions(question) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		ctype := inferClaimType(segment)
		keywords := extractKeywords(segment)
		out = append(out, AtomicClaim{
			ID:                models.NewID("c"),
			Text:              segment,
			ExpectedPolarity:  inferPolarity(segment),
			Granularity:       models.GranularityAtomic,
			ClaimType:         ctype,
			SourceQuestion:    question,
			Confidence:        0.7,
			Keywords:          keywords,
			VerificationHints: hintsFor(ctype),
		})
	}
	// A question that defies splitting yields one composite claim covering
	// the whole input at half confidence.
	if len(out) == 0 {
		out = append(out, AtomicClaim{
			ID:                models.NewID("c"),
			Text:              question,
			ExpectedPolarity:  models.PolarityNeutral,
			Granularity:       models.GranularityComposite,
			ClaimType:         models.ClaimFactual,
			SourceQuestion:    question,
			Confidence:        0.5,
			Keywords:          extractKeywords(question),
			VerificationHints: []string{"general web search"},
		})
	}
	return DecompositionResult{
		OriginalQuestion: question,
		Claims:           out,
		Method:           "rule_based",
		Success:          true,
	}
}

// splitByConjunctions cuts the text at conjunctions and punctuation and
// drops fragments too short to stand as claims.
func splitByConjunctions(text string) []string {
	segments := []string{text}
	for _, re := range splitPatterns {
		var next []string
		for _, seg := range segments {
			next = append(next, re.Split(seg, -1)...)
		}
		segments = next
	}
	var out []string
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if len([]rune(seg)) > 5 {
			out = append(out, seg)
		}
	}
	return out
}

func inferPolarity(text string) models.ClaimPolarity {
	lower := strings.ToLower(text)
	for _, re := range negativePatterns {
		if re.MatchString(lower) {
			return models.PolarityNegative
		}
	}
	for _, re := range questionPatterns {
		if re.MatchString(lower) {
			return models.PolarityNeutral
		}
	}
	return models.PolarityPositive
}

func inferClaimType(text string) models.ClaimType {
	lower := strings.ToLower(text)
	for _, re := range temporalPatterns {
		if re.MatchString(lower) {
			return models.ClaimTemporal
		}
	}
	for _, re := range quantPatterns {
		if re.MatchString(lower) {
			return models.ClaimQuantitative
		}
	}
	for _, re := range compPatterns {
		if re.MatchString(lower) {
			return models.ClaimComparative
		}
	}
	for _, re := range causalPatterns {
		if re.MatchString(lower) {
			return models.ClaimCausal
		}
	}
	for _, re := range defPatterns {
		if re.MatchString(lower) {
			return models.ClaimDefinitional
		}
	}
	return models.ClaimFactual
}

// extractKeywords drops stopwords and short tokens, preserving input order,
// capped at 10 unique keywords.
func extractKeywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, word := range wordSplitRe.Split(text, -1) {
		word = strings.TrimSpace(word)
		if word == "" || len([]rune(word)) < 2 {
			continue
		}
		if _, stop := stopwords[strings.ToLower(word)]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		out = append(out, word)
		if len(out) == 10 {
			break
		}
	}
	return out
}

func hintsFor(ctype models.ClaimType) []string {
	switch ctype {
	case models.ClaimTemporal:
		return []string{"timelines and chronologies", "archival snapshots"}
	case models.ClaimQuantitative:
		return []string{"official statistics and reports", "academic surveys"}
	case models.ClaimComparative:
		return []string{"comparative analyses", "review articles"}
	case models.ClaimCausal:
		return []string{"research papers", "expert commentary"}
	case models.ClaimDefinitional:
		return []string{"glossaries and dictionaries", "official documentation"}
	default:
		return []string{"official announcements", "reputable news sources"}
	}
}
