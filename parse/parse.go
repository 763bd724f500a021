// Package parse turns the analysis model's free-text reply into a
// human-readable narrative plus a best-effort structured field map.
//
// The model is prompted to answer in two sections:
//
//	**ANALYSIS**
//	<narrative text>
//	**STRUCTURED_DATA**
//	{"advertiser_name": "...", "headline": "...", ...}
//
// Models drift from that contract constantly, so parsing degrades instead of
// failing: a missing delimiter yields the whole reply as narrative, and
// malformed JSON falls back to per-field regex extraction. Parse never
// returns an error.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/adscope/adscope/record"
)

// Section markers the model is prompted to emit.
const (
	StructuredDelimiter = "**STRUCTURED_DATA**"
	analysisLabel       = "**ANALYSIS**"
	analysisLabelAlt    = "ANALYSIS:"
)

// Result is the parsed reply. Structured is never nil; fields that could not
// be extracted are simply absent.
type Result struct {
	Analysis   string
	Structured map[string]string
}

// braceSpan matches the shortest top-level {...} span in the structured
// section. Non-greedy so trailing prose after the JSON does not widen it.
var braceSpan = regexp.MustCompile(`(?s)\{.*?\}`)

// fieldPatterns are the fallback extractors, one per known field, each
// matching a key:value shape with optional quoting, case-insensitively.
var fieldPatterns = map[string]*regexp.Regexp{
	record.FieldAdvertiserName: fieldPattern(`advertiser_name|advertiser|company|brand`),
	record.FieldHeadline:       fieldPattern(`headline|title`),
	record.FieldDescription:    fieldPattern(`description|summary|body`),
	record.FieldCallToAction:   fieldPattern(`call_to_action|cta`),
	record.FieldProductService: fieldPattern(`product_service|product|service|offering`),
}

func fieldPattern(synonyms string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)["']?\b(?:` + synonyms + `)\b["']?\s*:\s*["']?([^"'` + "\r\n" + `,}]*)`)
}

// Parse splits raw into narrative and structured fields.
func Parse(raw string) Result {
	idx := strings.Index(raw, StructuredDelimiter)
	if idx < 0 {
		return Result{Analysis: raw, Structured: map[string]string{}}
	}

	analysis := stripLabels(raw[:idx])
	structured := parseStructured(raw[idx+len(StructuredDelimiter):])
	return Result{Analysis: analysis, Structured: structured}
}

// stripLabels removes the analysis section label (either form) from the
// narrative head.
func stripLabels(head string) string {
	head = strings.TrimSpace(head)
	head = strings.TrimPrefix(head, analysisLabel)
	head = strings.TrimSpace(head)
	head = strings.TrimPrefix(head, analysisLabelAlt)
	return strings.TrimSpace(head)
}

// parseStructured attempts strict JSON decoding of the first brace span,
// then falls back to per-field regex extraction over the whole tail.
func parseStructured(tail string) map[string]string {
	if span := braceSpan.FindString(tail); span != "" {
		if m := decodeStrict(span); m != nil {
			return m
		}
	}
	return extractFields(tail)
}

// decodeStrict decodes a JSON object into a string map. Non-string values
// are stringified; a decode failure returns nil so the caller can fall back.
func decodeStrict(span string) map[string]string {
	var generic map[string]any
	if err := json.Unmarshal([]byte(span), &generic); err != nil {
		return nil
	}
	out := make(map[string]string, len(generic))
	for k, v := range generic {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			// Explicit null means the model could not extract the field.
		default:
			enc, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[k] = string(enc)
		}
	}
	return out
}

// extractFields runs the fallback patterns independently. Partial extraction
// is expected: fields absent from the text are omitted, never errors.
func extractFields(tail string) map[string]string {
	out := map[string]string{}
	for field, pat := range fieldPatterns {
		m := pat.FindStringSubmatch(tail)
		if m == nil {
			continue
		}
		val := strings.TrimSpace(strings.Trim(m[1], `"' `))
		if val != "" {
			out[field] = val
		}
	}
	return out
}
