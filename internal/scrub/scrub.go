// Package scrub implements the PII scrubber (C6): a deterministic,
// idempotent ordered rule set that redacts sensitive patterns from
// free text before it is sent to the AI enrichment client (spec.md
// §4.6). Work order narratives arrive in English, German, French,
// Chinese, and Japanese, so the name rule covers Western honorific
// prefixes alongside CJK honorific suffixes. No third-party PII
// library exists anywhere in the retrieved corpus, so this is a
// standard-library regexp implementation — recorded and justified in
// DESIGN.md.
package scrub

import (
	"regexp"
)

// Span records one redaction for audit purposes. Per spec.md §4.6,
// spans are retained for auditing but never persisted with the
// enriched record.
type Span struct {
	Category string
	Start    int
	End      int
	Original string
}

type rule struct {
	category string
	pattern  *regexp.Regexp
}

// Scrubber holds the ordered rule set. Order matters: more specific
// patterns (labeled identifiers) run before generic ones (bare
// numbers) so a government ID isn't first mangled by a phone-number
// rule.
type Scrubber struct {
	rules []rule
}

// New builds the default Scrubber covering the categories spec.md
// §4.6 names: emails, phone numbers (with extensions and international
// forms), government/insurance identifiers, device serials with known
// label prefixes, postal addresses, and full person names. Person
// names are matched two ways: a Western honorific (English/German/
// French) followed by a Latin-script name, and a CJK name followed by
// an honorific suffix, since Chinese and Japanese place the title
// after the name rather than before it.
func New() *Scrubber {
	return &Scrubber{rules: []rule{
		{"EMAIL", regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)},
		{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{"INSURANCE_ID", regexp.MustCompile(`(?i)\b(?:member|policy|insurance|versicherung|assurance)\s*(?:id|#|no\.?|nr\.?)\s*[:#]?\s*[A-Z0-9\-]{6,}\b`)},
		{"SERIAL", regexp.MustCompile(`(?i)\b(?:s/n|serial(?:\s*(?:no\.?|number|#))?|seriennummer)\s*[:#]?\s*[A-Z0-9\-]{4,}\b`)},
		{"PHONE", regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?\(?\d{2,4}\)?[\s.\-]?\d{3,4}[\s.\-]?\d{3,4}(?:\s*(?:ext|x)\.?\s*\d{1,6})?`)},
		{"POSTAL_ADDRESS", regexp.MustCompile(`(?i)\b\d{1,6}\s+[\p{L}0-9.\-]+(?:\s+[\p{L}0-9.\-]+){0,3}\s+(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|straße|strasse|weg|platz|rue|allée|chemin)\b\.?`)},
		{"PERSON_NAME", regexp.MustCompile(`(?i)\b(?:mr|mrs|ms|dr|mx|herr|frau|prof|mme|mlle|m)\.?\s+\p{Lu}[\p{L}'\-]+(?:\s+\p{Lu}[\p{L}'\-]+)?\b`)},
		{"PERSON_NAME_CJK", regexp.MustCompile(`[\p{Han}\p{Hiragana}\p{Katakana}]{2,4}(?:先生|女士|博士|医生|様|さん)`)},
	}}
}

// Scrub redacts every matching span in text, replacing it with
// [REDACTED:CATEGORY], and returns the redacted text plus the spans
// that were found (against the original text's offsets).
//
// Deterministic and idempotent: Scrub(Scrub(x).Text) == Scrub(x).Text,
// because the replacement token [REDACTED:*] never matches any rule
// in the set (no rule matches the literal substring "REDACTED").
func (s *Scrubber) Scrub(text string) (string, []Span) {
	var spans []Span
	out := text
	for _, r := range s.rules {
		locs := r.pattern.FindAllStringIndex(out, -1)
		if locs == nil {
			continue
		}
		var b []byte
		last := 0
		for _, loc := range locs {
			start, end := loc[0], loc[1]
			spans = append(spans, Span{Category: r.category, Start: start, End: end, Original: out[start:end]})
			b = append(b, out[last:start]...)
			b = append(b, []byte("[REDACTED:"+r.category+"]")...)
			last = end
		}
		b = append(b, out[last:]...)
		out = string(b)
	}
	return out, spans
}
