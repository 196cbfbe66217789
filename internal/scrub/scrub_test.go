package scrub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrubEmail(t *testing.T) {
	s := New()
	out, spans := s.Scrub("Contact jane.doe@example.com for details.")
	assert.Contains(t, out, "[REDACTED:EMAIL]")
	assert.NotContains(t, out, "jane.doe@example.com")
	assert.Len(t, spans, 1)
	assert.Equal(t, "EMAIL", spans[0].Category)
}

func TestScrubIdempotent(t *testing.T) {
	s := New()
	text := "Reach Mr. John Smith at john.smith@example.com or 555-123-4567."
	once, _ := s.Scrub(text)
	twice, _ := s.Scrub(once)
	assert.Equal(t, once, twice, "scrub(scrub(x)) must equal scrub(x)")
}

func TestScrubPreservesUnrelatedText(t *testing.T) {
	s := New()
	out, _ := s.Scrub("Compressor unit failed on line 3, issue type: leak.")
	assert.Equal(t, "Compressor unit failed on line 3, issue type: leak.", out)
}

func TestScrubSerialPrefix(t *testing.T) {
	s := New()
	out, spans := s.Scrub("Replaced part, Serial No: AB12-9988.")
	assert.Contains(t, out, "[REDACTED:SERIAL]")
	assert.Equal(t, 1, len(spans))
}

// multiLanguageFixture pins PERSON_NAME/PERSON_NAME_CJK coverage across
// the languages work order narratives arrive in (spec.md §4.6, §8).
var multiLanguageFixture = []struct {
	lang     string
	text     string
	redacted string // substring expected to disappear
}{
	{"english", "Please contact Mr. John Carter about the valve.", "John Carter"},
	{"german", "Bitte kontaktieren Sie Herr Schneider wegen der Pumpe.", "Schneider"},
	{"french", "Merci de contacter Mme Dubois pour la maintenance.", "Dubois"},
	{"chinese", "请联系张伟先生处理设备故障。", "张伟先生"},
	{"japanese", "田中太郎様に連絡してください。", "田中太郎様"},
}

func TestScrubPersonNameMultiLanguage(t *testing.T) {
	s := New()
	for _, tc := range multiLanguageFixture {
		t.Run(tc.lang, func(t *testing.T) {
			out, spans := s.Scrub(tc.text)
			assert.NotContains(t, out, tc.redacted, "name should be redacted")
			assert.NotEmpty(t, spans, "expected at least one redaction span")
		})
	}
}

func TestScrubPersonNameMultiLanguageIdempotent(t *testing.T) {
	s := New()
	for _, tc := range multiLanguageFixture {
		once, _ := s.Scrub(tc.text)
		twice, _ := s.Scrub(once)
		assert.Equal(t, once, twice, "scrub(scrub(x)) must equal scrub(x) for "+tc.lang)
	}
}
