// Package cues scans message text for the signals the persona reacts
// to: creepy remarks worth gossiping about, life events worth
// remembering, conversation topics, requests to contact someone else,
// and first impressions drawn from a contact's name.
package cues

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

// weirdKeywords mark messages stored as gossip evidence.
var weirdKeywords = []string{
	"i like you", "love you", "date me", "sexy", "hot", "marry me",
	"be my girlfriend", "you are beautiful", "wanna hook up",
	"your boyfriend", "your girlfriend",
}

// importantKeywords mark life events worth remembering.
var importantKeywords = []string{
	"birthday", "anniversary", "breakup", "new job", "moved", "travel", "sick", "family",
}

// topicKeywords are tracked as conversation topics.
var topicKeywords = []string{
	"music", "art", "biology", "school", "friends", "family", "relationship", "food",
}

var (
	chatKeywords  = []string{"chat with", "message", "text", "talk to", "contact", "reach out to"}
	introKeywords = []string{"do you know", "you know", "are you friends with", "are you connected with"}
)

// MemoryExcerptLen bounds the message excerpt kept with a memory.
const MemoryExcerptLen = 100

// DefaultCountryCode is prefixed to phone numbers written without one.
const DefaultCountryCode = "+60"

func wordPattern(kw string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
}

func compileAll(kws []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(kws))
	for i, kw := range kws {
		out[i] = wordPattern(kw)
	}
	return out
}

var (
	weirdPatterns     = compileAll(weirdKeywords)
	importantPatterns = compileAll(importantKeywords)
	topicPatterns     = compileAll(topicKeywords)
)

// WeirdKeyword returns the first creepy keyword found in text. Matches
// are whole-word and case-insensitive, so "photo" does not trip "hot".
func WeirdKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for i, re := range weirdPatterns {
		if re.MatchString(lower) {
			return weirdKeywords[i], true
		}
	}
	return "", false
}

// ImportantMemories returns a "keyword: excerpt" memory for every life
// event keyword in text.
func ImportantMemories(text string) []string {
	lower := strings.ToLower(text)
	excerpt := truncateRunes(text, MemoryExcerptLen)
	var out []string
	for i, re := range importantPatterns {
		if re.MatchString(lower) {
			out = append(out, importantKeywords[i]+": "+excerpt)
		}
	}
	return out
}

// Topics returns the tracked topics mentioned in text.
func Topics(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for i, re := range topicPatterns {
		if re.MatchString(lower) {
			out = append(out, topicKeywords[i])
		}
	}
	return out
}

// IsQuestion reports whether text asks something.
func IsQuestion(text string) bool {
	return strings.Contains(text, "?")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var randomAssumptions = []string{
	"probably uses tiktok too much",
	"definitely watches anime",
	"might be a gamer",
	"probably has weird music taste",
	"could be a cat person",
	"might be introverted",
}

// Assumptions returns first impressions of a new contact from their
// display name and id. With 30% probability (when fewer than three
// were made) one random impression is added. rng may be nil.
func Assumptions(name, contactID string, rng *rand.Rand) []string {
	n := strings.ToLower(name)
	var out []string
	if containsAny(n, "ahmad", "muhammad", "ali") {
		out = append(out, "probably a muslim guy")
	}
	if containsAny(n, "girl", "baby", "princess") {
		out = append(out, "cringey name alert")
	}
	if containsAny(n, "king", "boss", "lord") {
		out = append(out, "thinks he's cool")
	}
	if strings.Contains(contactID, "60") {
		out = append(out, "malaysian number")
	}

	roll, pick := rand.Float64, rand.IntN
	if rng != nil {
		roll, pick = rng.Float64, rng.IntN
	}
	if len(out) < 3 && roll() > 0.7 {
		out = append(out, randomAssumptions[pick(len(randomAssumptions))])
	}
	return out
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var phonePattern = regexp.MustCompile(`(?:^|\s)(?:\+?(\d{1,3})[-.\s]?)?\(?(\d{3})\)?[-.\s]?(\d{3})[-.\s]?(\d{4})`)

// ExtractPhone returns the first phone number in text, normalised to
// digits with a leading country code. Numbers without one get
// DefaultCountryCode with any trunk zero removed.
func ExtractPhone(text string) (string, bool) {
	m := phonePattern.FindString(text)
	if m == "" {
		return "", false
	}
	var sb strings.Builder
	for _, r := range strings.TrimSpace(m) {
		if r == '+' || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	num := sb.String()
	if !strings.HasPrefix(num, "+") {
		num = DefaultCountryCode + strings.TrimPrefix(num, "0")
	}
	return num, true
}

// ChatRequest reports a request to message someone, returning their
// number.
func ChatRequest(text string) (string, bool) {
	return requestFor(text, chatKeywords)
}

// IntroductionRequest reports a question about whether the persona
// knows someone, returning their number.
func IntroductionRequest(text string) (string, bool) {
	return requestFor(text, introKeywords)
}

func requestFor(text string, keywords []string) (string, bool) {
	if !containsAny(strings.ToLower(text), keywords...) {
		return "", false
	}
	return ExtractPhone(text)
}
