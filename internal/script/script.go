// Package script parses the model's action script: an [ACTION_BLOCK]
// holding an ordered list of tagged actions such as
//
//	[ACTION_BLOCK][TEXT]omg[/TEXT][REACT]😂[/REACT][FORWARD_GOSSIP][/FORWARD_GOSSIP][/ACTION_BLOCK]
//
// Parsing never fails. Text without a block becomes one TEXT action,
// unknown tags are skipped, and reactions outside the allow-list are
// dropped.
package script

import (
	"regexp"
	"strings"
)

// Kind is the type of one action.
type Kind int

// Action kinds.
const (
	Text Kind = iota
	Rant
	Sulk
	Ponder
	React
	ForwardGossip
	Remember
	Search
	Ignore
	Calm
)

var kindNames = [...]string{
	Text:          "TEXT",
	Rant:          "RANT",
	Sulk:          "SULK",
	Ponder:        "PONDER",
	React:         "REACT",
	ForwardGossip: "FORWARD_GOSSIP",
	Remember:      "REMEMBER",
	Search:        "SEARCH",
	Ignore:        "IGNORE",
	Calm:          "CALM",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "UNKNOWN"
	}
	return kindNames[k]
}

// IsMessage reports whether the kind sends a text message.
func (k Kind) IsMessage() bool {
	switch k {
	case Text, Rant, Sulk, Ponder:
		return true
	}
	return false
}

// selfClosing kinds take no payload.
func (k Kind) selfClosing() bool {
	return k == Ignore || k == Calm
}

// tagKinds maps upper-case tag names to kinds. FORWARD is the older
// spelling of FORWARD_GOSSIP.
var tagKinds = map[string]Kind{
	"TEXT":           Text,
	"RANT":           Rant,
	"SULK":           Sulk,
	"PONDER":         Ponder,
	"REACT":          React,
	"FORWARD_GOSSIP": ForwardGossip,
	"FORWARD":        ForwardGossip,
	"REMEMBER":       Remember,
	"SEARCH":         Search,
	"IGNORE":         Ignore,
	"CALM":           Calm,
}

// Token is one parsed action.
type Token struct {
	Kind    Kind
	Payload string
}

// Script is a parsed response.
type Script struct {
	Tokens []Token
	// Ignore is set when the block contains IGNORE anywhere. The
	// response must send nothing.
	Ignore bool
	// Wrapped reports whether an ACTION_BLOCK was found. False means
	// the raw text was used as a single TEXT action.
	Wrapped bool
}

// Messages counts the message tokens.
func (s Script) Messages() int {
	n := 0
	for _, t := range s.Tokens {
		if t.Kind.IsMessage() {
			n++
		}
	}
	return n
}

var (
	blockOpen  = regexp.MustCompile(`(?i)\[ACTION_BLOCK\]`)
	blockClose = regexp.MustCompile(`(?i)\[/ACTION_BLOCK\]`)
	tagPattern = regexp.MustCompile(`\[(/?)([A-Za-z_]+)\]`)
)

// Parse turns raw model output into a Script.
func Parse(raw string) Script {
	loc := blockOpen.FindStringIndex(raw)
	if loc == nil {
		text := strings.TrimSpace(raw)
		if text == "" {
			return Script{}
		}
		return Script{Tokens: []Token{{Kind: Text, Payload: text}}}
	}

	body := raw[loc[1]:]
	if end := blockClose.FindStringIndex(body); end != nil {
		body = body[:end[0]]
	}

	s := Script{Wrapped: true}
	tags := tagPattern.FindAllStringSubmatchIndex(body, -1)

	for i := 0; i < len(tags); i++ {
		m := tags[i]
		closing := body[m[2]:m[3]] == "/"
		kind, known := tagKinds[strings.ToUpper(body[m[4]:m[5]])]
		if closing || !known {
			continue
		}

		if kind.selfClosing() {
			if kind == Ignore {
				s.Ignore = true
			}
			s.Tokens = append(s.Tokens, Token{Kind: kind})
			if i+1 < len(tags) && isCloseOf(body, tags[i+1], kind) {
				i++
			}
			continue
		}

		// The payload runs to this tag's close, or to the next
		// recognised opening tag when the model left it unclosed.
		start, stop, next := m[1], len(body), len(tags)
		for j := i + 1; j < len(tags); j++ {
			if isCloseOf(body, tags[j], kind) {
				stop, next = tags[j][0], j
				break
			}
			if isKnownOpen(body, tags[j]) {
				stop, next = tags[j][0], j-1
				break
			}
		}
		i = next

		if tok, ok := makeToken(kind, body[start:stop]); ok {
			s.Tokens = append(s.Tokens, tok)
		}
	}
	return s
}

func isCloseOf(body string, m []int, kind Kind) bool {
	if body[m[2]:m[3]] != "/" {
		return false
	}
	k, ok := tagKinds[strings.ToUpper(body[m[4]:m[5]])]
	return ok && k == kind
}

func isKnownOpen(body string, m []int) bool {
	if body[m[2]:m[3]] == "/" {
		return false
	}
	_, ok := tagKinds[strings.ToUpper(body[m[4]:m[5]])]
	return ok
}

func makeToken(kind Kind, payload string) (Token, bool) {
	payload = strings.TrimSpace(payload)
	switch {
	case kind == React:
		emoji, ok := AllowedReaction(payload)
		if !ok {
			return Token{}, false
		}
		return Token{Kind: React, Payload: emoji}, true
	case kind == ForwardGossip:
		// The forwarded item is always looked up, never taken from
		// the model.
		return Token{Kind: ForwardGossip}, true
	case payload == "":
		return Token{}, false
	default:
		return Token{Kind: kind, Payload: payload}, true
	}
}

// reactions is the emoji allow-list, keyed without variation
// selectors.
var reactions = map[string]string{
	"👍": "👍",
	"😂": "😂",
	"\u2764": "\u2764\uFE0F",
	"😮": "😮",
	"🤔": "🤔",
	"🙏": "🙏",
	"😊": "😊",
	"🙄": "🙄",
}

// AllowedReaction normalises an emoji and reports whether it is on the
// allow-list.
func AllowedReaction(s string) (string, bool) {
	key := strings.TrimSpace(strings.ReplaceAll(s, "\uFE0F", ""))
	emoji, ok := reactions[key]
	return emoji, ok
}
