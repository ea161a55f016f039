package keywords

import (
	"regexp"
	"strings"
)

// Triggers are tried in order; the first usable capture wins.
var overrideTriggers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\buse\s+the\s+(?:key\s*words?|search\s+terms?|phrase)\s*:?\s*(.+)`),
	regexp.MustCompile(`(?i)\b(?:just\s+|only\s+)?use\s+(.+)`),
	regexp.MustCompile(`(?i)\btry\s+(.+)`),
}

// A trigger preceded by one of these is a prohibition, not an override.
var negation = regexp.MustCompile(`(?i)\b(?:don'?t|don’t|do\s+not|does\s+not|doesn'?t|never|no|not|avoid|stop|shouldn'?t|should\s+not|can'?t|cannot)(?:\s+(?:ever|even|just|only))?\s*$`)

// "X only" is matched on each clause separately.
var onlySuffix = regexp.MustCompile(`(?i)^(?:just\s+)?(.+?)\s+only$`)

var clauseBreak = regexp.MustCompile(`[.,;:!?\n()]`)

var connectors = map[string]bool{
	"instead": true, "please": true, "as": true, "for": true, "rather": true,
	"because": true, "since": true, "but": true, "so": true,
}

// Captures opening with these words are instructions, not phrases.
var vagueWords = map[string]bool{
	"to": true, "something": true, "different": true, "another": true, "more": true,
	"less": true, "other": true, "some": true, "better": true, "new": true,
	"broader": true, "narrower": true, "again": true, "it": true, "this": true,
	"that": true, "these": true, "those": true, "a": true, "an": true,
	"the": true, "fewer": true, "similar": true, "anything": true,
	"focusing": true, "using": true, "searching": true, "looking": true, "adding": true,
	"including": true, "making": true, "being": true, "going": true, "getting": true,
	"removing": true, "changing": true, "targeting": true, "keeping": true, "avoiding": true,
	"narrowing": true, "broadening": true, "widening": true, "finding": true, "thinking": true,
	"dropping": true, "sticking": true,
}

// DetectOverride looks for an explicit phrase in editor feedback, such as
// "JUST use dollcore" or "try 'gothic fashion' instead". It returns the
// phrase and true when the editor named one.
func DetectOverride(feedback string) (string, bool) {
	fb := strings.TrimSpace(feedback)
	if fb == "" {
		return "", false
	}
	for _, re := range overrideTriggers {
		for _, m := range re.FindAllStringSubmatchIndex(fb, -1) {
			if negation.MatchString(fb[:m[0]]) {
				continue
			}
			if phrase, ok := capture(fb[m[2]:m[3]]); ok {
				return phrase, true
			}
		}
	}
	for _, clause := range clauseBreak.Split(fb, -1) {
		m := onlySuffix.FindStringSubmatch(strings.TrimSpace(clause))
		if m == nil {
			continue
		}
		if phrase, ok := capture(m[1]); ok {
			return phrase, true
		}
	}
	return "", false
}

// capture extracts the phrase that follows a trigger.
func capture(rest string) (string, bool) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}
	if q, ok := quoted(rest); ok {
		return q, q != ""
	}
	if loc := clauseBreak.FindStringIndex(rest); loc != nil {
		rest = rest[:loc[0]]
	}
	var words []string
	for _, w := range strings.Fields(rest) {
		if connectors[strings.ToLower(w)] {
			break
		}
		words = append(words, w)
	}
	if len(words) == 0 || vagueWords[strings.ToLower(words[0])] {
		return "", false
	}
	return strings.Join(words, " "), true
}

// quoted returns the text inside a leading quote pair.
func quoted(s string) (string, bool) {
	r := []rune(s)
	open := r[0]
	if !strings.ContainsRune(quoteChars, open) {
		return "", false
	}
	for i := 1; i < len(r); i++ {
		if strings.ContainsRune(quoteChars, r[i]) {
			return strings.TrimSpace(string(r[1:i])), true
		}
	}
	return "", false
}
