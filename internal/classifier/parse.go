package classifier

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/sheriffbot/sheriff/internal/moderation"
)

// verdictWord matches whole-word verdict tokens. "not safe" counts as unsafe
// and "not unsafe" as safe.
var verdictWord = regexp.MustCompile(`(?i)\b(not\s+unsafe|not\s+safe|unsafe|safe)\b`)

// ParseVerdict maps a raw model reply to a verdict and, for unsafe replies,
// the stated reason.
//
// A reply that starts with a verdict token (leading punctuation ignored) is
// decided by that token, unless the opposite token appears later outside a
// "TOKEN: reason" section. Any other reply is scanned for whole-word tokens
// and exactly one distinct kind must appear. Everything else is Unknown.
func ParseVerdict(raw string) (moderation.Verdict, string) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return moderation.VerdictUnknown, ""
	}

	lead := strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, v := range []moderation.Verdict{moderation.VerdictUnsafe, moderation.VerdictSafe} {
		rest, ok := cutWord(lead, v.String())
		if !ok {
			continue
		}
		body := strings.TrimLeft(rest, emphasis+" \t\r\n")
		if !strings.HasPrefix(body, ":") && tally(rest)[opposite(v)] > 0 {
			return moderation.VerdictUnknown, ""
		}
		if v == moderation.VerdictUnsafe {
			return v, cleanReason(body)
		}
		return v, ""
	}

	kinds := tally(s)
	switch {
	case len(kinds) != 1:
		return moderation.VerdictUnknown, ""
	case kinds[moderation.VerdictUnsafe] > 0:
		return moderation.VerdictUnsafe, ""
	default:
		return moderation.VerdictSafe, ""
	}
}

// cutWord reports whether s starts with word as a whole word, ignoring case,
// and returns the remainder.
func cutWord(s, word string) (string, bool) {
	if len(s) < len(word) || !strings.EqualFold(s[:len(word)], word) {
		return "", false
	}
	rest := s[len(word):]
	for _, r := range rest {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return "", false
		}
		break
	}
	return rest, true
}

// tally counts verdict tokens in s by the verdict they denote.
func tally(s string) map[moderation.Verdict]int {
	out := make(map[moderation.Verdict]int)
	for _, m := range verdictWord.FindAllString(s, -1) {
		m = strings.ToLower(m)
		negated := strings.HasPrefix(m, "not")
		if strings.HasSuffix(m, "unsafe") == negated {
			out[moderation.VerdictSafe]++
		} else {
			out[moderation.VerdictUnsafe]++
		}
	}
	return out
}

func opposite(v moderation.Verdict) moderation.Verdict {
	if v == moderation.VerdictSafe {
		return moderation.VerdictUnsafe
	}
	return moderation.VerdictSafe
}

// emphasis is markdown the model wraps tokens and reasons in.
const emphasis = "*_`"

func cleanReason(s string) string {
	s = strings.TrimLeft(s, " \t\r\n:-–—!.,"+emphasis)
	return strings.TrimSpace(strings.TrimRight(s, " \t\r\n"+emphasis))
}
