package moderation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// virusAlertPattern and supportActionPattern together describe the classic
	// "your device is infected, call this number" screenshot.
	virusAlertPattern    = regexp.MustCompile(`(?i)\b(virus|malware|infected|detected|alert|warning|security)\b`)
	supportActionPattern = regexp.MustCompile(`(?i)\b(call|support|clean|fix|remove)\b`)

	cashAmountPattern = regexp.MustCompile(`\$\s?\d{3,}`)

	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// DefaultScamKeywords are phrases that mark an image description as a scam.
var DefaultScamKeywords = []string{
	"gift card", "congratulations", "winner", "prize", "claim your",
	"free money", "lottery", "jackpot", "lucky draw", "promotion code",
	"special offer", "limited time",
	"investment opportunity", "bitcoin", "crypto", "easy money", "double your",
	"click here", "call now", "act immediately",
	"virus detected", "malware", "security breach", "hacked", "trojan",
	"ransomware", "your device", "your computer", "your account has been",
	"unauthorized access", "technical support", "clean your", "scan your",
	"fix your",
}

// DefaultUnsafeSubjects are subjects that are never acceptable in an image.
var DefaultUnsafeSubjects = []string{
	"nudity", "pornography", "explicit", "sexual", "naked", "nsfw",
	"violence", "gore", "blood", "weapon", "terrorist", "suicide",
	"self-harm", "drugs", "drug use", "illegal substances",
}

// patternCheck pairs a detection function with the reason reported on a hit.
type patternCheck struct {
	name   string
	reason string
	match  func(string) bool
}

// patternChecks run before the keyword lists. The first match wins.
var patternChecks = []patternCheck{
	{name: "tech_support", reason: "Image appears to be a tech support scam", match: func(text string) bool {
		return virusAlertPattern.MatchString(text) && supportActionPattern.MatchString(text)
	}},
	{name: "cash_amount", reason: "Image appears to promise a cash payout", match: cashAmountPattern.MatchString},
	{name: "phone_callback", reason: "Image asks viewers to call a phone number", match: func(text string) bool {
		return phonePattern.MatchString(text) && supportActionPattern.MatchString(text)
	}},
}

// Prescreen flags image descriptions that are obviously unsafe without asking
// the classifier.
type Prescreen struct {
	scams    *Filter
	subjects *Filter
}

// NewPrescreen builds a prescreen. Nil lists fall back to the defaults.
func NewPrescreen(scamKeywords, unsafeSubjects []string) *Prescreen {
	if scamKeywords == nil {
		scamKeywords = DefaultScamKeywords
	}
	if unsafeSubjects == nil {
		unsafeSubjects = DefaultUnsafeSubjects
	}
	return &Prescreen{
		scams:    newFilter(scamKeywords, "scam_keyword"),
		subjects: newFilter(unsafeSubjects, "unsafe_subject"),
	}
}

// Check returns a blocking result and a human-readable reason when the
// description matches a scam pattern, a scam keyword or an unsafe subject.
func (p *Prescreen) Check(description string) (FilterResult, string) {
	text := strings.ToLower(description)
	for _, pc := range patternChecks {
		if pc.match(text) {
			return FilterResult{Blocked: true, Reason: "scam_pattern", Term: pc.name}, pc.reason
		}
	}
	if res := p.scams.Check(text); res.Blocked {
		return res, fmt.Sprintf("Image appears to be a scam offering '%s'", res.Term)
	}
	if res := p.subjects.Check(text); res.Blocked {
		return res, fmt.Sprintf("Image contains inappropriate content: '%s'", res.Term)
	}
	return FilterResult{}, ""
}
