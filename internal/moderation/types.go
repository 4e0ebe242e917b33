package moderation

import "fmt"

// Verdict is the outcome of classifying one piece of content. The zero value
// is VerdictUnknown so that an unset verdict is never mistaken for Safe.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictSafe
	VerdictUnsafe
)

func (v Verdict) String() string {
	switch v {
	case VerdictSafe:
		return "safe"
	case VerdictUnsafe:
		return "unsafe"
	default:
		return "unknown"
	}
}

// Task selects which prompt and model a Request is classified with.
type Task string

const (
	TaskText     Task = "text"
	TaskUsername Task = "username"
	TaskImage    Task = "image"
)

// Image is an image payload, either inline bytes or a URL to fetch.
type Image struct {
	Data []byte
	URL  string
	MIME string
}

// Request is a classification request produced by Normalize.
type Request struct {
	Task   Task
	Prompt string
	// Text holds the message body or username. Empty for image requests.
	Text   string
	Image  *Image
	Vision bool
}

// Label is the line prefix placed in front of the content when the request
// is rendered into a model prompt.
func (r Request) Label() string {
	switch r.Task {
	case TaskUsername:
		return "Username to analyze"
	case TaskImage:
		return "Image description to analyze"
	default:
		return "Message to analyze"
	}
}

// UnsupportedContentError is returned by Normalize when an event carries no
// content the classifier can evaluate.
type UnsupportedContentError struct {
	Kind   Kind
	Reason string
}

func (e *UnsupportedContentError) Error() string {
	return fmt.Sprintf("moderation: unsupported %s content: %s", e.Kind, e.Reason)
}
