// Package keyword extracts a train request from a free-text chat
// message. Detection is a pure function: it either yields exactly a
// destination and a departure time, or a human-readable message that
// the dispatcher relays verbatim to the sender.
package keyword

import (
	"regexp"
	"strings"

	"github.com/joonho-lim/LarkTrain/internal/domain"
)

// Request is a successfully extracted train request. Time keeps the
// user's HH:MM text; localization happens at creation time.
type Request struct {
	Destination string
	Time        string
}

var (
	timePattern    = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)
	mentionPattern = regexp.MustCompile(`^@_user_[0-9]+$`)
)

// Detect parses text into a Request. Exactly one HH:MM token and at
// least one destination token are required; anything else fails with a
// *domain.ValidationError whose message explains what to send instead.
func Detect(text string) (Request, error) {
	var times, words []string
	for _, token := range strings.Fields(text) {
		switch {
		case mentionPattern.MatchString(token):
			// Bot mentions are noise, not destination words.
		case timePattern.MatchString(token):
			times = append(times, token)
		default:
			words = append(words, token)
		}
	}

	switch {
	case len(times) == 0:
		return Request{}, &domain.ValidationError{
			Msg: `I couldn't find a departure time. Tell me where and when, e.g. "Gangnam 18:30".`,
		}
	case len(times) > 1:
		return Request{}, &domain.ValidationError{
			Msg: "I found more than one time in your message. Give me a single departure time, e.g. 18:30.",
		}
	case len(words) == 0:
		return Request{}, &domain.ValidationError{
			Msg: `I couldn't find a destination. Tell me where and when, e.g. "Gangnam 18:30".`,
		}
	}

	return Request{
		Destination: strings.Join(words, " "),
		Time:        times[0],
	}, nil
}
