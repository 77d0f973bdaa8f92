// Package bounce classifies SMTP delivery failures into hard (permanent,
// never retried) and soft (transient, retried with backoff) bounces.
package bounce

import (
	"regexp"
	"strings"
)

// Class is the outcome of classifying one delivery failure.
type Class int

const (
	// ClassSoft means transient: full mailbox, greylisting, temporary
	// outage. Eligible for retry.
	ClassSoft Class = iota
	// ClassHard means permanent: the address is invalid or rejected.
	// The recipient must never be retried.
	ClassHard
)

func (c Class) String() string {
	if c == ClassHard {
		return "hard"
	}
	return "soft"
}

// hardCodes are SMTP basic and enhanced status codes that always mean a
// dead address, regardless of the message text.
var hardCodes = map[string]struct{}{
	"550":   {},
	"551":   {},
	"553":   {},
	"5.1.1": {},
	"5.1.2": {},
	"5.4.4": {},
}

var enhancedCodeRe = regexp.MustCompile(`\b\d\.\d{1,3}\.\d{1,3}\b`)

var hardPhrases = []string{
	"user unknown",
	"no such user",
	"address rejected",
	"recipient address rejected",
	"does not exist",
	"invalid recipient",
	"unknown recipient",
}

var softPhrases = []string{
	"mailbox full",
	"quota exceeded",
	"try again later",
	"temporarily unavailable",
	"greylisted",
	"too many connections",
	"rate limited",
}

// Classify maps a transport failure to a bounce class. Code matching wins
// over text matching; the default for unrecognized failures is soft, so an
// unknown error costs at most the retry budget rather than the recipient.
func Classify(smtpCode, messageText string) Class {
	if _, ok := hardCodes[smtpCode]; ok {
		return ClassHard
	}
	for _, code := range enhancedCodeRe.FindAllString(messageText, -1) {
		if _, ok := hardCodes[code]; ok {
			return ClassHard
		}
	}

	text := strings.ToLower(messageText)
	for _, phrase := range hardPhrases {
		if strings.Contains(text, phrase) {
			return ClassHard
		}
	}
	for _, phrase := range softPhrases {
		if strings.Contains(text, phrase) {
			return ClassSoft
		}
	}
	return ClassSoft
}
