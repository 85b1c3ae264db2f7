// Package normalize strips quoted history, forwarding headers and signature
// blocks from inbound message text. Every detector downstream sees only the
// normalized text.
package normalize

import (
	"regexp"
	"strings"
)

var (
	quotedLine      = regexp.MustCompile(`^\s*>`)
	replyHeader     = regexp.MustCompile(`(?i)^(on\s.+wrote:|am\s.+schrieb.*:)\s*$`)
	replyHeaderHead = regexp.MustCompile(`(?i)^(on|am)\s.+`)
	replyHeaderTail = regexp.MustCompile(`(?i)(wrote|schrieb[^:]*):\s*$`)
	forwardMarker   = regexp.MustCompile(`(?i)^(-{2,}\s*(original message|forwarded message)\s*-{2,}|begin forwarded message:)\s*$`)
	outlookFrom     = regexp.MustCompile(`(?i)^(from|von):\s+\S+`)
	outlookNext     = regexp.MustCompile(`(?i)^(sent|date|to|gesendet|an|subject):\s*`)
	sigDelimiter    = regexp.MustCompile(`^--$`)
	signOff         = regexp.MustCompile(`(?i)^((best|kind|warm|many)\s+)?(regards|wishes|thanks)[,.!]?$|^(thanks|thank you|cheers|best|sincerely|regards|greetings)[,.!]?$`)
)

const (
	maxSignatureLines = 4
	maxSignatureWidth = 48
)

// Normalize returns the text the client actually wrote in this message.
// It is idempotent and never removes content that is not recognizably
// quoted, forwarded or a signature.
func Normalize(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")

	lines = dropQuoted(lines)
	for {
		next := cutSignature(cutHistory(lines))
		if len(next) == len(lines) {
			break
		}
		lines = next
	}
	return tidy(lines)
}

// dropQuoted removes quoted lines. Header detection runs on what is left, so
// a header pair split by a quote is judged the same way on every pass.
func dropQuoted(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if !quotedLine.MatchString(line) {
			out = append(out, line)
		}
	}
	return out
}

// cutHistory drops everything from the first reply or forward header on.
func cutHistory(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if replyHeader.MatchString(trimmed) || forwardMarker.MatchString(trimmed) {
			return out
		}
		if replyHeaderHead.MatchString(trimmed) && i+1 < len(lines) && replyHeaderTail.MatchString(strings.TrimSpace(lines[i+1])) {
			return out
		}
		if outlookFrom.MatchString(trimmed) && i+1 < len(lines) && outlookNext.MatchString(strings.TrimSpace(lines[i+1])) {
			return out
		}
		if sigDelimiter.MatchString(trimmed) {
			return out
		}
		out = append(out, line)
	}
	return out
}

// cutSignature removes a trailing sign-off line followed only by a few short lines.
func cutSignature(lines []string) []string {
	for i, line := range lines {
		if !signOff.MatchString(strings.TrimSpace(line)) {
			continue
		}
		if !hasContentBefore(lines[:i]) {
			continue
		}
		if shortTail(lines[i+1:]) {
			return lines[:i]
		}
	}
	return lines
}

func hasContentBefore(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}

func shortTail(lines []string) bool {
	n := 0
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" {
			continue
		}
		n++
		if n > maxSignatureLines || len(t) > maxSignatureWidth {
			return false
		}
	}
	return true
}

func tidy(lines []string) string {
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
