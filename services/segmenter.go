package services

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Typing indicator bounds for human-like pacing.
const (
	typingMsPerChar = 40
	typingMinMs     = 1000
	typingMaxMs     = 4000
)

// TypingDuration returns how long the typing indicator should show
// before a segment is sent: 40 ms per character, clamped to [1 s, 4 s].
func TypingDuration(segment string) time.Duration {
	ms := typingMsPerChar * utf8.RuneCountInString(segment)
	if ms < typingMinMs {
		ms = typingMinMs
	}
	if ms > typingMaxMs {
		ms = typingMaxMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Segment splits a reply into human-sized pieces: paragraph boundaries
// first, then sentence terminators, keeping each segment within maxChars
// runes. Content is preserved; only whitespace between segments is lost.
func Segment(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 300
	}

	var segments []string

	for _, para := range splitParagraphs(text) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) <= maxChars {
			segments = append(segments, para)
			continue
		}

		// Paragraph too long: pack sentences into segments
		var current strings.Builder
		currentLen := 0
		for _, sentence := range splitSentences(para) {
			sentLen := utf8.RuneCountInString(sentence)

			if sentLen > maxChars {
				// Flush, then hard-wrap the oversized sentence on spaces
				if currentLen > 0 {
					segments = append(segments, current.String())
					current.Reset()
					currentLen = 0
				}
				segments = append(segments, hardWrap(sentence, maxChars)...)
				continue
			}

			if currentLen > 0 && currentLen+1+sentLen > maxChars {
				segments = append(segments, current.String())
				current.Reset()
				currentLen = 0
			}
			if currentLen > 0 {
				current.WriteByte(' ')
				currentLen++
			}
			current.WriteString(sentence)
			currentLen += sentLen
		}
		if currentLen > 0 {
			segments = append(segments, current.String())
		}
	}

	return segments
}

var paragraphRe = regexp.MustCompile(`\n{2,}`)

func splitParagraphs(text string) []string {
	return paragraphRe.Split(text, -1)
}

// splitSentences breaks a paragraph after each of .!? followed by a
// space, keeping the terminator with its sentence.
func splitSentences(para string) []string {
	var sentences []string
	start := 0
	runes := []rune(para)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if (c == '.' || c == '!' || c == '?') && i+1 < len(runes) && runes[i+1] == ' ' {
			sentence := strings.TrimSpace(string(runes[start : i+1]))
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			start = i + 1
		}
	}
	if start < len(runes) {
		tail := strings.TrimSpace(string(runes[start:]))
		if tail != "" {
			sentences = append(sentences, tail)
		}
	}
	return sentences
}

// hardWrap splits an oversized sentence on spaces, falling back to a
// rune cut when a single word exceeds the limit.
func hardWrap(sentence string, maxChars int) []string {
	var parts []string
	words := strings.Fields(sentence)

	var current strings.Builder
	currentLen := 0
	for _, word := range words {
		wordLen := utf8.RuneCountInString(word)

		if wordLen > maxChars {
			if currentLen > 0 {
				parts = append(parts, current.String())
				current.Reset()
				currentLen = 0
			}
			runes := []rune(word)
			for len(runes) > maxChars {
				parts = append(parts, string(runes[:maxChars]))
				runes = runes[maxChars:]
			}
			if len(runes) > 0 {
				current.WriteString(string(runes))
				currentLen = len(runes)
			}
			continue
		}

		if currentLen > 0 && currentLen+1+wordLen > maxChars {
			parts = append(parts, current.String())
			current.Reset()
			currentLen = 0
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(word)
		currentLen += wordLen
	}
	if currentLen > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// FormatForWhatsApp converts markdown-style formatting to WhatsApp formatting
// WhatsApp supports:
// - *bold* (single asterisk on each side)
// - _italic_ (single underscore)
// - ~strikethrough~ (tilde)
// - ```code``` (triple backticks)
func FormatForWhatsApp(text string) string {
	// Convert markdown bold (**text**) to WhatsApp bold (*text*)
	reBold := regexp.MustCompile(`\*\*([^*]+?)\*\*`)
	text = reBold.ReplaceAllString(text, "*$1*")

	// Convert markdown list items with bold
	// From: *   **Item:** description
	// To:   - *Item:* description
	reListBold := regexp.MustCompile(`(?m)^\*\s+\*([^*]+?)\*\s*(.*)$`)
	text = reListBold.ReplaceAllString(text, "- *$1* $2")

	// Convert remaining markdown list items (* item) to WhatsApp style (- item)
	reList := regexp.MustCompile(`(?m)^\*\s+`)
	text = reList.ReplaceAllString(text, "- ")

	// Clean up multiple consecutive newlines (max 2)
	reMultiNewline := regexp.MustCompile(`\n{3,}`)
	text = reMultiNewline.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
