// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package markdown prepares model output for Telegram's MarkdownV2
// parse mode.
//
// Telegram rejects the whole edit when any reserved character is left
// unescaped, so Escape is deliberately conservative: it escapes every
// reserved character outside fenced code blocks and inline code spans
// and leaves code content untouched.
package markdown

import (
	"fmt"
	"regexp"
	"strings"
)

// Reserved characters per the Telegram MarkdownV2 specification that
// must be escaped in regular text.
const reserved = `_*[]()~>#+-=|{}.!`

var footnotePattern = regexp.MustCompile(`\[\^(\d+)\^\]`)

// Escape escapes text for MarkdownV2, preserving ``` fences and
// `inline code` spans.
func Escape(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/8)

	inFence := false
	inSpan := false
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if !inSpan && r == '`' && i+2 < len(runes) && runes[i+1] == '`' && runes[i+2] == '`' {
			inFence = !inFence
			b.WriteString("```")
			i += 2
			continue
		}
		if !inFence && r == '`' {
			inSpan = !inSpan
			b.WriteRune(r)
			continue
		}
		if inFence || inSpan {
			if r == '\\' || (inSpan && r == '`') {
				b.WriteRune('\\')
			}
			b.WriteRune(r)
			continue
		}
		if strings.ContainsRune(reserved, r) || r == '\\' {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Attribution is a cited source for a search-assistant answer.
type Attribution struct {
	Title string
	URL   string
}

// ExpandFootnotes rewrites [^N^] citation markers into markdown links
// using the matching attribution. Markers without a matching source are
// left as-is.
func ExpandFootnotes(text string, sources []Attribution) string {
	if len(sources) == 0 {
		return text
	}
	return footnotePattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := footnotePattern.FindStringSubmatch(match)
		var n int
		if _, err := fmt.Sscanf(groups[1], "%d", &n); err != nil {
			return match
		}
		if n < 1 || n > len(sources) {
			return match
		}
		return fmt.Sprintf("%s(%s)", match, sources[n-1].URL)
	})
}

// StripFootnotes removes [^N^] markers entirely. Used before handing
// text to the speech renderer.
func StripFootnotes(text string) string {
	return footnotePattern.ReplaceAllString(text, "")
}
