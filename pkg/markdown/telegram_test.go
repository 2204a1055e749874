// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeReservedCharacters(t *testing.T) {
	assert.Equal(t, `1\. hello \(world\)\!`, Escape("1. hello (world)!"))
	assert.Equal(t, `a\_b\*c`, Escape("a_b*c"))
}

func TestEscapePreservesCodeFence(t *testing.T) {
	in := "look:\n```go\nx := a - b\n```\ndone."
	out := Escape(in)
	assert.Contains(t, out, "```go\nx := a - b\n```")
	assert.Contains(t, out, `done\.`)
}

func TestEscapePreservesInlineCode(t *testing.T) {
	out := Escape("run `go test -v` now.")
	assert.Contains(t, out, "`go test -v`")
	assert.Contains(t, out, `now\.`)
}

func TestExpandFootnotes(t *testing.T) {
	sources := []Attribution{
		{Title: "one", URL: "https://a.example"},
		{Title: "two", URL: "https://b.example"},
	}
	out := ExpandFootnotes("first[^1^] second[^2^] missing[^3^]", sources)
	assert.Equal(t, "first[^1^](https://a.example) second[^2^](https://b.example) missing[^3^]", out)

	assert.Equal(t, "no sources[^1^]", ExpandFootnotes("no sources[^1^]", nil))
}

func TestStripFootnotes(t *testing.T) {
	assert.Equal(t, "plain text", StripFootnotes("plain[^1^] text[^12^]"))
}
