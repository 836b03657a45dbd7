// Package chunker splits chapter text into bounded inference requests.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Section is one chapter of source text.
type Section struct {
	Title string
	Text  string
}

// Chunk is a bounded unit of chapter text sent as one inference request.
type Chunk struct {
	ChapterTitle string `json:"chapter_title"`
	Text         string `json:"text"`
}

// ChapterStart marks the first chunk that belongs to a chapter.
type ChapterStart struct {
	Index int    `json:"index"`
	Title string `json:"title"`
}

// Split turns sections into chunks of at most maxChars code points and
// records where each contributing chapter begins. Chapters never share a
// chunk. A maxChars below 1 disables splitting of oversized paragraphs.
func Split(sections []Section, maxChars int) ([]Chunk, []ChapterStart) {
	var chunks []Chunk
	var starts []ChapterStart

	for _, section := range sections {
		paragraphs := Paragraphs(section.Text)
		if len(paragraphs) == 0 {
			continue
		}
		starts = append(starts, ChapterStart{Index: len(chunks), Title: section.Title})

		buffer := ""
		for _, paragraph := range paragraphs {
			for _, piece := range splitOversized(paragraph, maxChars) {
				if runeLen(buffer)+runeLen(piece)+1 <= maxChars {
					buffer = strings.TrimSpace(buffer + " " + piece)
					continue
				}
				if buffer != "" {
					chunks = append(chunks, Chunk{ChapterTitle: section.Title, Text: buffer})
				}
				buffer = piece
			}
		}
		if buffer != "" {
			chunks = append(chunks, Chunk{ChapterTitle: section.Title, Text: buffer})
		}
	}
	return chunks, starts
}

// Paragraphs returns the trimmed, non-empty lines of text. Runs of newlines
// (including blank-line paragraph breaks) are a single separator.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if p := strings.TrimSpace(line); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitOversized(paragraph string, maxChars int) []string {
	if maxChars < 1 || runeLen(paragraph) <= maxChars {
		return []string{paragraph}
	}

	var pieces []string
	buffer := ""
	for _, sentence := range Sentences(paragraph) {
		if runeLen(sentence) > maxChars {
			if buffer != "" {
				pieces = append(pieces, buffer)
				buffer = ""
			}
			pieces = append(pieces, hardSplit(sentence, maxChars)...)
			continue
		}
		candidate := strings.TrimSpace(buffer + " " + sentence)
		if runeLen(candidate) <= maxChars {
			buffer = candidate
			continue
		}
		if buffer != "" {
			pieces = append(pieces, buffer)
		}
		buffer = sentence
	}
	if buffer != "" {
		pieces = append(pieces, buffer)
	}
	if len(pieces) == 0 {
		return []string{paragraph}
	}
	return pieces
}

// Sentences splits text after '.', '!' or '?' when followed by whitespace.
// The whitespace between sentences is dropped.
func Sentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func hardSplit(text string, size int) []string {
	runes := []rune(text)
	pieces := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// TotalChars sums the code point length of every chunk.
func TotalChars(chunks []Chunk) int {
	total := 0
	for _, c := range chunks {
		total += runeLen(c.Text)
	}
	return total
}
