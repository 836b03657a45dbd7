package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitRespectsLimit(t *testing.T) {
	long := strings.Repeat("word ", 80) + "Unbroken" + strings.Repeat("x", 300) + ". Tail sentence here!"
	sections := []Section{
		{Title: "One", Text: "Short opening paragraph.\n\n" + long},
		{Title: "Two", Text: "First. Second! Third? Fourth.\nAnother line."},
	}
	for _, limit := range []int{1, 7, 40, 120, 600} {
		chunks, _ := Split(sections, limit)
		if len(chunks) == 0 {
			t.Fatalf("limit %d: expected chunks", limit)
		}
		for i, c := range chunks {
			if n := utf8.RuneCountInString(c.Text); n > limit {
				t.Fatalf("limit %d: chunk %d has %d chars", limit, i, n)
			}
		}
	}
}

func TestSplitChapterStarts(t *testing.T) {
	sections := []Section{
		{Title: "Front", Text: "  \n\n "},
		{Title: "A", Text: "Alpha paragraph one.\n\nAlpha paragraph two."},
		{Title: "Empty", Text: ""},
		{Title: "B", Text: "Beta."},
		{Title: "C", Text: strings.Repeat("Gamma sentence. ", 20)},
	}
	chunks, starts := Split(sections, 30)
	if len(starts) != 3 {
		t.Fatalf("expected 3 chapter starts, got %d (%v)", len(starts), starts)
	}
	wantTitles := []string{"A", "B", "C"}
	for i, s := range starts {
		if s.Title != wantTitles[i] {
			t.Fatalf("start %d title = %q, want %q", i, s.Title, wantTitles[i])
		}
		if i > 0 && s.Index <= starts[i-1].Index {
			t.Fatalf("chapter starts not strictly increasing: %v", starts)
		}
		if chunks[s.Index].ChapterTitle != s.Title {
			t.Fatalf("chunk %d belongs to %q, want %q", s.Index, chunks[s.Index].ChapterTitle, s.Title)
		}
	}
	if starts[0].Index != 0 {
		t.Fatalf("first chapter should start at 0, got %d", starts[0].Index)
	}
}

func TestSplitDoesNotMergeAcrossChapters(t *testing.T) {
	chunks, starts := Split([]Section{
		{Title: "A", Text: "tiny"},
		{Title: "B", Text: "also tiny"},
	}, 600)
	if len(chunks) != 2 {
		t.Fatalf("expected one chunk per chapter, got %d", len(chunks))
	}
	if starts[1].Index != 1 {
		t.Fatalf("expected chapter B at chunk 1, got %d", starts[1].Index)
	}
}

func TestSplitRoundTrip(t *testing.T) {
	text := "The first paragraph has a few sentences. It keeps going for a while! Does it end? Yes.\n\n" +
		"Second paragraph, short.\n" +
		strings.Repeat("Repeated clause number one. ", 12)
	chunks, _ := Split([]Section{{Title: "T", Text: text}}, 64)

	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.Text)
	}
	got := strings.Join(parts, " ")
	want := strings.Join(Paragraphs(text), " ")
	if got != want {
		t.Fatalf("round trip mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestSplitRoundTripWithHardSplits(t *testing.T) {
	text := strings.Repeat("abcdefghij", 17) + ". Next."
	chunks, _ := Split([]Section{{Title: "T", Text: text}}, 25)

	var joined strings.Builder
	for _, c := range chunks {
		joined.WriteString(c.Text)
	}
	strip := func(s string) string { return strings.Join(strings.Fields(s), "") }
	if strip(joined.String()) != strip(text) {
		t.Fatalf("characters lost in hard split: %q", joined.String())
	}
}

func TestSentences(t *testing.T) {
	got := Sentences("One. Two!  Three?\tFour... end")
	want := []string{"One.", "Two!", "Three?", "Four...", "end"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitNoText(t *testing.T) {
	chunks, starts := Split([]Section{{Title: "Blank", Text: "\n\n"}}, 100)
	if len(chunks) != 0 || len(starts) != 0 {
		t.Fatalf("expected nothing, got %v %v", chunks, starts)
	}
}
