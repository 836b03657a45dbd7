package export

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-audiobook/internal/chunker"
)

// Metadata describes the book as written into the container.
type Metadata struct {
	Title     string
	Author    string
	Cover     []byte
	CoverMIME string
}

// Chapter is a chapter marker in samples.
type Chapter struct {
	Title       string
	StartSample int64
	EndSample   int64
}

// ChapterRanges converts chapter start chunks into sample ranges using the
// per-chunk sample offsets of a finished run. A chapter ends where the next
// one starts, the last one at total. Untitled chapters are numbered.
func ChapterRanges(starts []chunker.ChapterStart, offsets []int64, total int64) []Chapter {
	chapters := make([]Chapter, 0, len(starts))
	for i, cs := range starts {
		var start int64
		if cs.Index < len(offsets) {
			start = offsets[cs.Index]
		}
		end := total
		if i+1 < len(starts) {
			if next := starts[i+1].Index; next < len(offsets) {
				end = offsets[next]
			}
		}
		title := cs.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		chapters = append(chapters, Chapter{Title: title, StartSample: start, EndSample: end})
	}
	return chapters
}

var ffmetaEscaper = strings.NewReplacer(
	`\`, `\\`,
	"=", `\=`,
	";", `\;`,
	"#", `\#`,
	"\n", "\\\n",
)

// GenerateFFMetadata renders an FFMETADATA1 document with one chapter
// section per marker, timed in samples.
func GenerateFFMetadata(meta Metadata, chapters []Chapter, sampleRate int) string {
	lines := []string{
		";FFMETADATA1",
		"title=" + ffmetaEscaper.Replace(meta.Title),
		"artist=" + ffmetaEscaper.Replace(meta.Author),
		"album=" + ffmetaEscaper.Replace(meta.Title),
	}
	timebase := fmt.Sprintf("1/%d", sampleRate)
	for _, ch := range chapters {
		lines = append(lines,
			"",
			"[CHAPTER]",
			"TIMEBASE="+timebase,
			fmt.Sprintf("START=%d", ch.StartSample),
			fmt.Sprintf("END=%d", ch.EndSample),
			"title="+ffmetaEscaper.Replace(ch.Title),
		)
	}
	return strings.Join(lines, "\n")
}

func coverSuffix(mime string) string {
	switch {
	case strings.Contains(mime, "png"):
		return ".png"
	case strings.Contains(mime, "gif"):
		return ".gif"
	default:
		return ".jpg"
	}
}

// CoverMIMEFromPath guesses an image type from a file extension.
func CoverMIMEFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
