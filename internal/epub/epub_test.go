package epub

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEPUB(t *testing.T, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "book.epub")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create epub: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("file close: %v", err)
	}
	return p
}

const containerXML = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`

const opf = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>  The   Test Book </dc:title>
    <dc:creator>Ada Writer</dc:creator>
    <meta name="cover" content="cover-img"/>
  </metadata>
  <manifest>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
    <item id="cover-img" href="images/front.png" media-type="image/png"/>
    <item id="c2" href="text/ch2.xhtml" media-type="application/xhtml+xml"/>
    <item id="c1" href="text/ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="c3" href="text/ch3.xhtml" media-type="application/xhtml+xml"/>
    <item id="blank" href="text/blank.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="nav"/>
    <itemref idref="c1"/>
    <itemref idref="blank"/>
    <itemref idref="c2"/>
    <itemref idref="c3"/>
  </spine>
</package>`

const nav = `<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops"><body>
<nav epub:type="toc"><ol><li><a href="text/ch1.xhtml#start">Opening   Chapter</a></li></ol></nav>
</body></html>`

const ncx = `<?xml version="1.0"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/"><navMap>
  <navPoint id="p1"><navLabel><text>NCX One</text></navLabel><content src="text/ch1.xhtml"/>
    <navPoint id="p2"><navLabel><text>From NCX</text></navLabel><content src="text/ch3.xhtml"/></navPoint>
  </navPoint>
</navMap></ncx>`

const ch1 = `<html><head><title>Ignored</title><script>var x = 1;</script></head><body>
<div class="toc-box"><p>Skip me</p></div>
<h1>Heading One</h1>
<p>First <em>para</em>graph.</p>
<blockquote><p>Nested quote.</p></blockquote>
<ul><li>Item A</li></ul>
</body></html>`

const ch2 = `<html><head><title>Doc Title</title></head><body><h2>Second Heading</h2><p>Body two.</p></body></html>`

const ch3 = `<html><body><div>Loose text
with   spaces</div></body></html>`

func bookFiles() map[string]string {
	return map[string]string{
		"mimetype":               "application/epub+zip",
		"META-INF/container.xml": containerXML,
		"OEBPS/content.opf":      opf,
		"OEBPS/nav.xhtml":        nav,
		"OEBPS/toc.ncx":          ncx,
		"OEBPS/images/front.png": "PNGDATA",
		"OEBPS/text/ch1.xhtml":   ch1,
		"OEBPS/text/ch2.xhtml":   ch2,
		"OEBPS/text/ch3.xhtml":   ch3,
		"OEBPS/text/blank.xhtml": `<html><body>   </body></html>`,
	}
}

func TestParse(t *testing.T) {
	p := writeEPUB(t, bookFiles())
	var calls [][3]int
	book, err := Parse(p, func(current, total, chapters int) {
		calls = append(calls, [3]int{current, total, chapters})
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if book.Metadata.Title != "The Test Book" || book.Metadata.Author != "Ada Writer" {
		t.Fatalf("unexpected metadata %+v", book.Metadata)
	}
	if string(book.Metadata.Cover) != "PNGDATA" || book.Metadata.CoverMIME != "image/png" {
		t.Fatalf("cover not found: %q %q", book.Metadata.Cover, book.Metadata.CoverMIME)
	}

	if len(book.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %d: %+v", len(book.Sections), book.Sections)
	}
	wantTitles := []string{"Opening Chapter", "Second Heading", "From NCX"}
	for i, want := range wantTitles {
		if book.Sections[i].Title != want {
			t.Fatalf("section %d title = %q, want %q", i, book.Sections[i].Title, want)
		}
	}
	wantText := "Heading One\n\nFirst para graph.\n\nNested quote.\n\nItem A"
	if book.Sections[0].Text != wantText {
		t.Fatalf("unexpected text %q", book.Sections[0].Text)
	}
	if book.Sections[2].Text != "Loose text with spaces" {
		t.Fatalf("unexpected fallback text %q", book.Sections[2].Text)
	}
	if strings.Contains(book.Sections[0].Text, "Skip me") || strings.Contains(book.Sections[0].Text, "var x") {
		t.Fatal("non-content nodes leaked into text")
	}

	if len(calls) != 5 {
		t.Fatalf("expected progress per spine document, got %v", calls)
	}
	if calls[4] != [3]int{5, 5, 3} || calls[0] != [3]int{1, 5, 0} {
		t.Fatalf("unexpected progress %v", calls)
	}

	sections := book.ChunkerSections()
	if len(sections) != 3 || sections[1].Title != "Second Heading" {
		t.Fatalf("unexpected chunker sections %+v", sections)
	}
}

func TestParseTitleFallbacks(t *testing.T) {
	files := bookFiles()
	files["OEBPS/nav.xhtml"] = `<html><body><nav epub:type="toc"></nav></body></html>`
	files["OEBPS/toc.ncx"] = `<ncx><navMap></navMap></ncx>`
	files["OEBPS/text/ch2.xhtml"] = `<html><head><title>Doc Title</title></head><body><p>No heading.</p></body></html>`
	book, err := Parse(writeEPUB(t, files), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := []string{book.Sections[0].Title, book.Sections[1].Title, book.Sections[2].Title}
	want := []string{"Heading One", "Doc Title", "Chapter 3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("titles = %q, want %q", got, want)
		}
	}
}

func TestParseNoContent(t *testing.T) {
	files := bookFiles()
	for _, name := range []string{"ch1", "ch2", "ch3"} {
		files["OEBPS/text/"+name+".xhtml"] = `<html><body><script>only()</script></body></html>`
	}
	if _, err := Parse(writeEPUB(t, files), nil); !errors.Is(err, ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
}

func TestExtractMetadataDefaults(t *testing.T) {
	files := bookFiles()
	files["OEBPS/content.opf"] = `<package><metadata></metadata><manifest>
<item id="c1" href="text/ch1.xhtml" media-type="application/xhtml+xml"/>
<item id="img" href="images/my-cover.jpg" media-type="image/jpeg"/>
</manifest><spine><itemref idref="c1"/></spine></package>`
	files["OEBPS/images/my-cover.jpg"] = "JPEG"
	meta, err := ExtractMetadata(writeEPUB(t, files))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.Title != "Unknown Title" || meta.Author != "Unknown Author" {
		t.Fatalf("expected defaults, got %+v", meta)
	}
	if !meta.HasCover() || meta.CoverMIME != "image/jpeg" {
		t.Fatalf("expected cover found by name, got %+v", meta)
	}
}

func TestNavigationDocumentHints(t *testing.T) {
	cases := map[string]bool{
		"text/toc.xhtml":      true,
		"contents.html":       true,
		"text/landmarks.html": true,
		"text/chapter1.xhtml": false,
		"text/tocsin.xhtml":   false,
	}
	for href, want := range cases {
		if got := isNavigationDocument(item{opfItem: opfItem{Href: href, ID: "x"}}); got != want {
			t.Fatalf("%s: got %v, want %v", href, got, want)
		}
	}
}

func TestOpenInvalidArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "broken.epub")
	if err := os.WriteFile(p, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Parse(p, nil); err == nil {
		t.Fatal("expected error for invalid archive")
	}
}
