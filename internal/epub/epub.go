// Package epub reads EPUB 2/3 archives into ordered text sections and book
// metadata.
package epub

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-audiobook/internal/chunker"
)

// ErrNoContent is returned when no document in the book yields text.
var ErrNoContent = errors.New("no readable text content found in EPUB")

// Metadata is the book-level information used for tagging output.
type Metadata struct {
	Title     string
	Author    string
	Cover     []byte
	CoverMIME string
}

// HasCover reports whether a cover image was found.
func (m Metadata) HasCover() bool { return m.Cover != nil }

// Section is one readable document of the book.
type Section struct {
	Title  string
	Text   string
	Href   string
	ItemID string
}

// Book is a parsed EPUB.
type Book struct {
	Metadata Metadata
	Sections []Section
}

// ChunkerSections adapts the parsed sections for the chunker.
func (b *Book) ChunkerSections() []chunker.Section {
	out := make([]chunker.Section, len(b.Sections))
	for i, s := range b.Sections {
		out[i] = chunker.Section{Title: s.Title, Text: s.Text}
	}
	return out
}

// ProgressFunc is called after each document item is processed.
type ProgressFunc func(current, total, chapters int)

type container struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

type opfPackage struct {
	Metadata struct {
		Titles   []string `xml:"title"`
		Creators []string `xml:"creator"`
		Metas    []struct {
			Name    string `xml:"name,attr"`
			Content string `xml:"content,attr"`
		} `xml:"meta"`
	} `xml:"metadata"`
	Manifest struct {
		Items []opfItem `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		Toc      string `xml:"toc,attr"`
		Itemrefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

// item is a manifest entry with its href resolved to an archive path.
type item struct {
	opfItem
	fullPath string
}

func (it item) hasProperty(p string) bool {
	for _, f := range strings.Fields(strings.ToLower(it.Properties)) {
		if f == p {
			return true
		}
	}
	return false
}

func (it item) isDocument() bool {
	return it.MediaType == "application/xhtml+xml" || it.MediaType == "text/html"
}

// archive is an opened EPUB with its package document decoded.
type archive struct {
	zr      *zip.ReadCloser
	files   map[string]*zip.File
	opfDir  string
	pkg     opfPackage
	items   []item
	itemsBy map[string]item
}

func openArchive(p string) (*archive, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	a := &archive{zr: zr, files: make(map[string]*zip.File), itemsBy: make(map[string]item)}
	for _, f := range zr.File {
		a.files[f.Name] = f
	}

	var c container
	if err := a.decodeXML("META-INF/container.xml", &c); err != nil {
		zr.Close()
		return nil, err
	}
	if len(c.Rootfiles) == 0 || c.Rootfiles[0].FullPath == "" {
		zr.Close()
		return nil, errors.New("epub container lists no package document")
	}
	opfPath := c.Rootfiles[0].FullPath
	if err := a.decodeXML(opfPath, &a.pkg); err != nil {
		zr.Close()
		return nil, err
	}
	a.opfDir = path.Dir(opfPath)
	for _, raw := range a.pkg.Manifest.Items {
		it := item{opfItem: raw, fullPath: resolveHref(a.opfDir, raw.Href)}
		a.items = append(a.items, it)
		a.itemsBy[raw.ID] = it
	}
	return a, nil
}

func (a *archive) Close() error { return a.zr.Close() }

func (a *archive) read(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, fmt.Errorf("epub entry %s not found", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open epub entry %s: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (a *archive) decodeXML(name string, v any) error {
	data, err := a.read(name)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// resolveHref joins a relative reference onto base and drops any fragment.
func resolveHref(base, href string) string {
	href = strings.SplitN(href, "#", 2)[0]
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	if href == "" {
		return ""
	}
	if base == "." || base == "" {
		return path.Clean(href)
	}
	return path.Join(base, href)
}

func hrefKey(p string) string { return strings.ToLower(p) }

var wsRE = regexp.MustCompile(`\s+`)

func cleanText(s string) string {
	return strings.TrimSpace(wsRE.ReplaceAllString(s, " "))
}

func (a *archive) metadata() Metadata {
	meta := Metadata{Title: "Unknown Title", Author: "Unknown Author"}
	for _, t := range a.pkg.Metadata.Titles {
		if t = cleanText(t); t != "" {
			meta.Title = t
			break
		}
	}
	for _, c := range a.pkg.Metadata.Creators {
		if c = cleanText(c); c != "" {
			meta.Author = c
			break
		}
	}

	var cover *item
	for i := range a.items {
		if a.items[i].hasProperty("cover-image") {
			cover = &a.items[i]
			break
		}
	}
	if cover == nil {
		for _, m := range a.pkg.Metadata.Metas {
			if m.Name == "cover" && m.Content != "" {
				if it, ok := a.itemsBy[m.Content]; ok {
					cover = &it
				}
				break
			}
		}
	}
	if cover == nil {
		for i := range a.items {
			it := a.items[i]
			if strings.HasPrefix(it.MediaType, "image/") && strings.Contains(strings.ToLower(path.Base(it.Href)), "cover") {
				cover = &a.items[i]
				break
			}
		}
	}
	if cover != nil {
		if data, err := a.read(cover.fullPath); err == nil {
			meta.Cover = data
			meta.CoverMIME = cover.MediaType
		}
	}
	return meta
}

// documents returns the readable items in spine order. Books without a
// usable spine fall back to manifest order.
func (a *archive) documents() []item {
	var docs []item
	seen := make(map[string]bool)
	for _, ref := range a.pkg.Spine.Itemrefs {
		it, ok := a.itemsBy[ref.IDRef]
		if !ok || !it.isDocument() || seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		docs = append(docs, it)
	}
	if len(docs) > 0 {
		return docs
	}
	for _, it := range a.items {
		if it.isDocument() {
			docs = append(docs, it)
		}
	}
	return docs
}

var navHintRE = regexp.MustCompile(`(?i)(^|[\\/._-])(nav|toc|contents?|landmarks?)([\\/._-]|$)`)

func isNavigationDocument(it item) bool {
	if it.hasProperty("nav") {
		return true
	}
	for _, candidate := range []string{it.Href, it.ID} {
		if navHintRE.MatchString(strings.ToLower(candidate)) {
			return true
		}
	}
	return false
}

// ExtractMetadata reads only the package metadata and cover.
func ExtractMetadata(p string) (Metadata, error) {
	a, err := openArchive(p)
	if err != nil {
		return Metadata{}, err
	}
	defer a.Close()
	return a.metadata(), nil
}

// Parse reads the book at p. progress may be nil.
func Parse(p string, progress ProgressFunc) (*Book, error) {
	a, err := openArchive(p)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	book := &Book{Metadata: a.metadata()}
	labels := a.tocLabels()
	docs := a.documents()
	total := len(docs)

	for i, it := range docs {
		if !isNavigationDocument(it) {
			data, err := a.read(it.fullPath)
			if err != nil {
				return nil, err
			}
			text, title, err := extractDocument(data)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", it.Href, err)
			}
			if text != "" {
				if label, ok := labels[hrefKey(it.fullPath)]; ok {
					title = label
				}
				if title == "" {
					title = fmt.Sprintf("Chapter %d", len(book.Sections)+1)
				}
				book.Sections = append(book.Sections, Section{
					Title:  title,
					Text:   text,
					Href:   it.Href,
					ItemID: it.ID,
				})
			}
		}
		if progress != nil {
			progress(i+1, total, len(book.Sections))
		}
	}
	if len(book.Sections) == 0 {
		return nil, ErrNoContent
	}
	return book, nil
}
