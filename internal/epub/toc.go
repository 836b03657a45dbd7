package epub

import (
	"bytes"
	"path"

	"github.com/PuerkitoBio/goquery"
)

type ncxNavPoint struct {
	Label   string `xml:"navLabel>text"`
	Content struct {
		Src string `xml:"src,attr"`
	} `xml:"content"`
	Children []ncxNavPoint `xml:"navPoint"`
}

type ncxDocument struct {
	Points []ncxNavPoint `xml:"navMap>navPoint"`
}

// tocLabels maps lower-cased archive paths to their first table-of-contents
// label. The EPUB 3 navigation document is preferred, then the NCX.
func (a *archive) tocLabels() map[string]string {
	labels := make(map[string]string)
	add := func(target, label string) {
		label = cleanText(label)
		if target == "" || label == "" {
			return
		}
		key := hrefKey(target)
		if _, ok := labels[key]; !ok {
			labels[key] = label
		}
	}

	for _, it := range a.items {
		if !it.hasProperty("nav") {
			continue
		}
		data, err := a.read(it.fullPath)
		if err != nil {
			break
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
		if err != nil {
			break
		}
		base := path.Dir(it.fullPath)
		navs := doc.Find("nav").FilterFunction(func(_ int, s *goquery.Selection) bool {
			v, _ := s.Attr("epub:type")
			return tocAttrRE.MatchString(v) && v != "landmarks"
		})
		if navs.Length() == 0 {
			navs = doc.Find("nav").First()
		}
		navs.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			add(resolveHref(base, href), nodeText(s))
		})
		break
	}

	ncxItem, ok := a.itemsBy[a.pkg.Spine.Toc]
	if !ok {
		for _, it := range a.items {
			if it.MediaType == "application/x-dtbncx+xml" {
				ncxItem, ok = it, true
				break
			}
		}
	}
	if ok {
		var ncx ncxDocument
		if err := a.decodeXML(ncxItem.fullPath, &ncx); err == nil {
			base := path.Dir(ncxItem.fullPath)
			var walk func([]ncxNavPoint)
			walk = func(points []ncxNavPoint) {
				for _, p := range points {
					add(resolveHref(base, p.Content.Src), p.Label)
					walk(p.Children)
				}
			}
			walk(ncx.Points)
		}
	}
	return labels
}
