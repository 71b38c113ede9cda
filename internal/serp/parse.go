// Package serp parses deferred-search XML payloads and ingests the
// discovered documents into serp_results and companies.
package serp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/leadforge/leadgen-pipeline/internal/normalize"
)

// excludedDomains are aggregators, marketplaces and social networks whose
// SERP hits never point at a company's own website.
var excludedDomains = map[string]struct{}{
	"avito.ru":          {},
	"yandex.ru":         {},
	"2gis.ru":           {},
	"hh.ru":             {},
	"flamp.ru":          {},
	"otzovik.com":       {},
	"irecommend.ru":     {},
	"youtube.com":       {},
	"profi.ru":          {},
	"yell.ru":           {},
	"workspace.ru":      {},
	"vuzopedia.ru":      {},
	"orgpage.ru":        {},
	"rating-gamedev.ru": {},
	"ru.wadline.com":    {},
	"vk.com":            {},
	"reddit.com":        {},
	"pikabu.ru":         {},
}

// IsExcludedDomain reports whether a normalized domain (or any of its
// subdomains) belongs to the exclusion set.
func IsExcludedDomain(domain string) bool {
	if domain == "" {
		return false
	}
	if _, ok := excludedDomains[domain]; ok {
		return true
	}
	for excluded := range excludedDomains {
		if strings.HasSuffix(domain, "."+excluded) {
			return true
		}
	}
	return false
}

// Document is one kept SERP hit. URL and Domain are canonical.
type Document struct {
	URL      string
	Domain   string
	Title    string
	Snippet  string
	Position int
	Language string
}

// ParseError is a malformed XML payload.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse serp xml: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// flatText collects all character data inside an element, flattening
// highlight markup like <hlword> that the search API injects into titles
// and passages.
type flatText string

func (f *flatText) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var sb strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				*f = flatText(sb.String())
				return nil
			}
		}
	}
	*f = flatText(sb.String())
	return nil
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlDoc struct {
	URL        string        `xml:"url"`
	LURL       string        `xml:"lurl"`
	Domain     string        `xml:"domain"`
	Title      flatText      `xml:"title"`
	Name       flatText      `xml:"name"`
	Passages   []flatText    `xml:"passages>passage"`
	Properties []xmlProperty `xml:"properties>property"`
}

// Parse extracts documents from a decoded XML payload. Documents with an
// uncanonicalizable URL or an excluded domain are dropped; positions are
// 1-based in document order, counting dropped documents.
func Parse(data []byte) ([]Document, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))

	var docs []Document
	position := 0
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "doc" {
			continue
		}

		var raw xmlDoc
		if err := decoder.DecodeElement(&raw, &start); err != nil {
			return nil, &ParseError{Err: err}
		}
		position++

		rawURL := raw.URL
		if rawURL == "" {
			rawURL = raw.LURL
		}
		canonical := normalize.URL(rawURL)
		if canonical == "" {
			continue
		}

		domain := normalize.Domain(raw.Domain)
		if domain == "" {
			domain = normalize.Domain(canonical)
		}
		if IsExcludedDomain(domain) {
			continue
		}

		title := strings.TrimSpace(string(raw.Title))
		if title == "" {
			title = strings.TrimSpace(string(raw.Name))
		}

		parts := make([]string, 0, len(raw.Passages))
		for _, p := range raw.Passages {
			if text := normalize.CleanSnippet(string(p)); text != "" {
				parts = append(parts, text)
			}
		}

		language := ""
		for _, prop := range raw.Properties {
			if strings.EqualFold(prop.Name, "lang") {
				language = strings.TrimSpace(prop.Value)
				break
			}
		}

		docs = append(docs, Document{
			URL:      canonical,
			Domain:   domain,
			Title:    title,
			Snippet:  strings.Join(parts, " "),
			Position: position,
			Language: language,
		})
	}
	return docs, nil
}
