// Package enrich fetches a company's website and extracts contact data:
// the first valid email, optionally a phone, plus a homepage text excerpt.
package enrich

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/leadforge/leadgen-pipeline/internal/normalize"
)

// HomepageExcerptLimit is the default cap on the stored homepage text
// excerpt, in runes.
const HomepageExcerptLimit = 40000

var (
	emailTextRe = regexp.MustCompile(`(?i)[a-z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)+`)
	phoneTextRe = regexp.MustCompile(`\+?\d[\d\s().-]{8,14}\d`)
)

// Contact is one extracted contact candidate.
type Contact struct {
	Type      string // "email" or "phone"
	Value     string
	SourceURL string
	Quality   float64
}

// ExtractContacts walks anchors first (mailto: 1.0, tel: 0.9) and falls back
// to scanning the page text (email 0.8, phone 0.6) when anchors yield no
// email. Values are normalized; duplicates keep their best quality score.
func ExtractContacts(doc *goquery.Document, pageURL string) []Contact {
	seen := make(map[string]int)
	var contacts []Contact

	add := func(c Contact) {
		key := c.Type + ":" + c.Value
		if idx, ok := seen[key]; ok {
			if c.Quality > contacts[idx].Quality {
				contacts[idx].Quality = c.Quality
			}
			return
		}
		seen[key] = len(contacts)
		contacts = append(contacts, c)
	}

	foundEmail := false
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		lower := strings.ToLower(strings.TrimSpace(href))
		switch {
		case strings.HasPrefix(lower, "mailto:"):
			if email := normalize.CleanEmail(href); normalize.IsValidEmail(email) {
				add(Contact{Type: "email", Value: email, SourceURL: pageURL, Quality: 1.0})
				foundEmail = true
			}
		case strings.HasPrefix(lower, "tel:"):
			if phone := cleanPhone(strings.TrimPrefix(strings.TrimSpace(href), "tel:")); phone != "" {
				add(Contact{Type: "phone", Value: phone, SourceURL: pageURL, Quality: 0.9})
			}
		}
	})

	if !foundEmail {
		text := doc.Text()
		for _, match := range emailTextRe.FindAllString(text, 5) {
			if email := normalize.CleanEmail(match); normalize.IsValidEmail(email) {
				add(Contact{Type: "email", Value: email, SourceURL: pageURL, Quality: 0.8})
			}
		}
		for _, match := range phoneTextRe.FindAllString(text, 3) {
			if phone := cleanPhone(match); phone != "" {
				add(Contact{Type: "phone", Value: phone, SourceURL: pageURL, Quality: 0.6})
			}
		}
	}
	return contacts
}

// ExtractExcerpt returns the page text truncated to limit runes with ASCII
// control characters stripped. A non-positive limit falls back to
// HomepageExcerptLimit.
func ExtractExcerpt(doc *goquery.Document, limit int) string {
	if limit <= 0 {
		limit = HomepageExcerptLimit
	}
	text := normalize.CleanSnippet(doc.Text())
	var sb strings.Builder
	for _, r := range text {
		if r >= 0x20 || r == '\n' || r == '\t' {
			sb.WriteRune(r)
		}
	}
	cleaned := sb.String()
	if runes := []rune(cleaned); len(runes) > limit {
		cleaned = string(runes[:limit])
	}
	return cleaned
}

// cleanPhone keeps digits and a leading plus; too-short results are dropped.
func cleanPhone(raw string) string {
	var sb strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		} else if r == '+' && i == 0 {
			sb.WriteRune(r)
		}
	}
	phone := sb.String()
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 10 || len(digits) > 15 {
		return ""
	}
	return phone
}
