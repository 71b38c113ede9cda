// Package querygen expands a spreadsheet niche row into a set of search
// queries with region codes and start times inside the nightly window.
package querygen

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Defaults mirror the production query plan: one base query plus up to five
// trigger variants, 45 seconds apart, inside the 00:00-07:59 local window.
var (
	DefaultTriggers = []string{
		`"оставить заявку"`,
		`"онлайн запись"`,
		`"рассчитать стоимость"`,
		`"коммерческое предложение"`,
		`"бриф"`,
	}
	DefaultNegSites = []string{
		"avito.ru",
		"market.yandex.ru",
		"2gis.ru",
		"hh.ru",
		"flamp.ru",
		"otzovik.com",
		"irecommend.ru",
		"youtube.com",
		"vk.com",
		"reddit.com",
		"pikabu.ru",
	}
	DefaultRegions = map[string]int{
		"россия":          225,
		"москва":          213,
		"санкт-петербург": 2,
		"новосибирск":     65,
	}
)

// NicheRow is one spreadsheet row to expand.
type NicheRow struct {
	RowIndex int
	Niche    string
	City     string
	Country  string
	BatchTag string
}

// GeneratedQuery is one scheduled search query.
type GeneratedQuery struct {
	QueryText    string
	QueryHash    string
	RegionCode   int
	ScheduledFor time.Time
	Trigger      string
	Metadata     map[string]any
}

// Config tunes the generator. Zero values fall back to defaults.
type Config struct {
	Language           string
	WindowStart        string // "HH:MM" local
	WindowEnd          string // "HH:MM" local, may be below start (spans midnight)
	SpacingSeconds     int
	MaxQueriesPerNiche int
	RegionFallback     int
	Triggers           []string
	NegSites           []string
	Regions            map[string]int
	Location           *time.Location
}

// Generator expands niche rows. Safe for concurrent use.
type Generator struct {
	language    string
	windowStart windowTime
	windowEnd   windowTime
	spacing     time.Duration
	maxQueries  int
	fallback    int
	triggers    []string
	negSites    []string
	regions     map[string]int
	loc         *time.Location
	now         func() time.Time
}

type windowTime struct{ hour, minute int }

func (w windowTime) minutes() int { return w.hour*60 + w.minute }

func parseWindowTime(value, fallback string) (windowTime, error) {
	if value == "" {
		value = fallback
	}
	var wt windowTime
	if _, err := fmt.Sscanf(value, "%d:%d", &wt.hour, &wt.minute); err != nil {
		return wt, fmt.Errorf("invalid window time %q: %w", value, err)
	}
	if wt.hour < 0 || wt.hour > 23 || wt.minute < 0 || wt.minute > 59 {
		return wt, fmt.Errorf("window time %q out of range", value)
	}
	return wt, nil
}

// New builds a generator from config.
func New(cfg Config) (*Generator, error) {
	start, err := parseWindowTime(cfg.WindowStart, "00:00")
	if err != nil {
		return nil, err
	}
	end, err := parseWindowTime(cfg.WindowEnd, "07:59")
	if err != nil {
		return nil, err
	}

	g := &Generator{
		language:    cfg.Language,
		windowStart: start,
		windowEnd:   end,
		spacing:     time.Duration(cfg.SpacingSeconds) * time.Second,
		maxQueries:  cfg.MaxQueriesPerNiche,
		fallback:    cfg.RegionFallback,
		triggers:    cfg.Triggers,
		negSites:    cfg.NegSites,
		loc:         cfg.Location,
		now:         time.Now,
	}
	if g.language == "" {
		g.language = "ru"
	}
	if g.spacing <= 0 {
		g.spacing = 45 * time.Second
	}
	if g.maxQueries <= 0 {
		g.maxQueries = 6
	}
	if g.fallback <= 0 {
		g.fallback = 225
	}
	if g.triggers == nil {
		g.triggers = DefaultTriggers
	}
	if g.negSites == nil {
		g.negSites = DefaultNegSites
	}
	if g.loc == nil {
		g.loc = time.UTC
	}

	g.regions = make(map[string]int)
	source := cfg.Regions
	if source == nil {
		source = DefaultRegions
	}
	for name, code := range source {
		g.regions[normalizeKey(name)] = code
	}
	return g, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// QueryHash is the stable identity of a query: SHA-1 of the
// whitespace-normalized text joined with the region code.
func QueryHash(text string, region int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d", cleaned, region)))
	return hex.EncodeToString(sum[:])
}

// ResolveRegion maps city, then country, to a region code, falling back to
// the configured default. Matching is case-insensitive.
func (g *Generator) ResolveRegion(city, country string) int {
	if code, ok := g.regions[normalizeKey(city)]; ok && city != "" {
		return code
	}
	if code, ok := g.regions[normalizeKey(country)]; ok && country != "" {
		return code
	}
	return g.fallback
}

func (g *Generator) negatives() string {
	parts := make([]string, 0, len(g.negSites))
	for _, site := range g.negSites {
		parts = append(parts, "-site:"+site)
	}
	return strings.Join(parts, " ")
}

// buildTexts returns (query text, trigger) pairs: the base query first, then
// one variant per trigger up to the per-niche cap.
func (g *Generator) buildTexts(row NicheRow) [][2]string {
	tokens := []string{"lang:" + g.language, strings.TrimSpace(row.Niche)}
	place := strings.TrimSpace(row.City)
	if place == "" {
		place = strings.TrimSpace(row.Country)
	}
	if place != "" {
		tokens = append(tokens, place)
	}
	negatives := g.negatives()

	join := func(extra string) string {
		parts := tokens
		if extra != "" {
			parts = append(append([]string{}, tokens...), extra)
		}
		text := strings.Join(parts, " ")
		if negatives != "" {
			text += " " + negatives
		}
		return text
	}

	out := [][2]string{{join(""), ""}}
	for _, trigger := range g.triggers {
		if len(out) >= g.maxQueries {
			break
		}
		out = append(out, [2]string{join(trigger), trigger})
	}
	return out
}

// windowFor returns the nightly window that now falls into, or the next one.
// If now is inside the window the first query starts immediately.
func (g *Generator) windowFor(now time.Time) (start, end time.Time) {
	local := now.In(g.loc)
	startToday := time.Date(local.Year(), local.Month(), local.Day(),
		g.windowStart.hour, g.windowStart.minute, 0, 0, g.loc)

	duration := time.Duration(g.windowEnd.minutes()-g.windowStart.minutes()) * time.Minute
	if g.windowEnd.minutes() <= g.windowStart.minutes() {
		duration += 24 * time.Hour
	}

	// A midnight-spanning window may have opened yesterday.
	if g.windowEnd.minutes() <= g.windowStart.minutes() && local.Before(startToday) {
		startPrev := startToday.AddDate(0, 0, -1)
		if !local.Before(startPrev) && !local.After(startPrev.Add(duration)) {
			return local, startPrev.Add(duration)
		}
	}

	endToday := startToday.Add(duration)
	switch {
	case !local.Before(startToday) && !local.After(endToday):
		return local, endToday
	case local.Before(startToday):
		return startToday, endToday
	default:
		return startToday.AddDate(0, 0, 1), endToday.AddDate(0, 0, 1)
	}
}

// Generate expands one row. Queries are spaced evenly from the window start
// and truncated once a slot would pass the window end.
func (g *Generator) Generate(row NicheRow) []GeneratedQuery {
	texts := g.buildTexts(row)
	start, end := g.windowFor(g.now())
	region := g.ResolveRegion(row.City, row.Country)

	base := map[string]any{
		"niche":     strings.TrimSpace(row.Niche),
		"city":      strings.TrimSpace(row.City),
		"country":   strings.TrimSpace(row.Country),
		"batch_tag": strings.TrimSpace(row.BatchTag),
		"language":  g.language,
	}

	var out []GeneratedQuery
	for idx, pair := range texts {
		scheduled := start.Add(time.Duration(idx) * g.spacing)
		if scheduled.After(end) {
			break
		}
		cleaned := strings.Join(strings.Fields(pair[0]), " ")
		metadata := make(map[string]any, len(base)+1)
		for k, v := range base {
			metadata[k] = v
		}
		metadata["trigger"] = pair[1]

		out = append(out, GeneratedQuery{
			QueryText:    cleaned,
			QueryHash:    QueryHash(cleaned, region),
			RegionCode:   region,
			ScheduledFor: scheduled,
			Trigger:      pair[1],
			Metadata:     metadata,
		})
	}
	return out
}
