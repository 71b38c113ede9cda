// Package mxrouter classifies recipient domains as Russian-hosted or not by
// inspecting their MX records, backed by a TTL+LRU cache. The sender uses the
// classification to pick an SMTP channel.
package mxrouter

import (
	"container/list"
	"context"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/leadforge/leadgen-pipeline/internal/normalize"
)

// Class is the routing classification of a recipient domain.
type Class string

const (
	ClassRU      Class = "RU"
	ClassOther   Class = "OTHER"
	ClassUnknown Class = "UNKNOWN"
)

// Result carries a classification together with the MX records that produced
// it and whether it was served from cache.
type Result struct {
	Class   Class
	Records []string
	TTLHit  bool
}

// Lookuper resolves MX records for a domain. *net.Resolver satisfies it.
type Lookuper interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

// Config controls routing behavior. Zero values fall back to defaults via
// the accessor methods.
type Config struct {
	Enabled        bool
	CacheTTLHours  int
	CacheMaxSize   int
	DNSTimeoutMS   int
	Resolvers      []string // explicit resolver addresses, "ip:port"
	RUMXPatterns   []string // substring matches against MX exchanges
	RUTLDs         []string // suffix matches against MX exchanges
	ForceRUDomains []string // domains classified RU without a lookup
}

func (c Config) cacheTTL() time.Duration {
	if c.CacheTTLHours <= 0 {
		return 168 * time.Hour
	}
	return time.Duration(c.CacheTTLHours) * time.Hour
}

func (c Config) cacheMax() int {
	if c.CacheMaxSize <= 0 {
		return 1024
	}
	return c.CacheMaxSize
}

func (c Config) dnsTimeout() time.Duration {
	if c.DNSTimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.DNSTimeoutMS) * time.Millisecond
}

func (c Config) ruPatterns() []string {
	if len(c.RUMXPatterns) > 0 {
		return c.RUMXPatterns
	}
	return defaultRUPatterns
}

func (c Config) ruTLDs() []string {
	if len(c.RUTLDs) > 0 {
		return c.RUTLDs
	}
	return defaultRUTLDs
}

var (
	defaultRUPatterns = []string{
		"yandex", "mail.ru", "rambler", "beget", "timeweb",
		"reg.ru", "nic.ru", "masterhost", "sprinthost", "majordomo",
	}
	defaultRUTLDs = []string{".ru", ".su"}
)

type cacheEntry struct {
	domain    string
	class     Class
	records   []string
	expiresAt time.Time
}

// Router performs cached MX classification. Safe for concurrent use.
type Router struct {
	cfg     Config
	lookups []Lookuper
	now     func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used
}

// New builds a Router from config. Explicit resolvers are tried before the
// system resolver; at most two lookup attempts are made per classification.
func New(cfg Config) *Router {
	var lookups []Lookuper
	for _, addr := range cfg.Resolvers {
		addr := addr
		if !strings.Contains(addr, ":") {
			addr += ":53"
		}
		lookups = append(lookups, &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: cfg.dnsTimeout()}
				return d.DialContext(ctx, network, addr)
			},
		})
	}
	lookups = append(lookups, &net.Resolver{})
	return NewWithLookups(cfg, lookups)
}

// NewWithLookups builds a Router over caller-supplied resolvers.
func NewWithLookups(cfg Config, lookups []Lookuper) *Router {
	return &Router{
		cfg:     cfg,
		lookups: lookups,
		now:     time.Now,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Classify returns the routing class for a domain. DNS failures degrade to
// ClassUnknown and are never cached; only successful resolutions and forced
// domains enter the cache.
func (r *Router) Classify(ctx context.Context, domain string) Result {
	if !r.cfg.Enabled {
		return Result{Class: ClassOther}
	}

	key := normalize.Domain(domain)
	if key == "" {
		return Result{Class: ClassUnknown}
	}

	if entry, ok := r.cacheGet(key); ok {
		return Result{Class: entry.class, Records: entry.records, TTLHit: true}
	}

	for _, forced := range r.cfg.ForceRUDomains {
		if strings.EqualFold(strings.TrimSpace(forced), key) {
			r.cachePut(key, ClassRU, nil)
			return Result{Class: ClassRU}
		}
	}

	records, err := r.lookupMX(ctx, key)
	if err != nil {
		log.Printf("[MXRouter] MX lookup failed for %s: %v", key, err)
		return Result{Class: ClassUnknown}
	}

	class := r.classifyRecords(records)
	r.cachePut(key, class, records)
	return Result{Class: class, Records: records}
}

func (r *Router) lookupMX(ctx context.Context, domain string) ([]string, error) {
	var lastErr error
	attempts := 0
	for _, lookup := range r.lookups {
		if attempts >= 2 {
			break
		}
		attempts++

		lctx, cancel := context.WithTimeout(ctx, r.cfg.dnsTimeout())
		mx, err := lookup.LookupMX(lctx, domain)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		records := make([]string, 0, len(mx))
		for _, rec := range mx {
			host := strings.TrimSuffix(strings.ToLower(rec.Host), ".")
			if host != "" {
				records = append(records, host)
			}
		}
		return records, nil
	}
	return nil, lastErr
}

func (r *Router) classifyRecords(records []string) Class {
	for _, host := range records {
		for _, pattern := range r.cfg.ruPatterns() {
			if pattern != "" && strings.Contains(host, strings.ToLower(pattern)) {
				return ClassRU
			}
		}
		for _, tld := range r.cfg.ruTLDs() {
			if tld != "" && strings.HasSuffix(host, strings.ToLower(tld)) {
				return ClassRU
			}
		}
	}
	return ClassOther
}

func (r *Router) cacheGet(key string) (*cacheEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if r.now().After(entry.expiresAt) {
		r.order.Remove(elem)
		delete(r.items, key)
		return nil, false
	}
	r.order.MoveToFront(elem)
	return entry, true
}

func (r *Router) cachePut(key string, class Class, records []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &cacheEntry{
		domain:    key,
		class:     class,
		records:   records,
		expiresAt: r.now().Add(r.cfg.cacheTTL()),
	}
	if elem, ok := r.items[key]; ok {
		elem.Value = entry
		r.order.MoveToFront(elem)
		return
	}
	r.items[key] = r.order.PushFront(entry)

	for r.order.Len() > r.cfg.cacheMax() {
		oldest := r.order.Back()
		if oldest == nil {
			break
		}
		r.order.Remove(oldest)
		delete(r.items, oldest.Value.(*cacheEntry).domain)
	}
}

// CacheLen reports the number of cached classifications.
func (r *Router) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
