package mxrouter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	records map[string][]*net.MX
	err     error
	calls   int
}

func (f *fakeLookup) LookupMX(_ context.Context, domain string) ([]*net.MX, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if mx, ok := f.records[domain]; ok {
		return mx, nil
	}
	return nil, errors.New("no such host")
}

func mx(hosts ...string) []*net.MX {
	out := make([]*net.MX, 0, len(hosts))
	for i, h := range hosts {
		out = append(out, &net.MX{Host: h, Pref: uint16(10 * (i + 1))})
	}
	return out
}

func newTestRouter(cfg Config, lookup Lookuper) *Router {
	cfg.Enabled = true
	return NewWithLookups(cfg, []Lookuper{lookup})
}

func TestClassify_Disabled(t *testing.T) {
	r := NewWithLookups(Config{Enabled: false}, nil)
	res := r.Classify(context.Background(), "yandex.ru")
	assert.Equal(t, ClassOther, res.Class)
	assert.Empty(t, res.Records)
}

func TestClassify_EmptyDomain(t *testing.T) {
	r := newTestRouter(Config{}, &fakeLookup{})
	res := r.Classify(context.Background(), "   ")
	assert.Equal(t, ClassUnknown, res.Class)
}

func TestClassify_ForceRUDomain(t *testing.T) {
	lookup := &fakeLookup{}
	r := newTestRouter(Config{ForceRUDomains: []string{"mail.ru"}}, lookup)

	first := r.Classify(context.Background(), "mail.ru")
	assert.Equal(t, ClassRU, first.Class)
	assert.Empty(t, first.Records)
	assert.False(t, first.TTLHit)

	second := r.Classify(context.Background(), "mail.ru")
	assert.Equal(t, ClassRU, second.Class)
	assert.True(t, second.TTLHit)
	assert.Equal(t, 0, lookup.calls, "forced domains must never hit DNS")
}

func TestClassify_RUByPattern(t *testing.T) {
	lookup := &fakeLookup{records: map[string][]*net.MX{
		"yandex.ru": mx("mx.yandex.net."),
	}}
	r := newTestRouter(Config{}, lookup)

	res := r.Classify(context.Background(), "yandex.ru")
	assert.Equal(t, ClassRU, res.Class)
	assert.Equal(t, []string{"mx.yandex.net"}, res.Records)
	assert.False(t, res.TTLHit)
}

func TestClassify_RUByTLD(t *testing.T) {
	lookup := &fakeLookup{records: map[string][]*net.MX{
		"example.com": mx("mail.hoster.spb.ru."),
	}}
	r := newTestRouter(Config{}, lookup)

	res := r.Classify(context.Background(), "example.com")
	assert.Equal(t, ClassRU, res.Class)
}

func TestClassify_Other(t *testing.T) {
	lookup := &fakeLookup{records: map[string][]*net.MX{
		"example.com": mx("aspmx.l.google.com."),
	}}
	r := newTestRouter(Config{}, lookup)

	res := r.Classify(context.Background(), "example.com")
	assert.Equal(t, ClassOther, res.Class)
	assert.Equal(t, []string{"aspmx.l.google.com"}, res.Records)
}

func TestClassify_CacheHitSkipsDNS(t *testing.T) {
	lookup := &fakeLookup{records: map[string][]*net.MX{
		"example.com": mx("aspmx.l.google.com."),
	}}
	r := newTestRouter(Config{}, lookup)

	first := r.Classify(context.Background(), "example.com")
	require.False(t, first.TTLHit)
	require.Equal(t, 1, lookup.calls)

	second := r.Classify(context.Background(), "example.com")
	assert.True(t, second.TTLHit)
	assert.Equal(t, first.Class, second.Class)
	assert.Equal(t, first.Records, second.Records)
	assert.Equal(t, 1, lookup.calls, "cached entry must not issue a DNS query")
}

func TestClassify_TTLExpiry(t *testing.T) {
	lookup := &fakeLookup{records: map[string][]*net.MX{
		"example.com": mx("aspmx.l.google.com."),
	}}
	r := newTestRouter(Config{CacheTTLHours: 1}, lookup)

	current := time.Now()
	r.now = func() time.Time { return current }

	r.Classify(context.Background(), "example.com")
	current = current.Add(2 * time.Hour)

	res := r.Classify(context.Background(), "example.com")
	assert.False(t, res.TTLHit)
	assert.Equal(t, 2, lookup.calls)
}

func TestClassify_DNSErrorNotCached(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("dns timeout")}
	r := newTestRouter(Config{}, lookup)

	res := r.Classify(context.Background(), "example.com")
	assert.Equal(t, ClassUnknown, res.Class)
	assert.Equal(t, 0, r.CacheLen(), "failures must not enter the cache")

	r.Classify(context.Background(), "example.com")
	assert.Equal(t, 2, lookup.calls, "unknown results are re-resolved")
}

func TestClassify_AtMostTwoAttempts(t *testing.T) {
	a := &fakeLookup{err: errors.New("unreachable")}
	b := &fakeLookup{err: errors.New("unreachable")}
	c := &fakeLookup{err: errors.New("unreachable")}
	cfg := Config{Enabled: true}
	r := NewWithLookups(cfg, []Lookuper{a, b, c})

	res := r.Classify(context.Background(), "example.com")
	assert.Equal(t, ClassUnknown, res.Class)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 0, c.calls)
}

func TestCache_LRUEviction(t *testing.T) {
	records := make(map[string][]*net.MX)
	for i := 0; i < 4; i++ {
		records[fmt.Sprintf("host%d.com", i)] = mx("aspmx.l.google.com.")
	}
	lookup := &fakeLookup{records: records}
	r := newTestRouter(Config{CacheMaxSize: 2}, lookup)

	r.Classify(context.Background(), "host0.com")
	r.Classify(context.Background(), "host1.com")
	r.Classify(context.Background(), "host0.com") // refresh host0
	r.Classify(context.Background(), "host2.com") // evicts host1

	assert.Equal(t, 2, r.CacheLen())

	res := r.Classify(context.Background(), "host0.com")
	assert.True(t, res.TTLHit, "recently used entry should survive eviction")

	before := lookup.calls
	r.Classify(context.Background(), "host1.com")
	assert.Equal(t, before+1, lookup.calls, "evicted entry must be re-resolved")
}
