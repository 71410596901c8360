package tieredcache

import (
	"context"
	"sort"
	"sync"

	"github.com/quake-mirror/internal/types"
)

// Backend persists cache entries and metadata.
// PutDay must make a day's records and its metadata visible together.
type Backend interface {
	PutDay(ctx context.Context, day string, entries []CacheEntry, meta DailyMeta) error
	DayRecords(ctx context.Context, day string) ([]CacheEntry, error)
	DayMetas(ctx context.Context, day string) ([]DailyMeta, error)
	Days(ctx context.Context) ([]string, error)
	DeleteMetas(ctx context.Context, day string, metas []DailyMeta) error
	DeleteRecords(ctx context.Context, day string, region types.Region) error
	LoadInfo(ctx context.Context) (*CacheInfo, error)
	SaveInfo(ctx context.Context, info CacheInfo) error
	Clear(ctx context.Context) error
}

type memoryDay struct {
	records map[string]CacheEntry // region|externalId
	metas   map[string]DailyMeta  // region|min|max
}

// MemoryBackend keeps everything in process memory
type MemoryBackend struct {
	mu   sync.RWMutex
	days map[string]*memoryDay
	info *CacheInfo
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{days: make(map[string]*memoryDay)}
}

func recordField(region types.Region, externalID string) string {
	return string(region) + "|" + externalID
}

func metaField(m DailyMeta) string {
	return string(m.Region) + "|" + m.Range().String()
}

func (b *MemoryBackend) day(day string) *memoryDay {
	d, ok := b.days[day]
	if !ok {
		d = &memoryDay{records: map[string]CacheEntry{}, metas: map[string]DailyMeta{}}
		b.days[day] = d
	}
	return d
}

func (b *MemoryBackend) PutDay(_ context.Context, day string, entries []CacheEntry, meta DailyMeta) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.day(day)
	for _, e := range entries {
		d.records[recordField(e.Region, e.ExternalID)] = e
	}
	d.metas[metaField(meta)] = meta
	return nil
}

func (b *MemoryBackend) DayRecords(_ context.Context, day string) ([]CacheEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.days[day]
	if !ok {
		return nil, nil
	}
	out := make([]CacheEntry, 0, len(d.records))
	for _, e := range d.records {
		out = append(out, e)
	}
	return out, nil
}

func (b *MemoryBackend) DayMetas(_ context.Context, day string) ([]DailyMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.days[day]
	if !ok {
		return nil, nil
	}
	out := make([]DailyMeta, 0, len(d.metas))
	for _, m := range d.metas {
		out = append(out, m)
	}
	return out, nil
}

func (b *MemoryBackend) Days(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.days))
	for day := range b.days {
		out = append(out, day)
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBackend) DeleteMetas(_ context.Context, day string, metas []DailyMeta) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.days[day]
	if !ok {
		return nil
	}
	for _, m := range metas {
		delete(d.metas, metaField(m))
	}
	b.dropIfEmpty(day)
	return nil
}

func (b *MemoryBackend) DeleteRecords(_ context.Context, day string, region types.Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.days[day]
	if !ok {
		return nil
	}
	for field, e := range d.records {
		if e.Region == region {
			delete(d.records, field)
		}
	}
	b.dropIfEmpty(day)
	return nil
}

func (b *MemoryBackend) dropIfEmpty(day string) {
	if d := b.days[day]; d != nil && len(d.records) == 0 && len(d.metas) == 0 {
		delete(b.days, day)
	}
}

func (b *MemoryBackend) LoadInfo(_ context.Context) (*CacheInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.info == nil {
		return nil, nil
	}
	info := *b.info
	return &info, nil
}

func (b *MemoryBackend) SaveInfo(_ context.Context, info CacheInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info = &info
	return nil
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.days = make(map[string]*memoryDay)
	b.info = nil
	return nil
}
