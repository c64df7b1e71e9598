package cache

import (
	"bytes"
	"container/list"
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultCapacity は既定の最大エントリ数。
	DefaultCapacity = 1024
	// DefaultShards は既定のシャード数。
	DefaultShards = 16
)

// Event はキャッシュで発生したイベントの種類。
type Event string

const (
	EventHit           Event = "hit"
	EventMiss          Event = "miss"
	EventStore         Event = "store"
	EventEvictCapacity Event = "evict_capacity"
	EventEvictExpired  Event = "evict_expired"
)

// Observer はキャッシュのイベントを受け取る。メトリクス収集に使う。
type Observer interface {
	ObserveCache(event Event)
}

// Entry はキャッシュされた上流レスポンス。
// 格納後は不変であり、読み出し側は内容を書き換えてはならない。
type Entry struct {
	Status      int
	Header      http.Header
	Body        []byte
	ContentType string
	StoredAt    time.Time
	TTL         time.Duration
}

// ExpiresAt はエントリの有効期限を返す。
func (e *Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// Fresh は指定時刻においてエントリが有効かを返す。
// 有効期限ちょうどの時刻では既に無効とする。
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

// Age は格納からの経過時間を返す。
func (e *Entry) Age(now time.Time) time.Duration {
	if now.Before(e.StoredAt) {
		return 0
	}
	return now.Sub(e.StoredAt)
}

// clone はヘッダーとボディを複製したエントリを返す。
func (e *Entry) clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Body = bytes.Clone(e.Body)
	return &c
}

// Stats はキャッシュの統計情報。
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Stores    int64 `json:"stores"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// Cache はTTLとLRUで管理されるレスポンスキャッシュ。
// キーはシャードに分散され、ロックはシャード単位で短時間のみ保持する。
// エントリは丸ごと差し替えるため、読み出しが書き込みと競合しても
// 古い値か新しい値のいずれかが返り、部分的な値が見えることはない。
type Cache struct {
	shards   []*shard
	now      func() time.Time
	observer Observer

	hits      atomic.Int64
	misses    atomic.Int64
	stores    atomic.Int64
	evictions atomic.Int64
}

// shard はキャッシュの1区画。LRU順の双方向リストとマップを持つ。
type shard struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

// item はLRUリストの要素。
type item struct {
	key   string
	entry *Entry
}

// Option はキャッシュ生成時のオプション。
type Option func(*config)

type config struct {
	capacity int
	shards   int
	now      func() time.Time
	observer Observer
}

// WithCapacity は最大エントリ数を指定する。
func WithCapacity(n int) Option {
	return func(c *config) {
		c.capacity = n
	}
}

// WithShards はシャード数を指定する。
func WithShards(n int) Option {
	return func(c *config) {
		c.shards = n
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithObserver はイベントの通知先を指定する。
func WithObserver(o Observer) Option {
	return func(c *config) {
		c.observer = o
	}
}

// New は新しいキャッシュを生成する。
func New(opts ...Option) *Cache {
	cfg := &config{
		capacity: DefaultCapacity,
		shards:   DefaultShards,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.capacity <= 0 {
		cfg.capacity = DefaultCapacity
	}
	if cfg.shards <= 0 {
		cfg.shards = DefaultShards
	}
	if cfg.shards > cfg.capacity {
		cfg.shards = cfg.capacity
	}

	// 容量はシャードに均等に割り当てる（端数は切り上げ）
	perShard := (cfg.capacity + cfg.shards - 1) / cfg.shards

	c := &Cache{
		shards:   make([]*shard, cfg.shards),
		now:      cfg.now,
		observer: cfg.observer,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			capacity: perShard,
			items:    make(map[string]*list.Element),
			order:    list.New(),
		}
	}
	return c
}

// shardFor はキーを担当するシャードを返す。
func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Get はキーに対応する有効なエントリを返す。
// 期限切れのエントリは参照時に削除し、ミスとして扱う。
func (c *Cache) Get(key string) (*Entry, bool) {
	now := c.now()
	s := c.shardFor(key)

	s.mu.Lock()
	el, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		c.record(EventMiss)
		return nil, false
	}

	entry := el.Value.(*item).entry
	if !entry.Fresh(now) {
		s.remove(el)
		s.mu.Unlock()
		c.record(EventEvictExpired)
		c.record(EventMiss)
		return nil, false
	}
	s.order.MoveToFront(el)
	s.mu.Unlock()

	c.record(EventHit)
	return entry, true
}

// Put はエントリを格納する。StoredAt が未設定の場合は現在時刻を使う。
// TTLが正でないエントリは格納しない。容量を超えた場合は最も長く使われていない
// エントリを削除する。
func (c *Cache) Put(key string, e *Entry) {
	if e == nil || e.TTL <= 0 {
		return
	}
	entry := e.clone()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.now()
	}

	s := c.shardFor(key)
	evicted := 0

	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		el.Value = &item{key: key, entry: entry}
		s.order.MoveToFront(el)
	} else {
		s.items[key] = s.order.PushFront(&item{key: key, entry: entry})
		for s.order.Len() > s.capacity {
			s.remove(s.order.Back())
			evicted++
		}
	}
	s.mu.Unlock()

	c.record(EventStore)
	for range evicted {
		c.record(EventEvictCapacity)
	}
}

// Delete はキーに対応するエントリを削除する。
func (c *Cache) Delete(key string) bool {
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return false
	}
	s.remove(el)
	return true
}

// Len は格納中のエントリ数を返す。期限切れで未削除のエントリも含む。
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Sweep は期限切れのエントリを全シャードから削除し、削除数を返す。
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0

	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.order.Front(); el != nil; {
			next := el.Next()
			if !el.Value.(*item).entry.Fresh(now) {
				s.remove(el)
				removed++
			}
			el = next
		}
		s.mu.Unlock()
	}

	for range removed {
		c.record(EventEvictExpired)
	}
	return removed
}

// Run はコンテキストが終了するまで一定間隔で Sweep を実行する。
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats は統計情報のスナップショットを返す。
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Stores:    c.stores.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}

// record は統計を更新し、オブザーバーに通知する。
func (c *Cache) record(event Event) {
	switch event {
	case EventHit:
		c.hits.Add(1)
	case EventMiss:
		c.misses.Add(1)
	case EventStore:
		c.stores.Add(1)
	case EventEvictCapacity, EventEvictExpired:
		c.evictions.Add(1)
	}
	if c.observer != nil {
		c.observer.ObserveCache(event)
	}
}

// remove は要素をリストとマップから削除する。ロックを保持して呼び出すこと。
func (s *shard) remove(el *list.Element) {
	delete(s.items, el.Value.(*item).key)
	s.order.Remove(el)
}
