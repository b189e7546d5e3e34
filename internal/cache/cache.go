// Package cache は名前付きリージョンを持つTTLキー値ストアを提供する。
// レートリミッターのカウンタ保存と購読ストアのリードスルーキャッシュに使用される。
// すべての操作はベストエフォートであり、内部エラーはログに記録した上で
// nil/no-op/falseに変換される。キャッシュがリクエスト失敗の原因になってはならない。
package cache

import (
	"log/slog"
	"sync"
	"time"
)

// Config はキャッシュの設定を保持する。
// PUT /api/config によりランタイムで差し替えられる。
type Config struct {
	Enabled    bool
	HeapSize   int           // リージョンあたりの最大エントリ数
	TTLMinutes int           // エントリの生存時間（分）
}

// DefaultConfig はデフォルトのキャッシュ設定を返す。
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		HeapSize:   1000,
		TTLMinutes: 10,
	}
}

// entry はキャッシュの1エントリ。
type entry struct {
	value     any
	storedAt  time.Time
	expiresAt time.Time
}

// region は独立した名前空間。リージョンごとにサイズ上限が適用される。
type region struct {
	entries map[string]entry
}

// Cache は名前付きリージョンを持つインメモリTTLキャッシュ。
// 全メソッドは複数goroutineから同時に呼び出しても安全。
type Cache struct {
	mu      sync.RWMutex
	cfg     Config
	regions map[string]*region
	stopCh  chan struct{}
	closed  bool
	logger  *slog.Logger
	now     func() time.Time // テスト用に差し替え可能
}

// New は新しいCacheを生成する。
// 有効な場合はバックグラウンドで期限切れエントリの掃除を開始する。
func New(cfg Config, logger *slog.Logger) *Cache {
	c := &Cache{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	c.mu.Lock()
	c.initLocked()
	c.mu.Unlock()
	return c
}

// initLocked はリージョンマップとジャニターを初期化する。c.muを保持して呼ぶこと。
func (c *Cache) initLocked() {
	if !c.cfg.Enabled || c.closed {
		return
	}
	c.regions = make(map[string]*region)
	c.stopCh = make(chan struct{})
	go c.janitorLoop(c.stopCh)
}

// teardownLocked はリージョンを破棄しジャニターを停止する。c.muを保持して呼ぶこと。
func (c *Cache) teardownLocked() {
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.regions = nil
}

// Get はリージョン内のキーに対応する値を返す。
// 見つからない、期限切れ、または無効化されている場合は(nil, false)を返す。
func (c *Cache) Get(regionName, key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.regions == nil {
		return nil, false
	}
	reg, ok := c.regions[regionName]
	if !ok {
		return nil, false
	}
	e, ok := reg.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		// 期限切れエントリはジャニターに任せ、ここでは読み飛ばすだけにする
		return nil, false
	}
	return e.value, true
}

// Put はリージョン内にキーと値を格納する。
// リージョンが上限に達している場合は最も古いエントリを追い出す。
// 無効化されている場合は何もしない。
func (c *Cache) Put(regionName, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.regions == nil {
		return
	}
	reg, ok := c.regions[regionName]
	if !ok {
		reg = &region{entries: make(map[string]entry)}
		c.regions[regionName] = reg
	}

	if _, exists := reg.entries[key]; !exists && c.cfg.HeapSize > 0 && len(reg.entries) >= c.cfg.HeapSize {
		c.evictOldestLocked(regionName, reg)
	}

	now := c.now()
	reg.entries[key] = entry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(time.Duration(c.cfg.TTLMinutes) * time.Minute),
	}
}

// Remove はリージョン内のキーを削除する。存在しない場合は何もしない。
func (c *Cache) Remove(regionName, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.regions == nil {
		return
	}
	if reg, ok := c.regions[regionName]; ok {
		delete(reg.entries, key)
	}
}

// Clear はリージョンの全エントリを削除する。
func (c *Cache) Clear(regionName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.regions == nil {
		return
	}
	if _, ok := c.regions[regionName]; ok {
		c.regions[regionName] = &region{entries: make(map[string]entry)}
	}
}

// IsAvailable はキャッシュが利用可能かを返す。
// 有効かつ未初期化の場合は遅延初期化を行う。
func (c *Cache) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.cfg.Enabled {
		return false
	}
	if c.regions == nil {
		c.initLocked()
	}
	return c.regions != nil
}

// Enabled は設定上キャッシュが有効かを返す。
// readinessチェックでは無効化されたキャッシュを障害として扱わないために使用する。
func (c *Cache) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Enabled
}

// Snapshot は現在の設定のコピーを返す。
func (c *Cache) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Reconfigure は設定を差し替え、内部ストアを破棄して再構築する。
// 再構築中の短い期間、呼び出し側はキャッシュミスを許容する必要がある。
func (c *Cache) Reconfigure(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.teardownLocked()
	c.cfg = cfg
	c.initLocked()

	c.logger.Info("キャッシュを再構成しました",
		slog.Bool("enabled", cfg.Enabled),
		slog.Int("heap_size", cfg.HeapSize),
		slog.Int("ttl_minutes", cfg.TTLMinutes),
	)
}

// Close はキャッシュを破棄する。冪等であり、以降の操作はすべてno-opになる。
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.teardownLocked()
	c.closed = true
}

// evictOldestLocked はリージョン内で最も古く格納されたエントリを追い出す。
func (c *Cache) evictOldestLocked(regionName string, reg *region) {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range reg.entries {
		if oldestKey == "" || e.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.storedAt
		}
	}
	if oldestKey != "" {
		delete(reg.entries, oldestKey)
		c.logger.Debug("キャッシュエントリを追い出しました",
			slog.String("region", regionName),
			slog.String("key", oldestKey),
		)
	}
}

// janitorLoop はバックグラウンドで期限切れエントリを定期的に削除する。
func (c *Cache) janitorLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-stopCh:
			return
		}
	}
}

// sweep は全リージョンを走査して期限切れエントリを削除する。
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.regions == nil {
		return
	}
	now := c.now()
	for _, reg := range c.regions {
		for k, e := range reg.entries {
			if now.After(e.expiresAt) {
				delete(reg.entries, k)
			}
		}
	}
}
