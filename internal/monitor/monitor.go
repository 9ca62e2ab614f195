package monitor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"vehicle-radar/internal/enricher"
	"vehicle-radar/internal/fetcher"
	"vehicle-radar/internal/model"
	"vehicle-radar/internal/parser"
	"vehicle-radar/internal/storage"

	"golang.org/x/sync/errgroup"
)

// SearchConfig 定义一个被监控的搜索桶。
type SearchConfig struct {
	Name         string `yaml:"name" json:"name"`
	Manufacturer int    `yaml:"manufacturer" json:"manufacturer"`
	Model        int    `yaml:"model" json:"model"`
	PriceRange   string `yaml:"price_range" json:"price_range"`
	KMRange      string `yaml:"km_range" json:"km_range"`
	MaxPages     int    `yaml:"max_pages" json:"max_pages"`
	Enabled      bool   `yaml:"enabled" json:"enabled"`
}

// Config 用于监控循环配置。
type Config struct {
	CheckInterval            string         `yaml:"check_interval" json:"check_interval"`
	MaxNotificationsPerCheck int            `yaml:"max_notifications_per_check" json:"max_notifications_per_check"`
	NotifyDelay              string         `yaml:"notify_delay" json:"notify_delay"`
	CleanupInterval          string         `yaml:"cleanup_interval" json:"cleanup_interval"`
	KeepRecordsDays          int            `yaml:"keep_records_days" json:"keep_records_days"`
	DebugDir                 string         `yaml:"debug_dir" json:"debug_dir"`
	Searches                 []SearchConfig `yaml:"searches" json:"searches"`
}

// Fetcher 抽象页面抓取接口。
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Validate(body []byte) bool
	SearchURL(p fetcher.SearchParams) string
}

// Normalizer 抽象 feed 规范化接口。
type Normalizer interface {
	NormalizeFeed(feed parser.Feed, bucket parser.Bucket) []model.Vehicle
}

// Enricher 抽象详情页补抓接口。
type Enricher interface {
	Enrich(ctx context.Context, token string) enricher.Details
}

// Store 抽象存储接口，便于测试替换。
type Store interface {
	Exists(ctx context.Context, token string) (bool, error)
	UpsertVehicles(ctx context.Context, vehicles []model.Vehicle) (storage.UpsertResult, error)
	MarkNotified(ctx context.Context, tokens []string) error
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
}

// Notifier 用于发送新车源通知与运维告警。
type Notifier interface {
	NotifyVehicle(ctx context.Context, v model.Vehicle) error
	Alert(ctx context.Context, text string) error
}

// cycleState 是跨迭代传递的循环状态：告警门闩与上次清理时间。
// 显式随每轮传递，不做包级可变状态。
type cycleState struct {
	alertActive bool
	lastCleanup time.Time
}

// Monitor 负责周期性执行 抓取→解析→规范化→补抓→入库→通知 的完整循环。
// 桶处理、补抓与通知在一轮内严格串行，以遵守站点限流。
type Monitor struct {
	fetch       Fetcher
	normalizer  Normalizer
	enrich      Enricher
	store       Store
	notif       Notifier
	searches    []SearchConfig
	interval    time.Duration
	notifyDelay time.Duration
	cleanupIvl  time.Duration
	keepDays    int
	maxNotify   int
	debugDir    string
	running     atomic.Bool
	monitoring  atomic.Bool
	state       cycleState
	newTicker   func(time.Duration) ticker
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration)
	logger      *log.Logger
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewMonitor 创建 Monitor，解析配置的时间参数并过滤未启用的搜索桶。
func NewMonitor(f Fetcher, n Normalizer, e Enricher, s Store, notif Notifier, cfg Config) *Monitor {
	interval := parseDuration(cfg.CheckInterval, time.Minute)
	notifyDelay := parseDuration(cfg.NotifyDelay, time.Second)
	cleanupIvl := parseDuration(cfg.CleanupInterval, time.Hour)

	keepDays := cfg.KeepRecordsDays
	if keepDays <= 0 {
		keepDays = 7
	}
	maxNotify := cfg.MaxNotificationsPerCheck
	if maxNotify <= 0 {
		maxNotify = 10
	}

	searches := make([]SearchConfig, 0, len(cfg.Searches))
	for _, search := range cfg.Searches {
		if search.Enabled {
			searches = append(searches, search)
		}
	}

	return &Monitor{
		fetch:       f,
		normalizer:  n,
		enrich:      e,
		store:       s,
		notif:       notif,
		searches:    searches,
		interval:    interval,
		notifyDelay: notifyDelay,
		cleanupIvl:  cleanupIvl,
		keepDays:    keepDays,
		maxNotify:   maxNotify,
		debugDir:    cfg.DebugDir,
		newTicker:   defaultTicker,
		now:         time.Now,
		sleep:       sleepContext,
		logger:      log.New(os.Stdout, "[monitor] ", log.LstdFlags),
	}
}

// Start 启动监控循环，先立即执行一轮，之后按间隔触发，直到上下文取消。
// 单轮内的错误只记录日志，循环本身不中止。
func (m *Monitor) Start(ctx context.Context) error {
	if m.fetch == nil || m.normalizer == nil || m.store == nil || m.notif == nil {
		return fmt.Errorf("monitor missing dependencies")
	}

	m.monitoring.Store(true)
	defer m.monitoring.Store(false)

	g, ctx := errgroup.WithContext(ctx)

	tick := m.newTicker(m.interval)
	ch := tick.C()

	g.Go(func() error {
		defer tick.Stop()

		if _, err := m.runOnce(ctx); err != nil {
			m.logger.Printf("cycle error: %v", err)
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				if _, err := m.runOnce(ctx); err != nil {
					m.logger.Printf("cycle error: %v", err)
				}
			drain:
				for {
					select {
					case <-ch:
						continue
					default:
						break drain
					}
				}
			}
		}
	})

	return g.Wait()
}

// RunOnce 对外暴露单轮检查接口，便于手动刷新，返回新增记录数。
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	return m.runOnce(ctx)
}

// Monitoring 返回循环是否在运行，供运维接口查询。
func (m *Monitor) Monitoring() bool {
	return m.monitoring.Load()
}

// CheckInterval 返回配置的检查间隔。
func (m *Monitor) CheckInterval() time.Duration {
	return m.interval
}

// Searches 返回启用中的搜索桶。
func (m *Monitor) Searches() []SearchConfig {
	return m.searches
}

func (m *Monitor) runOnce(ctx context.Context) (int, error) {
	if m.running.Swap(true) {
		return 0, nil
	}
	defer m.running.Store(false)

	state, created, err := m.runCycle(ctx, m.state)
	m.state = state
	return created, err
}

func (m *Monitor) runCycle(ctx context.Context, state cycleState) (cycleState, int, error) {
	if state.lastCleanup.IsZero() {
		state.lastCleanup = m.now()
	}

	created := 0
	invalid := make([]string, 0)

	for _, search := range m.searches {
		if ctx.Err() != nil {
			return state, created, ctx.Err()
		}

		n, badResponse, err := m.checkBucket(ctx, search)
		if badResponse {
			invalid = append(invalid, search.Name)
			continue
		}
		if err != nil {
			m.logger.Printf("check %s: %v", search.Name, err)
			continue
		}
		created += n
	}

	state = m.raiseInvalidAlert(ctx, state, invalid)

	// 周期性清理超出保留窗口的记录。
	if m.now().Sub(state.lastCleanup) >= m.cleanupIvl {
		if deleted, err := m.store.PurgeOlderThan(ctx, m.keepDays); err != nil {
			m.logger.Printf("cleanup: %v", err)
		} else {
			m.logger.Printf("cleanup: deleted %d vehicles older than %d days", deleted, m.keepDays)
		}
		state.lastCleanup = m.now()
	}

	return state, created, nil
}

// checkBucket 执行单个搜索桶的一轮处理，只抓第一页（高频检查模式）。
// badResponse 表示"请求成功但内容不可用"（通常是反爬拦截页），
// 与网络/解析错误分开上报。
func (m *Monitor) checkBucket(ctx context.Context, search SearchConfig) (created int, badResponse bool, err error) {
	url := m.fetch.SearchURL(fetcher.SearchParams{
		Manufacturer: search.Manufacturer,
		Model:        search.Model,
		PriceRange:   search.PriceRange,
		KMRange:      search.KMRange,
		Page:         1,
	})

	body, err := m.fetch.Get(ctx, url)
	if err != nil {
		return 0, false, fmt.Errorf("fetch page: %w", err)
	}
	if !m.fetch.Validate(body) {
		m.dumpDebug(search.Name, body)
		return 0, true, nil
	}

	jsonText, err := parser.ExtractEmbeddedJSON(string(body))
	if err != nil {
		return 0, false, fmt.Errorf("extract embedded json: %w", err)
	}
	feed, err := parser.ParseSearchFeed(jsonText)
	if err != nil {
		return 0, false, fmt.Errorf("parse feed: %w", err)
	}

	bucket := parser.Bucket{Manufacturer: search.Manufacturer, Model: search.Model}
	vehicles := m.normalizer.NormalizeFeed(feed, bucket)
	m.enrichMissingKM(ctx, vehicles)

	res, err := m.store.UpsertVehicles(ctx, vehicles)
	if err != nil {
		return 0, false, fmt.Errorf("upsert vehicles: %w", err)
	}

	m.notifyNew(ctx, search, res.NewVehicles)
	return res.Created, false, nil
}

// enrichMissingKM 对里程为未知哨兵值的新 token 做详情页补抓。
// 已入库的 token 不再补抓，避免每轮重复打详情页。
func (m *Monitor) enrichMissingKM(ctx context.Context, vehicles []model.Vehicle) {
	if m.enrich == nil {
		return
	}
	for i := range vehicles {
		if vehicles[i].KM != 0 {
			continue
		}
		exists, err := m.store.Exists(ctx, vehicles[i].Token)
		if err != nil {
			m.logger.Printf("exists %s: %v", vehicles[i].Token, err)
			continue
		}
		if exists {
			continue
		}
		details := m.enrich.Enrich(ctx, vehicles[i].Token)
		if details.Empty() {
			continue
		}
		enricher.Apply(&vehicles[i], details)
	}
}

// notifyNew 对新入库记录逐条发送通知，超出单轮上限的留待下一轮。
// 先发送、成功后立即标记，发送失败的记录保持未通知状态等待重试。
func (m *Monitor) notifyNew(ctx context.Context, search SearchConfig, newVehicles []model.Vehicle) {
	if len(newVehicles) == 0 {
		m.logger.Printf("no new vehicles for %s", search.Name)
		return
	}

	toNotify := newVehicles
	if len(toNotify) > m.maxNotify {
		m.logger.Printf("found %d new vehicles for %s, notifying only %d to avoid spam", len(newVehicles), search.Name, m.maxNotify)
		toNotify = toNotify[:m.maxNotify]
	}

	for _, v := range toNotify {
		if err := m.notif.NotifyVehicle(ctx, v); err != nil {
			m.logger.Printf("notify %s: %v", v.Token, err)
		} else if err := m.store.MarkNotified(ctx, []string{v.Token}); err != nil {
			m.logger.Printf("mark notified %s: %v", v.Token, err)
		}
		m.sleep(ctx, m.notifyDelay)
	}

	m.logger.Printf("found %d new vehicles for %s", len(newVehicles), search.Name)
}

// raiseInvalidAlert 聚合本轮的无效响应桶并去重告警：
// 门闩置位后连续的无效轮次不再重复告警，出现一轮全部正常后复位。
func (m *Monitor) raiseInvalidAlert(ctx context.Context, state cycleState, invalid []string) cycleState {
	if len(invalid) == 0 {
		state.alertActive = false
		return state
	}
	if state.alertActive {
		return state
	}
	text := fmt.Sprintf("⚠️ Invalid responses for: %s. Possible bot detection, manual check needed.", strings.Join(invalid, ", "))
	if err := m.notif.Alert(ctx, text); err != nil {
		m.logger.Printf("alert: %v", err)
		return state
	}
	state.alertActive = true
	return state
}

// dumpDebug 将无效响应原文落盘，供离线排查拦截页。
func (m *Monitor) dumpDebug(name string, body []byte) {
	if m.debugDir == "" {
		return
	}
	if err := os.MkdirAll(m.debugDir, 0o755); err != nil {
		m.logger.Printf("debug dir: %v", err)
		return
	}
	filename := fmt.Sprintf("%s_%s.html", sanitizeName(name), m.now().Format("20060102_150405"))
	if err := os.WriteFile(filepath.Join(m.debugDir, filename), body, 0o644); err != nil {
		m.logger.Printf("debug dump: %v", err)
	}
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func defaultTicker(d time.Duration) ticker {
	t := time.NewTicker(d)
	return tickerWrapper{t}
}

type tickerWrapper struct {
	*time.Ticker
}

func (t tickerWrapper) C() <-chan time.Time { return t.Ticker.C }
func (t tickerWrapper) Stop()               { t.Ticker.Stop() }
