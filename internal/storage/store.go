package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"vehicle-radar/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Store 封装 SQLite 数据库访问，负责车源记录的去重写入、通知状态与检索。
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *log.Logger
}

// UpsertResult 表示一次批量写入的结果，NewVehicles 仅含首次出现的记录。
type UpsertResult struct {
	Created     int
	NewVehicles []model.Vehicle
}

// UnnotifiedQuery 描述未通知记录的筛选条件。
type UnnotifiedQuery struct {
	ManufacturerID int
	ModelID        int
	Limit          int
}

// Stats 汇总数据库统计信息。
type Stats struct {
	TotalVehicles       int64      `json:"total_vehicles"`
	UnnotifiedVehicles  int64      `json:"unnotified_vehicles"`
	UniqueManufacturers int64      `json:"unique_manufacturers"`
	UniqueModels        int64      `json:"unique_models"`
	OldestEntry         *time.Time `json:"oldest_entry"`
	NewestEntry         *time.Time `json:"newest_entry"`
}

// SearchFilters 描述即席检索条件，全部条件按 AND 组合。
type SearchFilters struct {
	PriceMin          *int
	PriceMax          *int
	KMMax             *int
	ProductionYearMin *int
	Make              string
	City              string
}

// NewStore 创建 Store 并自动迁移数据表与 payload 表达式索引。
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&model.Vehicle{}); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	// payload 子字段的表达式索引，支撑价格/出厂日期/里程的即席检索。
	for _, stmt := range []string{
		"CREATE INDEX IF NOT EXISTS idx_vehicles_payload_price ON vehicles (json_extract(payload, '$.price'))",
		"CREATE INDEX IF NOT EXISTS idx_vehicles_payload_production ON vehicles (json_extract(payload, '$.productionDate'))",
		"CREATE INDEX IF NOT EXISTS idx_vehicles_payload_km ON vehicles (json_extract(payload, '$.km'))",
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("create payload index: %w", err)
		}
	}

	return &Store{
		db:     db,
		now:    time.Now,
		logger: log.New(os.Stdout, "[store] ", log.LstdFlags),
	}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// Exists 判断指定 token 是否已入库。
func (s *Store) Exists(ctx context.Context, token string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Vehicle{}).Where("token = ?", token).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count token: %w", err)
	}
	return count > 0, nil
}

// mutableColumns 是再次观察到同一 token 时允许刷新的列，
// token/first_seen/notified 一经写入不再改动。
var mutableColumns = []string{
	"manufacturer_id", "model_id", "price", "city", "make", "model_name",
	"sub_model", "hp", "production_year", "production_month", "km", "hand",
	"listing_type", "description", "link", "years_on_road", "km_per_year",
	"payload", "last_seen",
}

// UpsertVehicles 逐条写入记录：已有 token 刷新可变字段与 last_seen，
// 新 token 以 first_seen=last_seen=now、notified=false 插入并计入返回结果。
// 单条失败只记录日志，不中断整批。
func (s *Store) UpsertVehicles(ctx context.Context, vehicles []model.Vehicle) (UpsertResult, error) {
	res := UpsertResult{}
	now := s.now()

	for i := range vehicles {
		v := vehicles[i]
		v.LastSeen = now

		exists, err := s.Exists(ctx, v.Token)
		if err != nil {
			s.logger.Printf("upsert %s: %v", v.Token, err)
			continue
		}

		if exists {
			tx := s.db.WithContext(ctx).Model(&model.Vehicle{}).
				Where("token = ?", v.Token).
				Select(mutableColumns).
				Updates(&v)
			if tx.Error != nil {
				s.logger.Printf("update %s: %v", v.Token, tx.Error)
			}
			continue
		}

		v.FirstSeen = now
		v.Notified = false
		if err := s.db.WithContext(ctx).Create(&v).Error; err != nil {
			s.logger.Printf("insert %s: %v", v.Token, err)
			continue
		}
		res.Created++
		res.NewVehicles = append(res.NewVehicles, v)
	}

	return res, nil
}

// MarkNotified 将给定 token 置为已通知，幂等。
func (s *Store) MarkNotified(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	tx := s.db.WithContext(ctx).Model(&model.Vehicle{}).
		Where("token IN ?", tokens).
		Update("notified", true)
	if tx.Error != nil {
		return fmt.Errorf("mark notified: %w", tx.Error)
	}
	return nil
}

// Unnotified 返回尚未通知的记录，按 first_seen 倒序，可按搜索桶过滤。
func (s *Store) Unnotified(ctx context.Context, query UnnotifiedQuery) ([]model.Vehicle, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}

	tx := s.db.WithContext(ctx).Where("notified = ?", false)
	if query.ManufacturerID > 0 {
		tx = tx.Where("manufacturer_id = ?", query.ManufacturerID)
	}
	if query.ModelID > 0 {
		tx = tx.Where("model_id = ?", query.ModelID)
	}

	var vehicles []model.Vehicle
	if err := tx.Order("first_seen DESC").Limit(limit).Find(&vehicles).Error; err != nil {
		return nil, fmt.Errorf("list unnotified: %w", err)
	}
	return vehicles, nil
}

// VehicleStats 返回数据库统计信息。
func (s *Store) VehicleStats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx).Model(&model.Vehicle{})

	if err := db.Count(&stats.TotalVehicles).Error; err != nil {
		return stats, fmt.Errorf("count vehicles: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&model.Vehicle{}).Where("notified = ?", false).Count(&stats.UnnotifiedVehicles).Error; err != nil {
		return stats, fmt.Errorf("count unnotified: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&model.Vehicle{}).Distinct("manufacturer_id").Count(&stats.UniqueManufacturers).Error; err != nil {
		return stats, fmt.Errorf("count manufacturers: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&model.Vehicle{}).Distinct("model_id").Count(&stats.UniqueModels).Error; err != nil {
		return stats, fmt.Errorf("count models: %w", err)
	}

	var oldest model.Vehicle
	err := s.db.WithContext(ctx).Order("first_seen ASC").First(&oldest).Error
	switch {
	case err == nil:
		stats.OldestEntry = &oldest.FirstSeen
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return stats, fmt.Errorf("oldest entry: %w", err)
	}

	var newest model.Vehicle
	err = s.db.WithContext(ctx).Order("first_seen DESC").First(&newest).Error
	switch {
	case err == nil:
		stats.NewestEntry = &newest.FirstSeen
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return stats, fmt.Errorf("newest entry: %w", err)
	}

	return stats, nil
}

// PurgeOlderThan 无条件删除 first_seen 早于保留窗口的记录，返回删除数。
func (s *Store) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -days)
	tx := s.db.WithContext(ctx).Where("first_seen < ?", cutoff).Delete(&model.Vehicle{})
	if tx.Error != nil {
		return 0, fmt.Errorf("purge old vehicles: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

// Search 按 AND 组合过滤条件检索记录，按 first_seen 倒序。
func (s *Store) Search(ctx context.Context, filters SearchFilters, limit int) ([]model.Vehicle, error) {
	if limit <= 0 {
		limit = 50
	}

	tx := s.db.WithContext(ctx).Model(&model.Vehicle{})
	if filters.PriceMin != nil {
		tx = tx.Where("price >= ?", *filters.PriceMin)
	}
	if filters.PriceMax != nil {
		tx = tx.Where("price <= ?", *filters.PriceMax)
	}
	if filters.KMMax != nil {
		tx = tx.Where("CAST(json_extract(payload, '$.km') AS INTEGER) <= ?", *filters.KMMax)
	}
	if filters.ProductionYearMin != nil {
		tx = tx.Where("production_year >= ?", *filters.ProductionYearMin)
	}
	if filters.Make != "" {
		tx = tx.Where("make = ?", filters.Make)
	}
	if filters.City != "" {
		tx = tx.Where("city = ?", filters.City)
	}

	var vehicles []model.Vehicle
	if err := tx.Order("first_seen DESC").Limit(limit).Find(&vehicles).Error; err != nil {
		return nil, fmt.Errorf("search vehicles: %w", err)
	}
	return vehicles, nil
}

// GetVehicle 根据 token 获取记录。
func (s *Store) GetVehicle(ctx context.Context, token string) (*model.Vehicle, error) {
	var v model.Vehicle
	if err := s.db.WithContext(ctx).First(&v, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get vehicle: %w", err)
	}
	return &v, nil
}
