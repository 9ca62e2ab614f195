package model

import (
	"time"

	"gorm.io/datatypes"
)

// 车源广告类别，对应搜索页 feed 的四个分区。
const (
	ListingCommercial = "commercial"
	ListingPrivate    = "private"
	ListingSolo       = "solo"
	ListingPlatinum   = "platinum"
)

// ListingTypes 按 feed 出现顺序列出全部类别。
var ListingTypes = []string{ListingCommercial, ListingPrivate, ListingSolo, ListingPlatinum}

// Vehicle 表示一条规范化后的车源记录
// - Token: 站点分配的稳定标识，主键，一经写入不再变化
// - ManufacturerID/ModelID: 发现该记录时所用的搜索桶
// - KM: 0 表示"未知"哨兵值，而非真实里程为零
// - Payload: 完整规范化记录的半结构化副本，供 json_extract 查询
// - FirstSeen/LastSeen/Notified: 去重与通知协议字段
type Vehicle struct {
	Token           string            `gorm:"primaryKey" json:"token"`
	ManufacturerID  int               `gorm:"index:idx_vehicles_bucket" json:"manufacturer_id"`
	ModelID         int               `gorm:"index:idx_vehicles_bucket" json:"model_id"`
	Price           *int              `json:"price"`
	City            string            `json:"city"`
	Make            string            `json:"make"`
	ModelName       string            `json:"model"`
	SubModel        string            `json:"sub_model"`
	HP              int               `json:"hp"`
	ProductionYear  int               `json:"production_year"`
	ProductionMonth int               `json:"production_month"`
	KM              int               `json:"km"`
	Hand            int               `json:"hand"`
	ListingType     string            `json:"listing_type"`
	Description     string            `json:"description"`
	Link            string            `json:"link"`
	YearsOnRoad     float64           `json:"number_of_years"`
	KMPerYear       float64           `json:"km_per_year"`
	Payload         datatypes.JSONMap `json:"payload"`
	FirstSeen       time.Time         `gorm:"index" json:"first_seen"`
	LastSeen        time.Time         `json:"last_seen"`
	Notified        bool              `gorm:"index" json:"notified"`
}

// ProductionDate 返回 YYYY-MM-01 形式的出厂日期文本。
func (v Vehicle) ProductionDate() string {
	month := v.ProductionMonth
	if month < 1 || month > 12 {
		month = 1
	}
	return time.Date(v.ProductionYear, time.Month(month), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}
