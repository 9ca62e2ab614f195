package enricher

import (
	"context"
	"log"
	"math"
	"os"

	"vehicle-radar/internal/model"
	"vehicle-radar/internal/parser"
)

// Fetcher 抽象详情页抓取，便于测试替换。
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Validate(body []byte) bool
	DetailURL(token string) string
}

// Details 是详情页补充字段的部分更新，nil 表示该字段未取得。
type Details struct {
	KM          *int
	Description *string
	City        *string
}

// Empty 判断是否没有取得任何字段。
func (d Details) Empty() bool {
	return d.KM == nil && d.Description == nil && d.City == nil
}

// Enricher 对缺失关键字段的记录做尽力而为的详情页补抓。
// 任何失败（网络、解析、字段缺失）都只产生空结果，不向上抛错。
type Enricher struct {
	fetcher Fetcher
	logger  *log.Logger
}

// New 创建 Enricher。
func New(f Fetcher, logger *log.Logger) *Enricher {
	if logger == nil {
		logger = log.New(os.Stdout, "[enricher] ", log.LstdFlags)
	}
	return &Enricher{fetcher: f, logger: logger}
}

// Enrich 抓取指定 token 的详情页并提取 km/description/city。
func (e *Enricher) Enrich(ctx context.Context, token string) Details {
	body, err := e.fetcher.Get(ctx, e.fetcher.DetailURL(token))
	if err != nil {
		e.logger.Printf("fetch details for %s: %v", token, err)
		return Details{}
	}
	if !e.fetcher.Validate(body) {
		e.logger.Printf("invalid detail response for %s", token)
		return Details{}
	}

	jsonText, err := parser.ExtractEmbeddedJSON(string(body))
	if err != nil {
		e.logger.Printf("extract details for %s: %v", token, err)
		return Details{}
	}
	objects, err := parser.QueryDataObjects(jsonText)
	if err != nil {
		e.logger.Printf("parse details for %s: %v", token, err)
		return Details{}
	}

	// 详情页 schema 与搜索页不同：在全部 query 中找第一个暴露车源字段的对象。
	var detail map[string]any
	for _, obj := range objects {
		if hasAny(obj, "km", "description", "address") {
			detail = obj
			break
		}
	}
	if detail == nil {
		e.logger.Printf("no vehicle details found for %s", token)
		return Details{}
	}

	var d Details
	if km, ok := intField(detail["km"]); ok {
		d.KM = &km
	}
	if desc := pickDescription(detail); desc != "" {
		d.Description = &desc
	}
	if city := pickCity(detail); city != "" {
		d.City = &city
	}
	return d
}

// Apply 将取得的字段逐个合入记录，只覆盖确实取得的目标字段，
// 里程更新后重算年均里程并同步 payload 副本。
func Apply(v *model.Vehicle, d Details) {
	if d.KM != nil {
		v.KM = *d.KM
		kmPerYear := float64(v.KM)
		if v.YearsOnRoad > 0 {
			kmPerYear = float64(v.KM) / v.YearsOnRoad
		}
		v.KMPerYear = math.Round(kmPerYear*100) / 100
		if v.Payload != nil {
			v.Payload["km"] = v.KM
			v.Payload["km_per_year"] = v.KMPerYear
		}
	}
	if d.Description != nil {
		v.Description = *d.Description
		if v.Payload != nil {
			v.Payload["description"] = v.Description
		}
	}
	if d.City != nil {
		v.City = *d.City
	}
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

func pickDescription(detail map[string]any) string {
	if desc, ok := detail["description"].(string); ok && desc != "" {
		return desc
	}
	if meta, ok := detail["metaData"].(map[string]any); ok {
		if desc, ok := meta["description"].(string); ok {
			return desc
		}
	}
	return ""
}

func pickCity(detail map[string]any) string {
	if address, ok := detail["address"].(map[string]any); ok {
		for _, key := range []string{"area", "city"} {
			if nested, ok := address[key].(map[string]any); ok {
				if text, ok := nested["text"].(string); ok && text != "" {
					return text
				}
			}
		}
		if text, ok := address["text"].(string); ok && text != "" {
			return text
		}
	}
	switch city := detail["city"].(type) {
	case map[string]any:
		if text, ok := city["text"].(string); ok {
			return text
		}
	case string:
		return city
	}
	return ""
}

func intField(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
