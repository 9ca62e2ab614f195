package parser

import (
	"log"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"vehicle-radar/internal/model"

	"gorm.io/datatypes"
)

// 希伯来语月份名到月份序号的映射。
var monthNumbers = map[string]int{
	"ינואר":   1,
	"פברואר":  2,
	"מרץ":     3,
	"אפריל":   4,
	"מאי":     5,
	"יוני":    6,
	"יולי":    7,
	"אוגוסט":  8,
	"ספטמבר":  9,
	"אוקטובר": 10,
	"נובמבר":  11,
	"דצמבר":   12,
}

var (
	// subModel 自由文本中的里程后缀："50,000 ק״מ"。
	kmPattern = regexp.MustCompile(`(\d{1,3}(?:,\d{3})*|\d+)\s*ק״מ`)
	// subModel 自由文本中的马力后缀："150 כ״ס"。
	hpPattern = regexp.MustCompile(`(\d+)\s*כ״ס`)
)

// Bucket 标识一条记录被发现时所处的搜索桶。
type Bucket struct {
	Manufacturer int
	Model        int
}

// Normalizer 将搜索 feed 中的原始节点映射为规范化的 Vehicle 记录。
// 单个节点的任何缺陷只会跳过该节点，绝不中断整批处理。
type Normalizer struct {
	baseURL string
	now     func() time.Time
	logger  *log.Logger
}

// NewNormalizer 创建 Normalizer，baseURL 用于推导详情链接。
func NewNormalizer(baseURL string, logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = log.New(os.Stdout, "[parser] ", log.LstdFlags)
	}
	return &Normalizer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
		logger:  logger,
	}
}

// NormalizeFeed 按类别遍历 feed 并返回全部成功规范化的记录。
func (n *Normalizer) NormalizeFeed(feed Feed, bucket Bucket) []model.Vehicle {
	vehicles := make([]model.Vehicle, 0)
	for _, listingType := range model.ListingTypes {
		for _, node := range feed.Listings(listingType) {
			v, ok := n.normalizeNode(node, bucket, listingType)
			if !ok {
				continue
			}
			vehicles = append(vehicles, v)
		}
	}
	return vehicles
}

func (n *Normalizer) normalizeNode(node map[string]any, bucket Bucket, listingType string) (model.Vehicle, bool) {
	token := stringValue(node["token"])
	if token == "" {
		n.logger.Printf("skip listing without token (adNumber=%v)", node["adNumber"])
		return model.Vehicle{}, false
	}

	vehicleDates := asMap(node["vehicleDates"])
	year, ok := intValue(vehicleDates["yearOfProduction"])
	if !ok || year == 0 {
		n.logger.Printf("skip listing %s without yearOfProduction", token)
		return model.Vehicle{}, false
	}

	month := 1
	if monthText := textOf(vehicleDates["monthOfProduction"]); monthText != "" {
		if m, found := monthNumbers[monthText]; found {
			month = m
		} else {
			n.logger.Printf("listing %s: unknown production month %q, defaulting to January", token, monthText)
		}
	}

	years := yearsSinceProduction(year, month, n.now())
	subModel := textOf(node["subModel"])

	km, ok := intValue(node["km"])
	if !ok || km <= 0 {
		km = extractKM(subModel)
	}
	hp := extractHP(subModel)

	kmPerYear := float64(km)
	if years > 0 {
		kmPerYear = float64(km) / years
	}
	kmPerYear = math.Round(kmPerYear*100) / 100

	var price *int
	if p, found := intValue(node["price"]); found {
		price = &p
	}

	hand, _ := intValue(asMap(node["hand"])["id"])
	city := textOf(asMap(node["address"])["city"])
	description := stringValue(asMap(node["metaData"])["description"])
	link := n.baseURL + "/vehicles/item/" + token

	v := model.Vehicle{
		Token:           token,
		ManufacturerID:  bucket.Manufacturer,
		ModelID:         bucket.Model,
		Price:           price,
		City:            city,
		Make:            textOf(node["manufacturer"]),
		ModelName:       textOf(node["model"]),
		SubModel:        subModel,
		HP:              hp,
		ProductionYear:  year,
		ProductionMonth: month,
		KM:              km,
		Hand:            hand,
		ListingType:     listingType,
		Description:     description,
		Link:            link,
		YearsOnRoad:     years,
		KMPerYear:       kmPerYear,
	}
	v.Payload = payloadFor(v, node)
	return v, true
}

// payloadFor 保留一份半结构化副本，供 json_extract 即席查询与向前兼容。
func payloadFor(v model.Vehicle, node map[string]any) datatypes.JSONMap {
	dates := asMap(node["dates"])
	payload := datatypes.JSONMap{
		"token":           v.Token,
		"adType":          stringValue(node["adType"]),
		"model":           v.ModelName,
		"subModel":        v.SubModel,
		"hp":              v.HP,
		"make":            v.Make,
		"productionDate":  v.ProductionDate(),
		"km":              v.KM,
		"hand":            v.Hand,
		"listingType":     v.ListingType,
		"number_of_years": v.YearsOnRoad,
		"km_per_year":     v.KMPerYear,
		"description":     v.Description,
		"link":            v.Link,
	}
	if v.Price != nil {
		payload["price"] = *v.Price
	}
	if adNumber, ok := intValue(node["adNumber"]); ok {
		payload["adNumber"] = adNumber
	}
	for _, key := range []string{"createdAt", "updatedAt", "rebouncedAt"} {
		if text := formatDate(stringValue(dates[key])); text != "" {
			payload[key] = text
		}
	}
	return payload
}

// yearsSinceProduction 以"经过的整月数 / 12"计算车龄，非负。
func yearsSinceProduction(year, month int, now time.Time) float64 {
	months := (now.Year()-year)*12 + int(now.Month()) - month
	if months < 0 {
		months = 0
	}
	return float64(months) / 12
}

// extractKM 从 subModel 文本中按里程后缀提取公里数，失败返回哨兵值 0。
func extractKM(text string) int {
	match := kmPattern.FindStringSubmatch(text)
	if match == nil {
		return 0
	}
	km, err := strconv.Atoi(strings.ReplaceAll(match[1], ",", ""))
	if err != nil {
		return 0
	}
	return km
}

// extractHP 从 subModel 文本中按马力后缀提取马力，失败返回 0。
func extractHP(text string) int {
	match := hpPattern.FindStringSubmatch(text)
	if match == nil {
		return 0
	}
	hp, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return hp
}

// formatDate 将站点时间文本归一为 "2006-01-02 15:04:05"，无法解析时原样返回。
func formatDate(text string) string {
	if text == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t.Format("2006-01-02 15:04:05")
		}
	}
	return text
}
