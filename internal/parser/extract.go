package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ErrMarkerNotFound 表示页面中没有内嵌数据脚本标签。
var ErrMarkerNotFound = errors.New("__NEXT_DATA__ not found")

// Feed 是搜索页 dehydrated feed 的动态树，shape 由站点观察得出、无契约保证，
// 所有访问都必须逐字段容错。
type Feed map[string]any

// ExtractEmbeddedJSON 从 HTML 文本中定位 id 为 __NEXT_DATA__ 的脚本并返回其内容。
func ExtractEmbeddedJSON(htmlText string) (string, error) {
	node, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var scriptText string
	var search func(*html.Node)
	search = func(n *html.Node) {
		if scriptText != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "script" {
			for _, attr := range n.Attr {
				if attr.Key == "id" && attr.Val == "__NEXT_DATA__" {
					if n.FirstChild != nil {
						scriptText = n.FirstChild.Data
					}
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			search(c)
		}
	}
	search(node)

	if scriptText == "" {
		return "", ErrMarkerNotFound
	}
	return scriptText, nil
}

// ParseSearchFeed 解析内嵌 JSON 并下钻到搜索 feed：
// props.pageProps.dehydratedState.queries[0].state.data。
func ParseSearchFeed(jsonText string) (Feed, error) {
	queries, err := dehydratedQueries(jsonText)
	if err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("dehydrated queries empty")
	}
	data := asMap(asMap(queries[0]["state"])["data"])
	if data == nil {
		return nil, fmt.Errorf("query state data missing")
	}
	return Feed(data), nil
}

// QueryDataObjects 返回全部 dehydrated query 的 state.data 对象，
// 详情页的 schema 与搜索页不同，调用方需自行在其中查找所需字段。
func QueryDataObjects(jsonText string) ([]map[string]any, error) {
	queries, err := dehydratedQueries(jsonText)
	if err != nil {
		return nil, err
	}
	objects := make([]map[string]any, 0, len(queries))
	for _, q := range queries {
		if data := asMap(asMap(q["state"])["data"]); data != nil {
			objects = append(objects, data)
		}
	}
	return objects, nil
}

// Listings 返回指定广告类别下的原始车源节点列表。
func (f Feed) Listings(listingType string) []map[string]any {
	items := asSlice(f[listingType])
	nodes := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m := asMap(item); m != nil {
			nodes = append(nodes, m)
		}
	}
	return nodes
}

// Pages 返回分页总数，缺失时为 0。
func (f Feed) Pages() int {
	pages, _ := intValue(asMap(f["pagination"])["pages"])
	return pages
}

func dehydratedQueries(jsonText string) ([]map[string]any, error) {
	var root map[string]any
	if err := json.Unmarshal([]byte(jsonText), &root); err != nil {
		return nil, fmt.Errorf("unmarshal embedded json: %w", err)
	}

	dehydrated := asMap(asMap(asMap(root["props"])["pageProps"])["dehydratedState"])
	if dehydrated == nil {
		return nil, fmt.Errorf("dehydratedState not found")
	}

	raw := asSlice(dehydrated["queries"])
	queries := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m := asMap(item); m != nil {
			queries = append(queries, m)
		}
	}
	return queries, nil
}

// 以下为动态树的容错访问工具：任何类型不符都返回零值，绝不 panic。

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// textOf 读取 {"text": "..."} 形式的嵌套字段。
func textOf(v any) string {
	return stringValue(asMap(v)["text"])
}
