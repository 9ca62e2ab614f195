package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func buildPageHTML(t *testing.T, state map[string]any) string {
	t.Helper()
	payload := map[string]any{
		"props": map[string]any{
			"pageProps": map[string]any{
				"dehydratedState": state,
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return fmt.Sprintf(`<html><head><title>listings</title></head><body><div id="root"></div><script id="__NEXT_DATA__" type="application/json">%s</script></body></html>`, data)
}

func searchState(data map[string]any) map[string]any {
	return map[string]any{
		"queries": []any{
			map[string]any{"state": map[string]any{"data": data}},
		},
	}
}

func TestExtractEmbeddedJSON(t *testing.T) {
	t.Parallel()

	html := buildPageHTML(t, searchState(map[string]any{"private": []any{}}))

	jsonText, err := ExtractEmbeddedJSON(html)
	if err != nil {
		t.Fatalf("ExtractEmbeddedJSON error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(jsonText), &decoded); err != nil {
		t.Fatalf("extracted text is not valid JSON: %v", err)
	}
}

func TestExtractEmbeddedJSONMissingMarker(t *testing.T) {
	t.Parallel()

	_, err := ExtractEmbeddedJSON(`<html><body><script id="other">{}</script></body></html>`)
	if !errors.Is(err, ErrMarkerNotFound) {
		t.Fatalf("expected ErrMarkerNotFound, got %v", err)
	}
}

func TestParseSearchFeed(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"private": []any{
			map[string]any{"token": "abc123"},
		},
		"commercial": []any{},
		"pagination": map[string]any{"pages": float64(4)},
	}
	html := buildPageHTML(t, searchState(data))
	jsonText, err := ExtractEmbeddedJSON(html)
	if err != nil {
		t.Fatalf("ExtractEmbeddedJSON error: %v", err)
	}

	feed, err := ParseSearchFeed(jsonText)
	if err != nil {
		t.Fatalf("ParseSearchFeed error: %v", err)
	}

	private := feed.Listings("private")
	if len(private) != 1 {
		t.Fatalf("expected 1 private listing, got %d", len(private))
	}
	if private[0]["token"] != "abc123" {
		t.Fatalf("unexpected token %v", private[0]["token"])
	}
	if len(feed.Listings("solo")) != 0 {
		t.Fatalf("expected no solo listings")
	}
	if feed.Pages() != 4 {
		t.Fatalf("expected 4 pages, got %d", feed.Pages())
	}
}

func TestParseSearchFeedMalformedJSON(t *testing.T) {
	t.Parallel()

	if _, err := ParseSearchFeed(`{"props": `); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestParseSearchFeedMissingDehydratedState(t *testing.T) {
	t.Parallel()

	if _, err := ParseSearchFeed(`{"props": {"pageProps": {}}}`); err == nil {
		t.Fatalf("expected error when dehydratedState is missing")
	}
}

func TestQueryDataObjects(t *testing.T) {
	t.Parallel()

	state := map[string]any{
		"queries": []any{
			map[string]any{"state": map[string]any{"data": map[string]any{"meta": "x"}}},
			map[string]any{"state": map[string]any{"data": map[string]any{"km": float64(42000), "address": map[string]any{}}}},
			map[string]any{"state": map[string]any{}},
		},
	}
	html := buildPageHTML(t, state)
	jsonText, err := ExtractEmbeddedJSON(html)
	if err != nil {
		t.Fatalf("ExtractEmbeddedJSON error: %v", err)
	}

	objects, err := QueryDataObjects(jsonText)
	if err != nil {
		t.Fatalf("QueryDataObjects error: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 data objects, got %d", len(objects))
	}
	if _, ok := objects[1]["km"]; !ok {
		t.Fatalf("expected km in second object")
	}
}
