package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vehicle-radar/internal/model"
)

type stubSender struct {
	messages []Message
	err      error
}

func (s *stubSender) Send(ctx context.Context, msg Message) error {
	s.messages = append(s.messages, msg)
	return s.err
}

func sampleVehicle() model.Vehicle {
	price := 52000
	return model.Vehicle{
		Token:           "tok1",
		Price:           &price,
		City:            "תל אביב",
		Make:            "Honda",
		ModelName:       "Civic",
		SubModel:        "1.5L Sport",
		ProductionYear:  2020,
		ProductionMonth: 3,
		KM:              50000,
		Hand:            1,
		KMPerYear:       12500,
		Description:     "well maintained",
		Link:            "https://www.yad2.co.il/vehicles/item/tok1",
	}
}

func TestFormatVehicle(t *testing.T) {
	t.Parallel()

	text := FormatVehicle(sampleVehicle(), 200)

	for _, part := range []string{
		"🚗 *Honda Civic*",
		"1.5L Sport",
		"💰 *Price:* ₪52,000",
		"📍 *Location:* תל אביב",
		"📅 *Production:* 2020-03",
		"🏃 *Hand:* 1",
		"🛣️ *Mileage:* 50,000 km (12,500 km/year)",
		"well maintained",
		"[View Ad](https://www.yad2.co.il/vehicles/item/tok1)",
		"#NewAd #HondaCivic",
	} {
		if !strings.Contains(text, part) {
			t.Fatalf("message missing %q:\n%s", part, text)
		}
	}
}

func TestFormatVehicleMissingFields(t *testing.T) {
	t.Parallel()

	v := sampleVehicle()
	v.Price = nil
	v.City = ""
	v.KM = 0
	v.Make = ""
	v.Description = ""

	text := FormatVehicle(v, 200)

	if !strings.Contains(text, "Price not specified") {
		t.Fatalf("expected price placeholder:\n%s", text)
	}
	if !strings.Contains(text, "📍 *Location:* Unknown") {
		t.Fatalf("expected unknown location:\n%s", text)
	}
	if !strings.Contains(text, "Unknown km") {
		t.Fatalf("expected unknown mileage:\n%s", text)
	}
	if !strings.Contains(text, "🚗 *Unknown Civic*") {
		t.Fatalf("expected unknown make:\n%s", text)
	}
	if strings.Contains(text, "📝") {
		t.Fatalf("empty description must omit the section:\n%s", text)
	}
}

func TestFormatVehicleTruncatesDescription(t *testing.T) {
	t.Parallel()

	v := sampleVehicle()
	v.Description = strings.Repeat("א", 300)

	text := FormatVehicle(v, 200)
	if !strings.Contains(text, strings.Repeat("א", 200)+"...") {
		t.Fatalf("expected rune-safe truncation with ellipsis:\n%s", text)
	}
	if strings.Contains(text, strings.Repeat("א", 201)) {
		t.Fatalf("description exceeds limit:\n%s", text)
	}
}

func TestNotifyVehicleUsesMarkdown(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	n := NewTelegramNotifier(Config{DisableWebPreview: true}, "token", "chat42", sender)

	if err := n.NotifyVehicle(context.Background(), sampleVehicle()); err != nil {
		t.Fatalf("NotifyVehicle error: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.messages))
	}

	msg := sender.messages[0]
	if msg.ChatID != "chat42" {
		t.Fatalf("unexpected chat id %s", msg.ChatID)
	}
	if msg.ParseMode != "Markdown" {
		t.Fatalf("expected Markdown parse mode, got %q", msg.ParseMode)
	}
	if !msg.DisableWebPreview {
		t.Fatalf("expected web preview disabled")
	}
}

func TestAlertSendsPlainText(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	n := NewTelegramNotifier(Config{}, "token", "chat42", sender)

	if err := n.Alert(context.Background(), "scraper blocked"); err != nil {
		t.Fatalf("Alert error: %v", err)
	}

	msg := sender.messages[0]
	if msg.Text != "scraper blocked" || msg.ParseMode != "" {
		t.Fatalf("unexpected alert message %+v", msg)
	}
}

func TestNotifyVehiclePropagatesSendError(t *testing.T) {
	t.Parallel()

	sender := &stubSender{err: fmt.Errorf("bad gateway")}
	n := NewTelegramNotifier(Config{}, "token", "chat42", sender)

	if err := n.NotifyVehicle(context.Background(), sampleVehicle()); err == nil {
		t.Fatalf("expected send error to propagate")
	}
}

func TestBotClientSend(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	client := NewBotClient(srv.URL, "secret", srv.Client())
	err := client.Send(context.Background(), Message{
		ChatID:            "chat42",
		Text:              "hello",
		ParseMode:         "Markdown",
		DisableWebPreview: true,
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if gotPath != "/botsecret/sendMessage" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotPayload["chat_id"] != "chat42" || gotPayload["text"] != "hello" {
		t.Fatalf("unexpected payload %v", gotPayload)
	}
	if gotPayload["parse_mode"] != "Markdown" || gotPayload["disable_web_page_preview"] != true {
		t.Fatalf("optional fields not encoded: %v", gotPayload)
	}
}

func TestBotClientSendRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok": false, "description": "chat not found"}`)
	}))
	defer srv.Close()

	client := NewBotClient(srv.URL, "secret", srv.Client())
	err := client.Send(context.Background(), Message{ChatID: "x", Text: "y"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestBotClientSendBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewBotClient(srv.URL, "secret", srv.Client())
	if err := client.Send(context.Background(), Message{ChatID: "x", Text: "y"}); err == nil {
		t.Fatalf("expected error on non-200 status")
	}
}

func TestFormatThousands(t *testing.T) {
	t.Parallel()

	cases := map[int]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		52000:    "52,000",
		1234567:  "1,234,567",
		-1234567: "-1,234,567",
	}
	for n, want := range cases {
		if got := formatThousands(n); got != want {
			t.Fatalf("formatThousands(%d) = %q, want %q", n, got, want)
		}
	}
}
