package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vehicle-radar/internal/model"
)

// Config Telegram 通知配置，凭据从环境变量注入、不落配置文件。
type Config struct {
	APIBaseURL           string `yaml:"api_base_url" json:"api_base_url"`
	MaxDescriptionLength int    `yaml:"max_description_length" json:"max_description_length"`
	DisableWebPreview    bool   `yaml:"disable_web_preview" json:"disable_web_preview"`
	StartupMessage       bool   `yaml:"startup_message" json:"startup_message"`
}

// Message 表示一条待发送的 Telegram 消息。
type Message struct {
	ChatID            string
	Text              string
	ParseMode         string
	DisableWebPreview bool
}

// Sender 抽象发送接口，便于测试替换。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// BotClient 通过 Telegram Bot API 的 sendMessage 端点发送消息。
type BotClient struct {
	apiBase string
	token   string
	client  *http.Client
}

// NewBotClient 创建 BotClient，client 为空时使用带超时的默认客户端。
func NewBotClient(apiBase, token string, client *http.Client) *BotClient {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &BotClient{
		apiBase: strings.TrimSuffix(apiBase, "/"),
		token:   token,
		client:  client,
	}
}

func (c *BotClient) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"chat_id": msg.ChatID,
		"text":    msg.Text,
	}
	if msg.ParseMode != "" {
		payload["parse_mode"] = msg.ParseMode
	}
	if msg.DisableWebPreview {
		payload["disable_web_page_preview"] = true
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendMessage status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("sendMessage rejected: %s", result.Description)
	}
	return nil
}

// TelegramNotifier 将新车源与运维告警发送到配置的会话。
type TelegramNotifier struct {
	cfg    Config
	chatID string
	sender Sender
}

// NewTelegramNotifier 创建 TelegramNotifier，sender 为空时使用 BotClient。
func NewTelegramNotifier(cfg Config, token, chatID string, sender Sender) *TelegramNotifier {
	if cfg.MaxDescriptionLength <= 0 {
		cfg.MaxDescriptionLength = 200
	}
	if sender == nil {
		sender = NewBotClient(cfg.APIBaseURL, token, nil)
	}
	return &TelegramNotifier{cfg: cfg, chatID: chatID, sender: sender}
}

// NotifyVehicle 为单条新车源发送一条格式化消息。
func (n *TelegramNotifier) NotifyVehicle(ctx context.Context, v model.Vehicle) error {
	msg := Message{
		ChatID:            n.chatID,
		Text:              FormatVehicle(v, n.cfg.MaxDescriptionLength),
		ParseMode:         "Markdown",
		DisableWebPreview: n.cfg.DisableWebPreview,
	}
	return n.sender.Send(ctx, msg)
}

// Alert 发送一条纯文本运维告警。
func (n *TelegramNotifier) Alert(ctx context.Context, text string) error {
	return n.sender.Send(ctx, Message{ChatID: n.chatID, Text: text})
}

// FormatVehicle 将车源记录渲染为 Telegram Markdown 消息。
func FormatVehicle(v model.Vehicle, maxDescLen int) string {
	price := "Price not specified"
	if v.Price != nil {
		price = "₪" + formatThousands(*v.Price)
	}

	city := v.City
	if city == "" {
		city = "Unknown"
	}

	mileage := "Unknown km"
	if v.KM > 0 {
		mileage = fmt.Sprintf("%s km (%s km/year)", formatThousands(v.KM), formatThousands(int(v.KMPerYear)))
	}

	description := v.Description
	if maxDescLen > 0 && len([]rune(description)) > maxDescLen {
		description = string([]rune(description)[:maxDescLen]) + "..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🚗 *%s %s*\n", orUnknown(v.Make), orUnknown(v.ModelName))
	if v.SubModel != "" {
		b.WriteString(v.SubModel + "\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "💰 *Price:* %s\n", price)
	fmt.Fprintf(&b, "📍 *Location:* %s\n", city)
	fmt.Fprintf(&b, "📅 *Production:* %04d-%02d\n", v.ProductionYear, v.ProductionMonth)
	fmt.Fprintf(&b, "🏃 *Hand:* %d\n", v.Hand)
	fmt.Fprintf(&b, "🛣️ *Mileage:* %s\n", mileage)
	if description != "" {
		fmt.Fprintf(&b, "\n📝 *Description:*\n%s\n", description)
	}
	fmt.Fprintf(&b, "\n🔗 [View Ad](%s)\n", v.Link)
	fmt.Fprintf(&b, "\n#NewAd #%s%s", stripSpaces(v.Make), stripSpaces(v.ModelName))
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

func formatThousands(n int) string {
	text := strconv.Itoa(n)
	negative := strings.HasPrefix(text, "-")
	if negative {
		text = text[1:]
	}
	var parts []string
	for len(text) > 3 {
		parts = append([]string{text[len(text)-3:]}, parts...)
		text = text[:len(text)-3]
	}
	parts = append([]string{text}, parts...)
	out := strings.Join(parts, ",")
	if negative {
		out = "-" + out
	}
	return out
}
