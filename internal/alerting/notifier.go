package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// MaxMessageRunes caps the text pushed to Telegram, below the 4096 API limit.
const MaxMessageRunes = 3900

// Notification 封装一份待推送的简报。
type Notification struct {
	Day        time.Time
	Chain      string
	HasAnomaly bool
	Text       string
	ModelID    string
	Fallback   bool
	// TxID 为空表示尚未上链。
	TxID string
}

// Notifier 定义简报输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Policy decides which briefings are delivered.
type Policy struct {
	OnlyAnomalies  bool
	SendOnFallback bool
}

// Allows reports whether note passes the policy.
func (p Policy) Allows(note Notification) bool {
	if p.OnlyAnomalies && !note.HasAnomaly {
		return false
	}
	if note.Fallback && !p.SendOnFallback {
		return false
	}
	return true
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 推送器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]any{
		"chat_id":                  n.chatID,
		"text":                     renderMessage(note),
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Time("day", note.Day).
		Str("chain", note.Chain).
		Bool("has_anomaly", note.HasAnomaly).
		Bool("fallback", note.Fallback).
		Msg("简报已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(strings.TrimSpace(note.Text))

	var footer []string
	if note.ModelID != "" {
		footer = append(footer, "model="+note.ModelID)
	}
	if note.Fallback {
		footer = append(footer, "fallback")
	}
	if note.TxID != "" {
		footer = append(footer, "tx="+note.TxID)
	}
	if len(footer) > 0 {
		builder.WriteString("\n\n")
		builder.WriteString(strings.Join(footer, " | "))
	}
	return truncateRunes(builder.String(), MaxMessageRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

var _ Notifier = (*TelegramNotifier)(nil)
