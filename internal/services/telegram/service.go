// Package telegram sends dump and restore notifications to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fgeck/pgback/internal/models"
	"github.com/rs/zerolog"
)

// maxErrorLen keeps messages below Telegram's 4096 character limit.
const maxErrorLen = 3000

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendNotification posts the outcome of a dump or restore. Delivery problems
// are reported in the result, never as an error, so they cannot change the
// outcome of the operation itself.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Str("action", string(msg.Action)).
		Bool("success", msg.Success).
		Msg("sending Telegram notification")

	jsonBody, err := json.Marshal(sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      formatMessage(msg),
		ParseMode: "HTML",
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiResp apiResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiResp) == nil && apiResp.Description != "" {
			result.Error = fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, apiResp.Description)
		} else {
			result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		}
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func formatMessage(msg models.TelegramMessage) string {
	var b strings.Builder

	action := "Dump"
	if msg.Action == models.ActionRestore {
		action = "Restore"
	}

	if msg.Success {
		fmt.Fprintf(&b, "✅ <b>%s Successful</b>\n\n", action)
	} else {
		fmt.Fprintf(&b, "❌ <b>%s Failed</b>\n\n", action)
	}

	fmt.Fprintf(&b, "🐘 <b>Target:</b> %s\n", escapeHTML(msg.Target))
	if msg.Schema != "" {
		fmt.Fprintf(&b, "📂 <b>Schema:</b> %s\n", escapeHTML(msg.Schema))
	}
	fmt.Fprintf(&b, "💾 <b>Archive:</b> <code>%s</code>\n", escapeHTML(msg.Archive))
	fmt.Fprintf(&b, "⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second))

	if msg.Success {
		switch msg.Action {
		case models.ActionDump:
			fmt.Fprintf(&b, "📦 <b>Size:</b> %s\n", formatBytes(msg.SizeBytes))
			if msg.SnapshotID != "" {
				fmt.Fprintf(&b, "📸 <b>Snapshot:</b> <code>%s</code>\n", escapeHTML(msg.SnapshotID))
			}
		case models.ActionRestore:
			if msg.ExtensionCreated {
				b.WriteString("🌍 Spatial extension was created on the target\n")
			}
		}
		return b.String()
	}

	b.WriteString("\n<b>⚠️ Error Details:</b>\n")
	fmt.Fprintf(&b, "  • Failed step: %s\n", escapeHTML(msg.FailedStep))
	fmt.Fprintf(&b, "  • Error: <code>%s</code>\n", escapeHTML(truncate(msg.ErrorMessage, maxErrorLen)))
	if msg.Action == models.ActionRestore && msg.FailedStep == "execute" {
		b.WriteString("\nThe target database may be partially modified.\n")
	}

	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
