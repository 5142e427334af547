package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// Embed colours by alert kind.
var discordColors = map[domain.AlertKind]int{
	domain.AlertMarginCall:       0xF1C40F,
	domain.AlertLiquidation:      0xE74C3C,
	domain.AlertSettlementFailed: 0xE67E22,
	domain.AlertSamplerEmpty:     0x95A5A6,
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// DiscordSender posts alerts as embeds to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender with a 10-second HTTP timeout.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func discordMessage(alert domain.Alert) discordPayload {
	embed := discordEmbed{
		Title:       title(alert),
		Description: alert.Message,
		Color:       discordColors[alert.Kind],
	}
	for _, row := range describe(alert) {
		embed.Fields = append(embed.Fields, discordField{Name: row[0], Value: row[1], Inline: true})
	}
	if !alert.At.IsZero() {
		embed.Timestamp = alert.At.UTC().Format(time.RFC3339)
	}
	return discordPayload{Embeds: []discordEmbed{embed}}
}

// Send posts the alert to the webhook.
func (d *DiscordSender) Send(ctx context.Context, alert domain.Alert) error {
	body, err := json.Marshal(discordMessage(alert))
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content on success.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
