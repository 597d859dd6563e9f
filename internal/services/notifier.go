package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/hazakura/license-server/internal/models"
)

// Notifier posts lifecycle notifications to a Discord-compatible webhook.
// A nil Notifier (no webhook configured) is a no-op, so callers never need
// to guard.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	printer    *message.Printer
}

func NewNotifier(webhookURL string) *Notifier {
	if webhookURL == "" {
		return nil
	}
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		printer:    message.NewPrinter(language.English),
	}
}

// KeyIssued announces a freshly minted key
func (n *Notifier) KeyIssued(key *models.Key) {
	if n == nil {
		return
	}
	fields := []map[string]interface{}{
		{"name": "Key", "value": key.KeyString, "inline": false},
		{"name": "Duration", "value": n.printer.Sprintf("%d hours", key.DurationHours), "inline": true},
		{"name": "Max Devices", "value": n.printer.Sprintf("%d", key.MaxDevices), "inline": true},
		{"name": "Expires", "value": key.ExpiresAt.Format(time.RFC3339), "inline": true},
	}
	n.send("License key issued", fields)
}

// KeysExpired reports a janitor sweep that transitioned keys
func (n *Notifier) KeysExpired(count int) {
	if n == nil || count == 0 {
		return
	}
	n.send(n.printer.Sprintf("%d license keys transitioned to expired", count), nil)
}

// KeysDeleted reports an admin cleanup run
func (n *Notifier) KeysDeleted(keys []string) {
	if n == nil || len(keys) == 0 {
		return
	}
	fields := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{"name": "Deleted", "value": k, "inline": true})
	}
	n.send(n.printer.Sprintf("Cleanup removed %d expired keys", len(keys)), fields)
}

// send posts the embed asynchronously; notification failures are logged
// and swallowed, never surfaced to the caller
func (n *Notifier) send(title string, fields []map[string]interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		embed := map[string]interface{}{
			"title":     title,
			"timestamp": time.Now().Format(time.RFC3339),
			"footer":    map[string]interface{}{"text": "License Server"},
		}
		if len(fields) > 0 {
			embed["fields"] = fields
		}
		payload := map[string]interface{}{
			"embeds": []interface{}{embed},
		}

		jsonData, err := json.Marshal(payload)
		if err != nil {
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewBuffer(jsonData))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to send webhook notification")
			return
		}
		resp.Body.Close()
	}()
}
