package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"fundwatch/internal/logger"
)

var client = &http.Client{Timeout: 10 * time.Second}

// Notify sends a markdown message to the configured Telegram chat. Missing
// credentials make this a silent no-op so the core never depends on the
// notification gateway being configured.
func Notify(text string) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatID == "" {
		return
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", token)
	payload, _ := json.Marshal(map[string]string{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})

	resp, err := client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		logger.Warnf("telegram notify failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warnf("telegram API error: %s", resp.Status)
	}
}

// Startup announces the daemon coming online.
func Startup(version string, funds int) {
	Notify(fmt.Sprintf("🚀 *fundwatch %s online*\nManaging %d active funds", version, funds))
}

// Shutdown announces a graceful stop.
func Shutdown() {
	Notify("🛑 fundwatch shutting down: signal received.")
}
