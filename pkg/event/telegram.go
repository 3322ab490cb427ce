/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/containerd/log"
)

const telegramAPITemplate = "https://api.telegram.org/bot%s/sendMessage"

// TelegramSink posts events as chat messages through the Telegram bot API.
// Failures are logged and forgotten; alerting is best effort.
type TelegramSink struct {
	chatID     string
	endpoint   string
	httpClient *http.Client
}

func NewTelegramSink(botToken, chatID string) *TelegramSink {
	return &TelegramSink{
		chatID:   chatID,
		endpoint: fmt.Sprintf(telegramAPITemplate, botToken),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (t *TelegramSink) Notify(ev Event) {
	text := fmt.Sprintf("Guest %s (%s): %s -> %s\n%s",
		ev.GuestID, ev.GuestName, ev.Previous, ev.Current, ev.Details)

	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		log.L.Errorf("Failed to encode telegram message, %v", err)
		return
	}

	resp, err := t.httpClient.Post(t.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		log.L.Warnf("Failed to send telegram message for guest %s, %v", ev.GuestID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.L.Warnf("Telegram API rejected message for guest %s: %s", ev.GuestID, resp.Status)
	}
}
