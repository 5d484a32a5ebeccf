package callback

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/memohai/knowbot/internal/failure"
)

// EventType classifies a decrypted callback payload.
type EventType string

const (
	EventCheckURL EventType = "check_url"
	EventFile     EventType = "file"
	EventIgnored  EventType = "ignored"
)

const defaultFileName = "upload"

// FileEvent is a file message sent to the bot.
type FileEvent struct {
	MessageID      string `json:"message_id,omitempty"`
	SenderNick     string `json:"sender_nick"`
	MediaID        string `json:"media_id,omitempty"`
	DownloadCode   string `json:"download_code,omitempty"`
	RobotCode      string `json:"robot_code,omitempty"`
	FileName       string `json:"file_name"`
	FileSize       int64  `json:"file_size,omitempty"`
	SessionWebhook string `json:"-"`
}

// Event is a parsed callback payload.
type Event struct {
	Type    EventType
	RawType string
	File    *FileEvent
	// SessionWebhook answers an ignored robot message; file messages carry
	// theirs on File.
	SessionWebhook string
}

type rawEvent struct {
	EventType      string          `json:"EventType"`
	MsgType        string          `json:"msgtype"`
	MsgID          string          `json:"msgId"`
	SenderNick     string          `json:"senderNick"`
	RobotCode      string          `json:"robotCode"`
	SessionWebhook string          `json:"sessionWebhook"`
	Content        json.RawMessage `json:"content"`
}

type rawFileContent struct {
	MediaID      string          `json:"mediaId"`
	DownloadCode string          `json:"downloadCode"`
	FileName     string          `json:"fileName"`
	FileSize     json.RawMessage `json:"fileSize"`
}

// ParseEvent decodes a decrypted callback or stream payload.
func ParseEvent(payload []byte) (Event, error) {
	const op = "callback parse event"
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, failure.Wrap(failure.KindInvalidEvent, op, err)
	}
	eventType := strings.TrimSpace(raw.EventType)
	if eventType == string(EventCheckURL) {
		return Event{Type: EventCheckURL, RawType: eventType}, nil
	}
	msgType := strings.ToLower(strings.TrimSpace(raw.MsgType))
	if msgType != string(EventFile) {
		rawType := msgType
		if rawType == "" {
			rawType = eventType
		}
		return Event{Type: EventIgnored, RawType: rawType, SessionWebhook: strings.TrimSpace(raw.SessionWebhook)}, nil
	}

	content, err := decodeFileContent(raw.Content)
	if err != nil {
		return Event{}, failure.Wrap(failure.KindInvalidEvent, op, err)
	}
	size, err := parseSize(content.FileSize)
	if err != nil {
		return Event{}, failure.Wrap(failure.KindInvalidEvent, op, err)
	}
	file := &FileEvent{
		MessageID:      strings.TrimSpace(raw.MsgID),
		SenderNick:     strings.TrimSpace(raw.SenderNick),
		MediaID:        strings.TrimSpace(content.MediaID),
		DownloadCode:   strings.TrimSpace(content.DownloadCode),
		RobotCode:      strings.TrimSpace(raw.RobotCode),
		FileName:       strings.TrimSpace(content.FileName),
		FileSize:       size,
		SessionWebhook: strings.TrimSpace(raw.SessionWebhook),
	}
	if file.FileName == "" {
		file.FileName = defaultFileName
	}
	if file.SenderNick == "" {
		return Event{}, failure.New(failure.KindInvalidEvent, op, "file message without sender nick")
	}
	if file.MediaID == "" && file.DownloadCode == "" {
		return Event{}, failure.New(failure.KindInvalidEvent, op, "file message without mediaId or downloadCode")
	}
	return Event{Type: EventFile, RawType: msgType, File: file}, nil
}

// content is an object in stream payloads and a JSON string in some callbacks.
func decodeFileContent(raw json.RawMessage) (rawFileContent, error) {
	var content rawFileContent
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return content, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return content, err
		}
		raw = []byte(inner)
	}
	err := json.Unmarshal(raw, &content)
	return content, err
}

func parseSize(raw json.RawMessage) (int64, error) {
	value := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if value == "" || value == "null" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}
