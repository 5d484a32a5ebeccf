package stream

import "encoding/json"

// Frame types pushed by the stream gateway.
const (
	TypeSystem   = "SYSTEM"
	TypeEvent    = "EVENT"
	TypeCallback = "CALLBACK"
)

// System topics.
const (
	TopicPing       = "ping"
	TopicDisconnect = "disconnect"
)

// TopicBotMessage delivers messages sent to the robot.
const TopicBotMessage = "/v1.0/im/bot/messages/get"

// Headers of a downstream frame.
type Headers struct {
	AppID        string `json:"appId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	MessageID    string `json:"messageId"`
	Time         string `json:"time,omitempty"`
	Topic        string `json:"topic"`
}

// Frame is a downstream message; Data is itself a JSON document encoded as a string.
type Frame struct {
	SpecVersion string  `json:"specVersion"`
	Type        string  `json:"type"`
	Headers     Headers `json:"headers"`
	Data        string  `json:"data"`
}

// Ack answers a downstream frame.
type Ack struct {
	Code    int        `json:"code"`
	Headers AckHeaders `json:"headers"`
	Message string     `json:"message"`
	Data    string     `json:"data"`
}

type AckHeaders struct {
	ContentType string `json:"contentType"`
	MessageID   string `json:"messageId"`
}

func newAck(messageID, data string) Ack {
	return Ack{
		Code:    200,
		Headers: AckHeaders{ContentType: "application/json", MessageID: messageID},
		Message: "OK",
		Data:    data,
	}
}

var callbackAckData = mustJSON(map[string]any{"response": nil})

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}
