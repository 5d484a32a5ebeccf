package dingtalk

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/memohai/knowbot/internal/failure"
)

// APIError is an error reported by DingTalk, either through a non-2xx status
// (api.dingtalk.com style {code, message}) or a non-zero errcode (oapi style).
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("dingtalk error status=%d", e.Status)
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Throttling errcodes of the legacy oapi surface.
var throttleCodes = map[string]struct{}{
	"88":    {},
	"90002": {},
	"90018": {},
}

// Token errcodes: invalid credential, expired token.
var tokenCodes = map[string]struct{}{
	"40001": {},
	"40014": {},
	"42001": {},
}

func (e *APIError) kind(fallback failure.Kind) failure.Kind {
	code := strings.ToLower(e.Code)
	message := strings.ToLower(e.Message)
	if _, ok := throttleCodes[e.Code]; ok {
		return failure.KindRateLimited
	}
	switch {
	case e.Status == http.StatusTooManyRequests,
		strings.Contains(code, "qpslimit"),
		strings.Contains(code, "throttl"),
		strings.Contains(code, "flowcontrol"):
		return failure.KindRateLimited
	case strings.Contains(code, "quota"),
		strings.Contains(message, "quota"),
		strings.Contains(code, "spacenotenough"),
		strings.Contains(message, "space not enough"):
		return failure.KindQuotaExceeded
	case e.Status >= http.StatusInternalServerError,
		strings.Contains(code, "serviceunavailable"),
		strings.Contains(code, "systembusy"),
		e.Code == "-1":
		return failure.KindTransient
	default:
		return fallback
	}
}

func (e *APIError) tokenRejected() bool {
	if _, ok := tokenCodes[e.Code]; ok {
		return true
	}
	return e.Status == http.StatusUnauthorized || strings.EqualFold(e.Code, "InvalidAuthentication")
}

type errorBody struct {
	ErrCode   *json.Number `json:"errcode"`
	ErrMsg    string       `json:"errmsg"`
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	RequestID string       `json:"requestid"`
}

// parseAPIError returns nil for a successful response.
func parseAPIError(status int, body []byte) *APIError {
	var parsed errorBody
	_ = json.Unmarshal(body, &parsed)
	if status >= 200 && status < 300 {
		if parsed.ErrCode == nil {
			return nil
		}
		if code := parsed.ErrCode.String(); code != "0" {
			return &APIError{Status: status, Code: code, Message: parsed.ErrMsg, RequestID: parsed.RequestID}
		}
		return nil
	}
	apiErr := &APIError{Status: status, Code: parsed.Code, Message: parsed.Message, RequestID: parsed.RequestID}
	if apiErr.Code == "" && parsed.ErrCode != nil {
		apiErr.Code = parsed.ErrCode.String()
		apiErr.Message = parsed.ErrMsg
	}
	if apiErr.Message == "" && apiErr.Code == "" {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		apiErr.Message = snippet
	}
	if apiErr.Code == "" {
		apiErr.Code = strconv.Itoa(status)
	}
	return apiErr
}
