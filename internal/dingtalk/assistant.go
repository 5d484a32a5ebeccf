package dingtalk

import (
	"context"
	"net/http"
	"strings"

	"github.com/memohai/knowbot/internal/failure"
)

// LearnResult is the assistant's answer to a knowledge-learn request.
type LearnResult struct {
	Accepted bool
	// Pending is set when the document was queued for asynchronous ingestion.
	Pending bool
	Status  string
}

type learnRequest struct {
	AssistantID string `json:"assistantId"`
	DocURL      string `json:"docUrl"`
	Title       string `json:"title,omitempty"`
}

type learnResponse struct {
	Result *bool  `json:"result"`
	Status string `json:"status"`
}

// LearnKnowledge asks the AI assistant to ingest the document at docURL.
// Client-side (4xx) failures surface as KindRejected.
func (c *Client) LearnKnowledge(ctx context.Context, assistantID, docURL, title string) (LearnResult, error) {
	req, err := c.jsonCall("dingtalk learn knowledge", http.MethodPost, c.cfg.APIBaseURL+"/v1.0/assistant/knowledges/learn",
		learnRequest{AssistantID: assistantID, DocURL: docURL, Title: title}, failure.KindRejected)
	if err != nil {
		return LearnResult{}, err
	}
	var out learnResponse
	if err := c.do(ctx, req, &out); err != nil {
		return LearnResult{}, err
	}
	status := strings.ToLower(strings.TrimSpace(out.Status))
	res := LearnResult{Status: status, Accepted: true}
	if out.Result != nil && !*out.Result {
		res.Accepted = false
	}
	switch status {
	case "pending", "processing", "learning", "queued":
		res.Pending = true
	case "failed", "rejected":
		res.Accepted = false
	}
	return res, nil
}
