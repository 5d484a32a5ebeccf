// Package knowledge registers document URLs with the AI assistant's
// knowledge-learn service.
package knowledge

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/knowbot/internal/dingtalk"
	"github.com/memohai/knowbot/internal/failure"
)

// Status is the outcome reported for a registered document.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusPending  Status = "pending"
)

// Record is what gets reported back upstream for one document.
type Record struct {
	DocURL string `json:"doc_url"`
	Status Status `json:"status"`
}

// Learner is the assistant API.
type Learner interface {
	LearnKnowledge(ctx context.Context, assistantID, docURL, title string) (dingtalk.LearnResult, error)
}

// Registrar submits documents to one assistant.
type Registrar struct {
	learner     Learner
	assistantID string
	logger      *slog.Logger
}

func NewRegistrar(log *slog.Logger, learner Learner, assistantID string) *Registrar {
	if log == nil {
		log = slog.Default()
	}
	return &Registrar{
		learner:     learner,
		assistantID: strings.TrimSpace(assistantID),
		logger:      log.With(slog.String("component", "knowledge")),
	}
}

// Learn registers docURL. An explicit refusal returns the rejected record and
// a KindRejected error. Throttling and transient errors are returned as is
// so a retry policy can act on them; anything else is KindRegistration.
func (r *Registrar) Learn(ctx context.Context, docURL, title string) (Record, error) {
	const op = "learn knowledge"
	docURL = strings.TrimSpace(docURL)
	if docURL == "" {
		return Record{}, failure.New(failure.KindRegistration, op, "doc url is required")
	}
	if r.assistantID == "" {
		return Record{}, failure.New(failure.KindRegistration, op, "assistant id is not configured")
	}
	res, err := r.learner.LearnKnowledge(ctx, r.assistantID, docURL, title)
	if err != nil {
		switch failure.KindOf(err) {
		case failure.KindRejected:
			return Record{DocURL: docURL, Status: StatusRejected}, err
		case failure.KindRateLimited, failure.KindTransient, failure.KindDeadlineExceeded:
			return Record{}, err
		default:
			return Record{}, failure.Wrap(failure.KindRegistration, op, err)
		}
	}
	record := Record{DocURL: docURL, Status: StatusAccepted}
	switch {
	case !res.Accepted:
		record.Status = StatusRejected
		return record, failure.New(failure.KindRejected, op, "assistant refused document (status %q)", res.Status)
	case res.Pending:
		record.Status = StatusPending
	}
	r.logger.Info("document registered",
		slog.String("doc_url", docURL),
		slog.String("status", string(record.Status)))
	return record, nil
}
