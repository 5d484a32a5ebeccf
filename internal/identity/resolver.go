// Package identity maps a sender's display name to the stable member ids the
// drive and knowledge APIs expect.
package identity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/knowbot/internal/failure"
)

// searchSize asks for more than one hit so ambiguity is detectable.
const searchSize = 10

// Directory is the subset of the contact API the resolver needs.
type Directory interface {
	SearchUserIDs(ctx context.Context, query string, size int) ([]string, error)
	GetUnionID(ctx context.Context, userID string) (string, error)
}

// Member is a fully resolved sender.
type Member struct {
	Nick    string `json:"nick"`
	UserID  string `json:"user_id"`
	UnionID string `json:"union_id"`
}

// Resolver performs the nickname → userId → unionId lookups. It does not
// retry; callers wrap each hop in their own policy.
type Resolver struct {
	directory Directory
	logger    *slog.Logger
}

func NewResolver(log *slog.Logger, directory Directory) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		directory: directory,
		logger:    log.With(slog.String("component", "identity")),
	}
}

// ResolveUserID returns the single userId whose name matches nick. Zero
// matches fail with KindNotFound, several with KindAmbiguousName.
func (r *Resolver) ResolveUserID(ctx context.Context, nick string) (string, error) {
	const op = "resolve user id"
	nick = strings.TrimSpace(nick)
	if nick == "" {
		return "", failure.New(failure.KindNotFound, op, "empty nickname")
	}
	ids, err := r.directory.SearchUserIDs(ctx, nick, searchSize)
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", failure.New(failure.KindNotFound, op, "no member named %q", nick)
	case 1:
		return ids[0], nil
	default:
		r.logger.Warn("nickname matches several members",
			slog.String("nick", nick),
			slog.Int("candidates", len(ids)))
		return "", failure.New(failure.KindAmbiguousName, op, "%d members named %q", len(ids), nick)
	}
}

// ResolveUnionID returns the unionId of userID.
func (r *Resolver) ResolveUnionID(ctx context.Context, userID string) (string, error) {
	const op = "resolve union id"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", failure.New(failure.KindNotFound, op, "empty user id")
	}
	unionID, err := r.directory.GetUnionID(ctx, userID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(unionID) == "" {
		return "", failure.New(failure.KindNotFound, op, "user %s has no union id", userID)
	}
	return unionID, nil
}
