package dingtalk

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/memohai/knowbot/internal/failure"
)

type userSearchRequest struct {
	QueryWord      string `json:"queryWord"`
	Offset         int    `json:"offset"`
	Size           int    `json:"size"`
	FullMatchField int    `json:"fullMatchField"`
}

type userSearchResponse struct {
	List  []string `json:"list"`
	Users []struct {
		UserID string `json:"userId"`
	} `json:"users"`
	TotalCount int `json:"totalCount"`
}

// SearchUserIDs returns the userIds whose name fully matches query.
// Duplicates are removed; order follows the platform's ranking.
func (c *Client) SearchUserIDs(ctx context.Context, query string, size int) ([]string, error) {
	if size <= 0 {
		size = 10
	}
	req, err := c.jsonCall("dingtalk search users", http.MethodPost, c.cfg.APIBaseURL+"/v1.0/contact/users/search",
		userSearchRequest{QueryWord: query, Offset: 0, Size: size, FullMatchField: 1}, failure.KindInternal)
	if err != nil {
		return nil, err
	}
	var out userSearchResponse
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(out.List)+len(out.Users))
	ids := make([]string, 0, len(out.List)+len(out.Users))
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range out.List {
		add(id)
	}
	for _, u := range out.Users {
		add(u.UserID)
	}
	return ids, nil
}

type userDetailResponse struct {
	UnionID string `json:"unionId"`
	Result  struct {
		UnionID string `json:"unionid"`
	} `json:"result"`
}

// GetUnionID looks up the cross-app unionId of a userId.
func (c *Client) GetUnionID(ctx context.Context, userID string) (string, error) {
	const op = "dingtalk user detail"
	req, err := c.jsonCall(op, http.MethodGet, c.cfg.APIBaseURL+"/v1.0/contact/users/"+url.PathEscape(userID), nil, failure.KindNotFound)
	if err != nil {
		return "", err
	}
	var out userDetailResponse
	if err := c.do(ctx, req, &out); err != nil {
		return "", err
	}
	unionID := strings.TrimSpace(out.UnionID)
	if unionID == "" {
		unionID = strings.TrimSpace(out.Result.UnionID)
	}
	if unionID == "" {
		return "", failure.New(failure.KindNotFound, op, "user %s has no unionId", userID)
	}
	return unionID, nil
}
