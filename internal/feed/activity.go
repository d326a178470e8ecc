package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// ActivityPage is the outcome of one conditional feed fetch.
type ActivityPage struct {
	// Items holds every feed item returned, newest first as upstream sends them.
	Items []*model.FeedItem
	// CacheTag is the validator to send on the next fetch.
	CacheTag string
	// Unchanged is set when upstream answered "not modified"; Items is empty.
	Unchanged bool
	Pages     int
}

// FetchProfile resolves the login behind token.
func (c *Client) FetchProfile(ctx context.Context, token string) (*model.Profile, error) {
	const op = "fetch profile"
	resp, err := c.do(ctx, request{method: http.MethodGet, url: c.apiURL + "/user", token: token})
	if err != nil {
		return nil, upstream(op, err)
	}
	switch {
	case resp.status == http.StatusUnauthorized:
		return nil, credentialInvalid(op, apiError(resp))
	case resp.status == http.StatusForbidden:
		if e := apiError(resp); e.RateLimited() {
			return nil, upstream(op, e)
		}
		return nil, credentialInvalid(op, apiError(resp))
	case resp.status != http.StatusOK:
		return nil, upstream(op, apiError(resp))
	}

	var p model.Profile
	if err := json.Unmarshal(resp.body, &p); err != nil {
		return nil, upstream(op, fmt.Errorf("decoding response: %w", err))
	}
	if p.Login == "" {
		return nil, upstream(op, fmt.Errorf("profile has no login"))
	}
	return &p, nil
}

// FetchActivity performs a conditional fetch of login's public event feed.
// When upstream reports no change the page is marked Unchanged. Otherwise
// further pages are followed while every item on the current page is newer
// than cursor, up to the configured page limit.
func (c *Client) FetchActivity(ctx context.Context, login, token, cacheTag string, cursor int64) (*ActivityPage, error) {
	const op = "fetch activity"
	next := fmt.Sprintf("%s/users/%s/events?per_page=%d", c.apiURL, url.PathEscape(login), c.perPage)

	page := &ActivityPage{}
	seen := make(map[string]bool)
	for next != "" && page.Pages < c.maxPages {
		r := request{method: http.MethodGet, url: next, token: token}
		if page.Pages == 0 {
			r.etag = cacheTag
		}
		resp, err := c.do(ctx, r)
		if err != nil {
			return nil, upstream(op, err)
		}

		switch resp.status {
		case http.StatusOK:
		case http.StatusNotModified:
			if page.Pages == 0 {
				return &ActivityPage{CacheTag: cacheTag, Unchanged: true}, nil
			}
			return nil, upstream(op, apiError(resp))
		case http.StatusUnauthorized:
			return nil, credentialInvalid(op, apiError(resp))
		default:
			return nil, upstream(op, apiError(resp))
		}

		items, err := decodeItems(resp.body)
		if err != nil {
			return nil, upstream(op, err)
		}
		if page.Pages == 0 {
			page.CacheTag = resp.header.Get("ETag")
		}
		page.Pages++

		allNew := len(items) > 0
		for _, item := range items {
			id, err := item.NumericID()
			if err != nil {
				return nil, upstream(op, err)
			}
			if id <= cursor {
				allNew = false
			}
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			page.Items = append(page.Items, item)
		}

		next = ""
		if allNew {
			next = nextLink(resp.header.Get("Link"))
		}
	}
	return page, nil
}

// decodeItems decodes a feed page, keeping each item's original JSON.
func decodeItems(body []byte) ([]*model.FeedItem, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("decoding feed page: %w", err)
	}
	items := make([]*model.FeedItem, 0, len(raws))
	for _, raw := range raws {
		var item model.FeedItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decoding feed item: %w", err)
		}
		item.Raw = raw
		items = append(items, &item)
	}
	return items, nil
}
