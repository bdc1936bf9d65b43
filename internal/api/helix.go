package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/twitchkit/internal/auth"
)

// maxPageSize is the largest "first" value Helix accepts.
const maxPageSize = 100

// Page is the envelope of every Helix collection response.
type Page[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination holds the cursor for the next page.
type Pagination struct {
	Cursor string `json:"cursor"`
}

// User is a Helix user.
type User struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	Type            string    `json:"type"`
	BroadcasterType string    `json:"broadcaster_type"`
	Description     string    `json:"description"`
	ProfileImageURL string    `json:"profile_image_url"`
	CreatedAt       time.Time `json:"created_at"`
}

// Stream is a live stream.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	Language     string    `json:"language"`
	Tags         []string  `json:"tags"`
	IsMature     bool      `json:"is_mature"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

// GetUsers looks up users by login. With no logins the user owning the
// credential is returned, which requires ScopeUser.
func (c *Client) GetUsers(ctx context.Context, scope auth.Scope, logins ...string) ([]User, error) {
	query := url.Values{}
	for _, login := range logins {
		query.Add("login", login)
	}

	var resp Page[User]
	if err := c.Get(ctx, scope, "/users", query, &resp); err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	return resp.Data, nil
}

// GetStreamsOptions filters a GetStreams call.
type GetStreamsOptions struct {
	UserLogins []string
	GameIDs    []string
	Language   string
	First      int
	After      string
}

// GetStreams fetches a page of live streams.
func (c *Client) GetStreams(ctx context.Context, scope auth.Scope, opts GetStreamsOptions) (*Page[Stream], error) {
	query := url.Values{}
	for _, login := range opts.UserLogins {
		query.Add("user_login", login)
	}
	for _, id := range opts.GameIDs {
		query.Add("game_id", id)
	}
	if opts.Language != "" {
		query.Set("language", opts.Language)
	}
	if opts.First > 0 {
		query.Set("first", strconv.Itoa(opts.First))
	}
	if opts.After != "" {
		query.Set("after", opts.After)
	}

	var resp Page[Stream]
	if err := c.Get(ctx, scope, "/streams", query, &resp); err != nil {
		return nil, fmt.Errorf("get streams: %w", err)
	}
	return &resp, nil
}

// GetAllStreams fetches every stream matching opts by following cursors.
func (c *Client) GetAllStreams(ctx context.Context, scope auth.Scope, opts GetStreamsOptions) ([]Stream, error) {
	var all []Stream
	opts.First = maxPageSize

	for {
		page, err := c.GetStreams(ctx, scope, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, page.Data...)

		if page.Pagination.Cursor == "" || len(page.Data) == 0 {
			break
		}
		opts.After = page.Pagination.Cursor
	}

	return all, nil
}
