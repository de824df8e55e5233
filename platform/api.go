package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Channel is one row of the platform's channel listing.
type Channel struct {
	Token          string `json:"token"`
	ID             int64  `json:"id"`
	ViewersCurrent int    `json:"viewersCurrent"`
	Online         bool   `json:"online"`
}

// ChatInfo describes a channel's chat gateway: candidate websocket endpoints
// plus the signed auth key for authenticated sessions (empty without creds).
type ChatInfo struct {
	AuthKey   string   `json:"authkey"`
	Endpoints []string `json:"endpoints"`
}

// Channels returns one page of channels ordered by online status then current
// viewers, both descending. Pages are zero-based.
func (c *Client) Channels(ctx context.Context, page int) ([]Channel, error) {
	path := fmt.Sprintf("api/v1/channels?limit=%d&page=%d&order=online:desc,viewersCurrent:desc&fields=id,token,viewersCurrent,online", PageSize, page)
	body, err := c.Get(ctx, path, false)
	if err != nil {
		return nil, err
	}
	var channels []Channel
	if err := json.Unmarshal(body, &channels); err != nil {
		return nil, fmt.Errorf("decode channels page %d: %w", page, err)
	}
	return channels, nil
}

// ChatInfo resolves the chat gateway endpoints for a channel. With useCreds the
// response carries an auth key usable for an authenticated session.
func (c *Client) ChatInfo(ctx context.Context, channelID int64, useCreds bool) (*ChatInfo, error) {
	body, err := c.Get(ctx, fmt.Sprintf("api/v1/chats/%d", channelID), useCreds)
	if err != nil {
		return nil, err
	}
	var info ChatInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode chat info for channel %d: %w", channelID, err)
	}
	return &info, nil
}

// ChatUsers returns one page of user ids currently present in a channel's chat.
func (c *Client) ChatUsers(ctx context.Context, channelID int64, page int) ([]int64, error) {
	path := fmt.Sprintf("api/v1/chats/%d/users?limit=%d&page=%d&order=userName:asc&fields=userId", channelID, PageSize, page)
	body, err := c.Get(ctx, path, false)
	if err != nil {
		return nil, err
	}
	var users []struct {
		UserID int64 `json:"userId"`
	}
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("decode chat users for channel %d: %w", channelID, err)
	}
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return ids, nil
}

// ChannelByID fetches a single channel record.
func (c *Client) ChannelByID(ctx context.Context, channelID int64) (*Channel, error) {
	body, err := c.Get(ctx, fmt.Sprintf("api/v1/channels/%d", channelID), false)
	if err != nil {
		return nil, err
	}
	var ch Channel
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("decode channel %d: %w", channelID, err)
	}
	if ch.ID == 0 {
		ch.ID = channelID
	}
	return &ch, nil
}

// ChannelName resolves a channel id to its name, caching results for the
// lifetime of the client.
func (c *Client) ChannelName(ctx context.Context, channelID int64) (string, error) {
	c.mu.Lock()
	if name, ok := c.channelNames[channelID]; ok {
		c.mu.Unlock()
		return name, nil
	}
	c.mu.Unlock()

	body, err := c.Get(ctx, fmt.Sprintf("api/v1/channels/%d", channelID), false)
	if err != nil {
		return "", err
	}
	var ch struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &ch); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.channelNames == nil {
		c.channelNames = make(map[int64]string)
	}
	c.channelNames[channelID] = ch.Token
	c.mu.Unlock()
	return ch.Token, nil
}

// UserID resolves a channel/user name to the owning user id.
func (c *Client) UserID(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("name empty")
	}
	body, err := c.Get(ctx, "api/v1/channels/"+url.PathEscape(name), false)
	if err != nil {
		return 0, err
	}
	var ch struct {
		UserID int64 `json:"userId"`
	}
	if err := json.Unmarshal(body, &ch); err != nil {
		return 0, err
	}
	if ch.UserID == 0 {
		return 0, fmt.Errorf("user not found: %s", name)
	}
	return ch.UserID, nil
}
