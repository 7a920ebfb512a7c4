package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"speculator/internal/config"
	"speculator/internal/types"
)

// Subscription types registered for every monitored channel.
var channelSubscriptionTypes = []string{
	"stream.online",
	"stream.offline",
	"channel.prediction.begin",
	"channel.prediction.progress",
	"channel.prediction.lock",
	"channel.prediction.end",
}

// SubscriptionStore records and checks EventSub subscriptions so repeat
// registration for a channel is skipped.
type SubscriptionStore interface {
	Record(ctx context.Context, sub types.WebhookSubscription) error
	Exists(ctx context.Context, channelID, subType string) (bool, error)
}

// Client talks to the platform's Helix API.
type Client struct {
	transport *Transport
	tokens    TokenSource
	subs      SubscriptionStore
	logger    *slog.Logger

	clientID      string
	helixURL      string
	callbackURL   string
	webhookSecret string
}

// NewClient constructs a Helix client from config.
func NewClient(cfg config.TwitchConfig, transport *Transport, tokens TokenSource, subs SubscriptionStore, logger *slog.Logger) *Client {
	return &Client{
		transport:     transport,
		tokens:        tokens,
		subs:          subs,
		logger:        logger,
		clientID:      cfg.ClientID,
		helixURL:      cfg.HelixURL,
		callbackURL:   cfg.WebhookCallback,
		webhookSecret: cfg.WebhookSecret.Reveal(),
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Request, error) {
	token, err := c.tokens.AppToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching app token: %w", err)
	}

	u := c.helixURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

type helixStream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// GetStream returns the live stream for a channel, or a not-found error if
// the channel is offline.
func (c *Client) GetStream(ctx context.Context, channelID string) (*types.StreamInfo, error) {
	q := url.Values{"user_id": {channelID}, "first": {"1"}}

	var out struct {
		Data []helixStream `json:"data"`
	}
	err := c.transport.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, "/streams", q, nil)
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundChannel, "channel has no live stream", nil)
	}

	s := out.Data[0]
	return &types.StreamInfo{
		ID:          s.ID,
		Title:       s.Title,
		StartedAt:   s.StartedAt.UnixMilli(),
		ViewerCount: s.ViewerCount,
	}, nil
}

type helixUser struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetUser looks up a channel's display identity by channel id.
func (c *Client) GetUser(ctx context.Context, channelID string) (*types.Channel, error) {
	q := url.Values{"id": {channelID}}

	var out struct {
		Data []helixUser `json:"data"`
	}
	err := c.transport.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, "/users", q, nil)
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundChannel, "no such user", nil)
	}

	u := out.Data[0]
	return &types.Channel{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		UserName:    u.Login,
	}, nil
}

type eventSubRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport eventSubTransport `json:"transport"`
}

type eventSubTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback"`
	Secret   string `json:"secret"`
}

// SubscribeToChannelEvents registers webhook subscriptions for every event
// type the channel needs. Already-recorded subscriptions are skipped, and
// the registrations run concurrently since each is an independent API call.
func (c *Client) SubscribeToChannelEvents(ctx context.Context, channelID string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, subType := range channelSubscriptionTypes {
		g.Go(func() error {
			exists, err := c.subs.Exists(ctx, channelID, subType)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
			return c.subscribe(ctx, channelID, subType)
		})
	}
	return g.Wait()
}

func (c *Client) subscribe(ctx context.Context, channelID, subType string) error {
	body, err := json.Marshal(eventSubRequest{
		Type:      subType,
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": channelID},
		Transport: eventSubTransport{
			Method:   "webhook",
			Callback: c.callbackURL,
			Secret:   c.webhookSecret,
		},
	})
	if err != nil {
		return err
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err = c.transport.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/eventsub/subscriptions", nil, body)
	}, &out)
	if err != nil {
		return fmt.Errorf("subscribing %s to %s: %w", channelID, subType, err)
	}

	if len(out.Data) > 0 {
		if err := c.subs.Record(ctx, types.WebhookSubscription{
			ID:        out.Data[0].ID,
			Type:      subType,
			ChannelID: channelID,
		}); err != nil {
			// The subscription is live; a failed record only costs a
			// duplicate registration attempt later.
			c.logger.WarnContext(ctx, "failed to record webhook subscription",
				"channelId", channelID, "type", subType, "error", err)
		}
	}
	return nil
}
