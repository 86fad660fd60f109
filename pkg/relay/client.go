package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/feed"
	"github.com/astromechza/potsync/pkg/membership"
)

// StatusError is a non-2xx response from the relay.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned %d", e.Code)
	}
	return fmt.Sprintf("relay returned %d: %s", e.Code, e.Message)
}

// Client talks to a relay on behalf of one user. It is the device side Authorizer, Transport
// and checkpoint store.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
	buffer int
}

var _ checkpoint.Store = (*Client)(nil)

func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("bad relay url scheme %q", u.Scheme)
	}
	return &Client{
		base:   u,
		token:  token,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		buffer: 256,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: eb.Error}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func potPath(potID string, parts ...string) string {
	elems := append([]string{"pots", potID}, parts...)
	for i := range elems {
		elems[i] = url.PathEscape(elems[i])
	}
	return strings.Join(elems, "/")
}

// mapStatus turns well known relay statuses back into domain errors.
func mapStatus(err error, notFound error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", membership.ErrForbidden, se.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", membership.ErrInvalidTransition, se.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", notFound, se.Message)
	}
	return err
}

// IsMember asks the relay for the user's own record. Any failure counts as not a member.
func (c *Client) IsMember(ctx context.Context, potID, userID string) bool {
	var rec membership.Record
	if _, err := c.do(ctx, http.MethodGet, potPath(potID, "members", userID), nil, nil, &rec); err != nil {
		slog.Debug("membership check failed", "pot", potID, "user", userID, "err", err)
		return false
	}
	return rec.Status == membership.StatusActive
}

func (c *Client) Bootstrap(ctx context.Context, potID string) (membership.Record, error) {
	var rec membership.Record
	_, err := c.do(ctx, http.MethodPost, potPath(potID), nil, nil, &rec)
	return rec, mapStatus(err, membership.ErrNotFound)
}

func (c *Client) Members(ctx context.Context, potID string) ([]membership.Record, error) {
	var recs []membership.Record
	_, err := c.do(ctx, http.MethodGet, potPath(potID, "members"), nil, nil, &recs)
	return recs, mapStatus(err, membership.ErrNotFound)
}

func (c *Client) AddMember(ctx context.Context, potID, userID string, role membership.Role) (membership.Record, error) {
	var rec membership.Record
	_, err := c.do(ctx, http.MethodPost, potPath(potID, "members"), nil, MemberRequest{UserID: userID, Role: role}, &rec)
	return rec, mapStatus(err, membership.ErrNotFound)
}

func (c *Client) Invite(ctx context.Context, potID, userID string, role membership.Role) (membership.Record, error) {
	var rec membership.Record
	_, err := c.do(ctx, http.MethodPost, potPath(potID, "invitations"), nil, MemberRequest{UserID: userID, Role: role}, &rec)
	return rec, mapStatus(err, membership.ErrNotFound)
}

func (c *Client) AcceptInvitation(ctx context.Context, potID string) (membership.Record, error) {
	var rec membership.Record
	_, err := c.do(ctx, http.MethodPost, potPath(potID, "invitations", "accept"), nil, nil, &rec)
	return rec, mapStatus(err, membership.ErrNotFound)
}

func (c *Client) RemoveMember(ctx context.Context, potID, userID string) (membership.Record, error) {
	var rec membership.Record
	_, err := c.do(ctx, http.MethodDelete, potPath(potID, "members", userID), nil, nil, &rec)
	return rec, mapStatus(err, membership.ErrNotFound)
}

func (c *Client) LatestCheckpoint(ctx context.Context, potID string) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	code, err := c.do(ctx, http.MethodGet, potPath(potID, "checkpoints", "latest"), nil, nil, &cp)
	if err != nil {
		return checkpoint.Checkpoint{}, mapStatus(err, checkpoint.ErrNotFound)
	}
	if code == http.StatusNoContent {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return cp, nil
}

func (c *Client) InsertCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	_, err := c.do(ctx, http.MethodPost, potPath(cp.PotID, "checkpoints"), nil, cp, nil)
	return mapStatus(err, checkpoint.ErrNotFound)
}

func (c *Client) ListCheckpoints(ctx context.Context, potID string) ([]checkpoint.Checkpoint, error) {
	var list []checkpoint.Checkpoint
	_, err := c.do(ctx, http.MethodGet, potPath(potID, "checkpoints"), nil, nil, &list)
	return list, mapStatus(err, checkpoint.ErrNotFound)
}

func (c *Client) DeleteCheckpoint(ctx context.Context, potID, id string) error {
	_, err := c.do(ctx, http.MethodDelete, potPath(potID, "checkpoints", id), nil, nil, nil)
	return mapStatus(err, checkpoint.ErrNotFound)
}

// Publish appends the event to the relay's log. Re-publishing an already stored change succeeds.
func (c *Client) Publish(ctx context.Context, ev feed.ChangeEvent) error {
	_, err := c.do(ctx, http.MethodPost, potPath(ev.PotID, "changes"), nil, ev, nil)
	return mapStatus(err, membership.ErrNotFound)
}

func (c *Client) ListChangesSince(ctx context.Context, potID string, since time.Time) ([]feed.ChangeEvent, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var evs []feed.ChangeEvent
	_, err := c.do(ctx, http.MethodGet, potPath(potID, "changes"), q, nil, &evs)
	return evs, mapStatus(err, membership.ErrNotFound)
}

// Subscribe opens the pot's websocket feed. The subscription fails when the connection drops.
func (c *Client) Subscribe(ctx context.Context, potID string) (feed.Subscription, error) {
	u := *c.base.JoinPath(potPath(potID, "feed"))
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, mapStatus(&StatusError{Code: resp.StatusCode}, membership.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to dial feed: %w", err)
	}
	s := feed.NewStream(c.buffer, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	})
	go readEvents(conn, s)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Done():
		}
	}()
	return s, nil
}
