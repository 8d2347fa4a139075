// Package matrix implements a Transport that posts to Matrix rooms through a
// homeserver's client-server API.
//
// The transport keeps the set of rooms the bridge user has joined. The set
// is seeded from /joined_rooms when Run starts and then follows membership
// events seen by the sync loop. Sends to rooms outside the set are refused
// by the routing engine, which asks IsJoined first.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/shineum/smtp-matrix-bridge/internal/compose"
	"github.com/shineum/smtp-matrix-bridge/internal/message"
)

const (
	syncBackoffInitial = time.Second
	syncBackoffMax     = time.Minute
)

// Config holds the settings for connecting to a homeserver.
type Config struct {
	HomeserverURL string
	UserID        string
	AccessToken   string

	// AutoJoin accepts every room invite sent to the bridge user.
	AutoJoin bool

	// LogLevel is the zerolog level for the mautrix client log.
	LogLevel string
}

// Client is the subset of *mautrix.Client used for delivery.
type Client interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UploadBytesWithName(ctx context.Context, data []byte, contentType, fileName string) (*mautrix.RespMediaUpload, error)
	JoinedRooms(ctx context.Context) (*mautrix.RespJoinedRooms, error)
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
}

// Transport delivers room messages through a Matrix client.
type Transport struct {
	client   Client
	syncer   func(ctx context.Context) error
	userID   id.UserID
	autoJoin bool

	mu     sync.RWMutex
	joined map[id.RoomID]struct{}
}

// New creates a Transport logged in with an access token. Call Run to start
// syncing; until then no room counts as joined.
func New(cfg Config) (*Transport, error) {
	if cfg.HomeserverURL == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, errors.New("matrix homeserver_url, user_id and access_token are required")
	}

	userID := id.UserID(cfg.UserID)
	client, err := mautrix.NewClient(cfg.HomeserverURL, userID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = newZerolog(os.Stdout, cfg.LogLevel)

	t := newWithClient(client, userID, cfg.AutoJoin)
	t.syncer = client.SyncWithContext

	syncer, ok := client.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return nil, errors.New("matrix client syncer does not accept event handlers")
	}
	syncer.OnEventType(event.StateMember, t.handleMember)

	return t, nil
}

func newWithClient(client Client, userID id.UserID, autoJoin bool) *Transport {
	return &Transport{
		client:   client,
		userID:   userID,
		autoJoin: autoJoin,
		joined:   make(map[id.RoomID]struct{}),
	}
}

// newZerolog builds the JSON logger handed to mautrix, which logs through
// zerolog rather than slog.
func newZerolog(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "mautrix").Logger()
}

// Run loads the joined rooms and then syncs until the context is cancelled.
// Sync failures are retried with exponential backoff.
func (t *Transport) Run(ctx context.Context) error {
	if err := t.LoadJoinedRooms(ctx); err != nil {
		return err
	}
	if t.syncer == nil {
		<-ctx.Done()
		return nil
	}

	backoff := syncBackoffInitial
	for {
		err := t.syncer(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("matrix sync stopped, retrying",
			"error", err,
			"backoff", backoff.String(),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, syncBackoffMax)
	}
}

// LoadJoinedRooms replaces the joined-room set with the server's view.
func (t *Transport) LoadJoinedRooms(ctx context.Context) error {
	resp, err := t.client.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}

	joined := make(map[id.RoomID]struct{}, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		joined[roomID] = struct{}{}
	}

	t.mu.Lock()
	t.joined = joined
	t.mu.Unlock()

	slog.Info("loaded joined rooms", "count", len(joined))
	return nil
}

// handleMember tracks the bridge user's own membership.
func (t *Transport) handleMember(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != t.userID.String() {
		return
	}
	member := evt.Content.AsMember()

	switch member.Membership {
	case event.MembershipJoin:
		t.setJoined(evt.RoomID, true)
	case event.MembershipInvite:
		if !t.autoJoin || t.IsJoined(evt.RoomID.String()) {
			return
		}
		slog.Info("joining room after invite", "room_id", evt.RoomID.String(), "inviter", evt.Sender.String())
		if _, err := t.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
			slog.Error("failed to join room", "room_id", evt.RoomID.String(), "error", err)
			return
		}
		t.setJoined(evt.RoomID, true)
	case event.MembershipLeave, event.MembershipBan:
		t.setJoined(evt.RoomID, false)
	}
}

func (t *Transport) setJoined(roomID id.RoomID, joined bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if joined {
		t.joined[roomID] = struct{}{}
		return
	}
	delete(t.joined, roomID)
}

// IsJoined reports whether the bridge user is in the room.
func (t *Transport) IsJoined(roomID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.joined[id.RoomID(roomID)]
	return ok
}

// Send posts an m.text message. The HTML rendering, when present, is sent as
// org.matrix.custom.html formatted body.
func (t *Transport) Send(ctx context.Context, roomID string, content compose.Rendered) error {
	msg := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    content.Plain,
	}
	if content.HTML != "" {
		msg.Format = event.FormatHTML
		msg.FormattedBody = content.HTML
	}

	resp, err := t.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, msg)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", roomID, err)
	}

	slog.Debug("matrix message sent", "room_id", roomID, "event_id", resp.EventID.String())
	return nil
}

// SendAttachment uploads the attachment to the media repository and posts
// it with the given msgtype.
func (t *Transport) SendAttachment(ctx context.Context, roomID string, att message.Attachment, msgType string) error {
	upload, err := t.client.UploadBytesWithName(ctx, att.Content, att.ContentType, att.Name)
	if err != nil {
		return fmt.Errorf("failed to upload attachment %q: %w", att.Name, err)
	}

	msg := &event.MessageEventContent{
		MsgType: event.MessageType(msgType),
		Body:    att.Name,
		URL:     upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: att.ContentType,
			Size:     len(att.Content),
		},
	}

	if _, err := t.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, msg); err != nil {
		return fmt.Errorf("failed to send attachment to %s: %w", roomID, err)
	}
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "matrix"
}
