// Package routing turns one inbound email into deliveries: it expands the
// recipients into targets, resolves each target to room policies, applies
// the antispam and sender rules, segments the body, filters attachments and
// hands the results to the store and the chat transport.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/smtp-matrix-bridge/internal/compose"
	"github.com/shineum/smtp-matrix-bridge/internal/email"
	"github.com/shineum/smtp-matrix-bridge/internal/logging"
	"github.com/shineum/smtp-matrix-bridge/internal/message"
	"github.com/shineum/smtp-matrix-bridge/internal/notify"
	"github.com/shineum/smtp-matrix-bridge/internal/roompolicy"
	"github.com/shineum/smtp-matrix-bridge/internal/segment"
	"github.com/shineum/smtp-matrix-bridge/internal/transport"
)

// Store persists delivered messages and their attachments.
type Store interface {
	// MessageExists reports whether any record carries the email id.
	MessageExists(ctx context.Context, emailID string) (bool, error)

	// WriteMessage persists m and returns the new record id.
	WriteMessage(ctx context.Context, m *message.Message) (string, error)

	// GetMessage returns the record, or nil when it does not exist.
	GetMessage(ctx context.Context, id string) (*message.Message, error)

	// WriteAttachments persists attachments linked to a record id.
	WriteAttachments(ctx context.Context, attachments []message.Attachment, recordID string) error
}

// Config holds the collaborators of an Engine.
type Config struct {
	Resolver  *roompolicy.Resolver
	Store     Store
	Transport transport.Transport

	// Composer defaults to compose.New().
	Composer *compose.Composer

	// Notifier is optional; without it no rejection notices are sent.
	Notifier notify.Notifier
}

// Engine routes inbound emails to rooms. It is safe for concurrent use;
// each call to ProcessMessage is independent.
type Engine struct {
	resolver  *roompolicy.Resolver
	store     Store
	transport transport.Transport
	composer  *compose.Composer
	notifier  notify.Notifier
	now       func() time.Time

	// inflight holds the ids of emails between the duplicate lookup and
	// the end of their pass.
	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an Engine.
func New(cfg Config) *Engine {
	composer := cfg.Composer
	if composer == nil {
		composer = compose.New()
	}
	return &Engine{
		resolver:  cfg.Resolver,
		store:     cfg.Store,
		transport: cfg.Transport,
		composer:  composer,
		notifier:  cfg.Notifier,
		now:       time.Now,
		inflight:  make(map[string]struct{}),
	}
}

// ProcessMessage delivers msg to every room its recipients resolve to. An
// email whose id is already stored, or is being processed by another call,
// is ignored. Per-room rejections and delivery failures are logged and do
// not stop other rooms; the only error returned is a failed duplicate
// lookup, in which case nothing was delivered.
func (e *Engine) ProcessMessage(ctx context.Context, msg *email.Email) error {
	if !e.claim(msg.MessageID) {
		slog.Info("skipping message already in progress", "message_id", msg.MessageID)
		return nil
	}
	defer e.release(msg.MessageID)

	exists, err := e.store.MessageExists(ctx, msg.MessageID)
	if err != nil {
		return fmt.Errorf("failed to check for duplicate message: %w", err)
	}
	if exists {
		slog.Info("skipping already processed message", "message_id", msg.MessageID)
		return nil
	}

	p := &pass{msg: msg, handled: make(map[string]struct{})}

	for _, target := range Targets(msg) {
		if target.Address == "" {
			continue
		}

		policies := e.resolver.Resolve(target.Address, target.Source)
		if len(policies) == 0 {
			slog.Warn("no rooms for target",
				"address", logging.Address(target.Address),
				"source", string(target.Source),
			)
			continue
		}

		for _, policy := range policies {
			if _, ok := p.handled[policy.RoomID]; ok {
				slog.Debug("room already handled for this message", "room_id", policy.RoomID)
				continue
			}
			if e.deliverToRoom(ctx, p, target, policy) {
				p.handled[policy.RoomID] = struct{}{}
			}
		}
	}

	slog.Info("message processed",
		"message_id", msg.MessageID,
		"rooms", len(p.handled),
	)
	return nil
}

// claim marks an email id as in progress. It reports false when another
// pass already holds it.
func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

// pass carries the state of one ProcessMessage call.
type pass struct {
	msg        *email.Email
	handled    map[string]struct{}
	noticeSent bool
}

// deliverToRoom runs the policy pipeline for one room and reports whether
// the message was accepted.
func (e *Engine) deliverToRoom(ctx context.Context, p *pass, target Target, policy roompolicy.Policy) bool {
	msg := p.msg
	log := slog.With("room_id", policy.RoomID, "message_id", msg.MessageID)

	if ok, reason := roompolicy.PassesAntispam(policy, msg); !ok {
		log.Warn("message rejected by antispam", "reason", reason)
		return false
	}
	if ok, reason := roompolicy.IsAllowed(policy, msg); !ok {
		log.Warn("sender not allowed",
			"from", logging.Address(msg.PrimaryFrom().Address),
			"reason", reason,
		)
		if policy.RejectionNotice {
			e.sendRejection(ctx, p, target)
		}
		return false
	}

	attachments := roompolicy.FilterAttachments(msg.Attachments, policy.Attachments)
	segments := segment.Split(msg.TextBody, policy.PostReplies)
	if len(segments) == 0 {
		log.Warn("no text to deliver after segmentation")
	}

	from := msg.PrimaryFrom()
	isHTML := msg.IsHTML()

	for i, seg := range segments {
		kind := message.KindPrimary
		if i > 0 {
			kind = message.KindFragment
		}

		m := &message.Message{
			EmailID:      msg.MessageID,
			FromName:     from.Name,
			FromEmail:    from.Address,
			ToName:       target.Name,
			ToEmail:      target.Address,
			Subject:      msg.Subject,
			TextBody:     seg,
			HtmlBody:     msg.HtmlBody,
			FullTextBody: msg.TextBody,
			IsHTML:       isHTML,
			ReceivedAt:   e.now(),
			TargetRoom:   policy.RoomID,
			Kind:         kind,
		}

		if policy.SkipDatabase {
			e.send(ctx, policy, m)
			continue
		}

		stored, err := e.persist(ctx, m, attachments)
		if err != nil {
			log.Error("failed to persist message", "error", err)
			continue
		}
		e.send(ctx, policy, stored)
	}

	for _, att := range attachments {
		if !att.Post {
			continue
		}
		e.sendAttachment(ctx, policy, att)
	}

	log.Info("message delivered to room",
		"segments", len(segments),
		"attachments", len(attachments),
	)
	return true
}

// persist writes m and its attachments and returns the stored record with
// the kind restored.
func (e *Engine) persist(ctx context.Context, m *message.Message, attachments []message.Attachment) (*message.Message, error) {
	id, err := e.store.WriteMessage(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}

	stored, err := e.store.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read back message %s: %w", id, err)
	}
	if stored == nil {
		return nil, fmt.Errorf("message %s missing after write", id)
	}
	stored.Kind = m.Kind

	if len(attachments) > 0 {
		if err := e.store.WriteAttachments(ctx, attachments, id); err != nil {
			// The message itself is stored; deliver it without the files.
			slog.Error("failed to write attachments", "record_id", id, "error", err)
		}
	}

	return stored, nil
}

func (e *Engine) send(ctx context.Context, policy roompolicy.Policy, m *message.Message) {
	if !e.transport.IsJoined(policy.RoomID) {
		slog.Warn("not joined to room, dropping message", "room_id", policy.RoomID)
		return
	}

	content := e.composer.Compose(m, policy)
	if err := e.transport.Send(ctx, policy.RoomID, content); err != nil {
		slog.Error("failed to send message",
			"room_id", policy.RoomID,
			"transport", e.transport.Name(),
			"error", err,
		)
	}
}

func (e *Engine) sendAttachment(ctx context.Context, policy roompolicy.Policy, att message.Attachment) {
	if !e.transport.IsJoined(policy.RoomID) {
		slog.Warn("not joined to room, dropping attachment", "room_id", policy.RoomID, "name", att.Name)
		return
	}

	msgType := policy.Attachments.MsgTypeFor(att.ContentType)
	if err := e.transport.SendAttachment(ctx, policy.RoomID, att, msgType); err != nil {
		slog.Error("failed to send attachment",
			"room_id", policy.RoomID,
			"name", att.Name,
			"transport", e.transport.Name(),
			"error", err,
		)
	}
}

// sendRejection notifies the primary sender once per email. Senders whose
// address neither SPF nor DKIM vouched for get no notice.
func (e *Engine) sendRejection(ctx context.Context, p *pass, target Target) {
	if e.notifier == nil || p.noticeSent {
		return
	}
	sender := p.msg.PrimaryFrom().Address
	if sender == "" {
		return
	}
	if p.msg.SPF != email.VerdictPass && p.msg.DKIM != email.VerdictPass {
		slog.Info("not notifying unauthenticated sender",
			"message_id", p.msg.MessageID,
			"to", logging.Address(sender),
		)
		return
	}
	p.noticeSent = true

	n := notify.Rejection(sender, p.msg.Subject, p.msg.MessageID, target.Address)
	if err := e.notifier.Notify(ctx, n); err != nil {
		slog.Error("failed to send rejection notice",
			"to", logging.Address(sender),
			"notifier", e.notifier.Name(),
			"error", err,
		)
		return
	}
	slog.Info("rejection notice sent", "to", logging.Address(sender), "notifier", e.notifier.Name())
}
