// Package delivery drives a message's lifecycle from submit to read
// receipt: optimistic insert, ack reconciliation, ack timeouts, explicit
// retry and cancellation, and the out-of-band reaction/edit/delete ops.
package delivery

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/protocol"
	"chat-sync/internal/store"
)

var (
	ErrEmptyMessage             = errors.New("message has no body or media")
	ErrConversationRequired     = errors.New("conversation id required")
	ErrReplyOutsideConversation = errors.New("reply target belongs to another conversation")
	ErrNotPending               = errors.New("message is not awaiting acknowledgement")
	ErrNotFailed                = errors.New("message has not failed")
	ErrNotEditable              = errors.New("message cannot be edited")
	ErrRejected                 = errors.New("message rejected by server")
)

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(channel protocol.Channel, event protocol.Event, payload interface{}) (uint64, error)
	Withdraw(id uint64) bool
}

// Draft is what the user composed.
type Draft struct {
	ConversationID string
	Body           string
	Media          *models.Attachment
	ReplyToID      string
}

type phase int

const (
	phaseInFlight phase = iota
	phaseFailed
	// phaseSuperseded marks a temp id replaced by a retry or cancelled; an
	// ack for it is a duplicate.
	phaseSuperseded
)

type record struct {
	draft       Draft
	frameID     uint64
	submittedAt time.Time
	phase       phase
	err         error
}

// Config tunes the coordinator. AckTimeout must be positive.
type Config struct {
	AckTimeout time.Duration
	Clock      clockwork.Clock
	Logger     *log.Logger
	NewID      func() string
}

// Coordinator owns the tempId -> pending reconciliation map.
type Coordinator struct {
	cfg    Config
	selfID string
	sender Sender
	store  *store.Store

	mu          sync.Mutex
	records     map[string]*record
	discarded   map[string]struct{}
	connected   bool
	connectedAt time.Time
}

// New returns a coordinator sending as selfID.
func New(selfID string, sender Sender, st *store.Store, cfg Config) *Coordinator {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Coordinator{
		cfg:       cfg,
		selfID:    selfID,
		sender:    sender,
		store:     st,
		records:   make(map[string]*record),
		discarded: make(map[string]struct{}),
	}
}

// SetConnected records connection changes. The ack timer of a send queued
// while offline starts when the connection is established.
func (c *Coordinator) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if connected && !c.connected {
		c.connectedAt = c.cfg.Clock.Now()
	}
	c.connected = connected
}

// Submit assigns a temp id, inserts the message optimistically as SENT and
// hands it to the connection. If the connection refuses it the message is
// FAILED right away and the error is returned alongside it.
func (c *Coordinator) Submit(d Draft) (models.Message, error) {
	if d.ConversationID == "" {
		return models.Message{}, ErrConversationRequired
	}
	if d.Body == "" && d.Media == nil {
		return models.Message{}, ErrEmptyMessage
	}
	if d.ReplyToID != "" {
		if target, ok := c.store.Get(d.ReplyToID); ok && target.ConversationID != d.ConversationID {
			return models.Message{}, ErrReplyOutsideConversation
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitLocked(d)
}

func (c *Coordinator) submitLocked(d Draft) (models.Message, error) {
	now := c.cfg.Clock.Now()
	tempID := c.cfg.NewID()
	msg := models.Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: d.ConversationID,
		SenderID:       c.selfID,
		Body:           d.Body,
		Media:          d.Media,
		ReplyToID:      d.ReplyToID,
		Status:         models.StatusSent,
		LocalTime:      now,
	}
	if _, err := c.store.Append(msg); err != nil {
		return models.Message{}, err
	}
	rec := &record{draft: d, submittedAt: now}
	c.records[tempID] = rec

	frameID, err := c.sender.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{
		TempID:         tempID,
		ConversationID: d.ConversationID,
		Body:           d.Body,
		Media:          d.Media,
		ReplyToID:      d.ReplyToID,
	})
	if err != nil {
		failed := c.failLocked(tempID, rec, fmt.Errorf("send %s: %w", tempID, err))
		return failed, err
	}
	rec.frameID = frameID
	return msg, nil
}

func (c *Coordinator) failLocked(tempID string, rec *record, err error) models.Message {
	rec.phase = phaseFailed
	rec.err = err
	if rec.frameID != 0 {
		c.sender.Withdraw(rec.frameID)
	}
	msg, _ := c.store.SetStatus(tempID, models.StatusFailed)
	c.cfg.Logger.Printf("message failed temp_id=%s conversation_id=%s err=%v", tempID, rec.draft.ConversationID, err)
	return msg
}

// CheckTimeouts fails every in-flight message whose ack is overdue. The
// timer runs from max(submit, connect) and only while connected.
func (c *Coordinator) CheckTimeouts() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	now := c.cfg.Clock.Now()
	var failed []models.Message
	for tempID, rec := range c.records {
		if rec.phase != phaseInFlight {
			continue
		}
		if c.settledLocked(tempID) {
			delete(c.records, tempID)
			continue
		}
		start := rec.submittedAt
		if c.connectedAt.After(start) {
			start = c.connectedAt
		}
		if now.Sub(start) < c.cfg.AckTimeout {
			continue
		}
		observability.IncAckTimeout()
		failed = append(failed, c.failLocked(tempID, rec, &protocol.AckTimeoutError{TempID: tempID, Timeout: c.cfg.AckTimeout}))
	}
	return failed
}

// settledLocked reports whether the optimistic entry for tempID was
// already replaced by a server copy, or dropped.
func (c *Coordinator) settledLocked(tempID string) bool {
	msg, ok := c.store.Get(tempID)
	return !ok || !msg.IsTemporary()
}

// NextDeadline returns when the earliest in-flight ack times out.
func (c *Coordinator) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	found := false
	for _, rec := range c.records {
		if rec.phase != phaseInFlight {
			continue
		}
		start := rec.submittedAt
		if c.connectedAt.After(start) {
			start = c.connectedAt
		}
		deadline := start.Add(c.cfg.AckTimeout)
		if !found || deadline.Before(next) {
			next, found = deadline, true
		}
	}
	return next, found
}

// HandleAck reconciles the optimistic entry with the server's id. A late
// ack for a FAILED message still reconciles it; an ack for a superseded
// temp id is discarded and the server copy is deleted.
func (c *Coordinator) HandleAck(ack protocol.MessageAck) (models.Message, error) {
	if ack.TempID == "" || ack.ServerID == "" {
		return models.Message{}, &protocol.ProtocolError{
			Channel: protocol.ChannelChat, Event: protocol.EventMessageAck, Reason: "ack without ids",
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[ack.TempID]
	if !ok {
		return models.Message{}, protocol.ErrDuplicateEvent
	}
	conversationID := rec.draft.ConversationID
	if rec.phase == phaseSuperseded {
		if _, seen := c.discarded[ack.ServerID]; seen {
			return models.Message{}, protocol.ErrDuplicateEvent
		}
		c.discarded[ack.ServerID] = struct{}{}
		c.cfg.Logger.Printf("discarding ack for superseded temp_id=%s server_id=%s", ack.TempID, ack.ServerID)
		c.deleteSupersededLocked(ack.TempID, ack.ServerID, conversationID)
		return models.Message{}, protocol.ErrDuplicateEvent
	}

	delete(c.records, ack.TempID)
	msg, err := c.store.Reconcile(ack.TempID, models.Message{
		ID:             ack.ServerID,
		TempID:         ack.TempID,
		ConversationID: conversationID,
		SenderID:       c.selfID,
		Status:         models.StatusAcknowledged,
		CreatedAt:      ack.Timestamp,
		UpdatedAt:      ack.Timestamp,
	})
	if err != nil {
		return models.Message{}, err
	}
	if rec.phase == phaseFailed {
		c.cfg.Logger.Printf("late ack reconciled failed message temp_id=%s server_id=%s", ack.TempID, ack.ServerID)
	}
	return msg, nil
}

func (c *Coordinator) deleteSupersededLocked(tempID, serverID, conversationID string) {
	if _, err := c.sender.Send(protocol.ChannelChat, protocol.EventMessageDelete, protocol.MessageDelete{
		MessageID:      serverID,
		ConversationID: conversationID,
		At:             c.cfg.Clock.Now(),
	}); err != nil {
		c.cfg.Logger.Printf("delete of superseded copy not queued temp_id=%s server_id=%s err=%v", tempID, serverID, err)
	}
}

// HandleNack fails an in-flight message the server refused.
func (c *Coordinator) HandleNack(nack protocol.MessageNack) (models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[nack.TempID]
	if !ok || rec.phase != phaseInFlight {
		return models.Message{}, protocol.ErrDuplicateEvent
	}
	return c.failLocked(nack.TempID, rec, fmt.Errorf("%w: %s", ErrRejected, nack.Reason)), nil
}

// Retry starts a new send cycle for a FAILED message under a fresh temp
// id. The old temp id is superseded.
func (c *Coordinator) Retry(tempID string) (models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[tempID]
	if !ok || rec.phase != phaseFailed {
		return models.Message{}, ErrNotFailed
	}
	rec.phase = phaseSuperseded
	c.store.Remove(tempID)
	return c.submitLocked(rec.draft)
}

// Cancel withdraws a message that has not been acknowledged. A frame still
// in the outbound buffer never reaches the server; one already sent is
// deleted server-side when its ack arrives.
func (c *Coordinator) Cancel(tempID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[tempID]
	if !ok || rec.phase == phaseSuperseded {
		return ErrNotPending
	}
	if rec.frameID != 0 && c.sender.Withdraw(rec.frameID) {
		delete(c.records, tempID)
	} else {
		rec.phase = phaseSuperseded
	}
	c.store.Remove(tempID)
	return nil
}

// FailAll fails every in-flight message, typically after the connection
// closed for good.
func (c *Coordinator) FailAll(cause error) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var failed []models.Message
	for tempID, rec := range c.records {
		if rec.phase != phaseInFlight {
			continue
		}
		if c.settledLocked(tempID) {
			delete(c.records, tempID)
			continue
		}
		failed = append(failed, c.failLocked(tempID, rec, cause))
	}
	return failed
}

// Failure returns why a FAILED message failed.
func (c *Coordinator) Failure(tempID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[tempID]; ok && rec.phase == phaseFailed {
		return rec.err
	}
	return nil
}

// InFlight returns the temp ids awaiting acknowledgement.
func (c *Coordinator) InFlight() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for tempID, rec := range c.records {
		if rec.phase == phaseInFlight {
			out = append(out, tempID)
		}
	}
	return out
}

// Discard reports whether an inbound message is the server copy of a
// superseded send and must not be displayed.
func (c *Coordinator) Discard(msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.discarded[msg.ID]; ok {
		return true
	}
	if msg.SenderID != c.selfID || msg.TempID == "" {
		return false
	}
	rec, ok := c.records[msg.TempID]
	if ok && rec.phase == phaseSuperseded {
		c.discarded[msg.ID] = struct{}{}
		c.deleteSupersededLocked(msg.TempID, msg.ID, rec.draft.ConversationID)
		return true
	}
	return false
}

// Adopt settles a pending send from a server copy that arrived without an
// ack, through resync or another device's broadcast. The copy carries the
// temp id it was submitted under. It reports false when msg settles
// nothing.
func (c *Coordinator) Adopt(msg models.Message) (models.Message, bool) {
	if msg.SenderID != c.selfID || msg.TempID == "" || msg.ID == "" || msg.ID == msg.TempID {
		return models.Message{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[msg.TempID]
	if !ok || rec.phase == phaseSuperseded {
		return models.Message{}, false
	}
	delete(c.records, msg.TempID)
	if rec.frameID != 0 {
		c.sender.Withdraw(rec.frameID)
	}
	if !models.StatusAcknowledged.CanAdvanceTo(msg.Status) {
		msg.Status = models.StatusAcknowledged
	}
	merged, err := c.store.Reconcile(msg.TempID, msg)
	if err != nil {
		c.cfg.Logger.Printf("server copy not reconciled temp_id=%s server_id=%s err=%v", msg.TempID, msg.ID, err)
		return models.Message{}, false
	}
	c.cfg.Logger.Printf("pending send settled by server copy temp_id=%s server_id=%s", msg.TempID, msg.ID)
	return merged, true
}

// MarkRead resets the local unread counter through upToMessageID and
// sends the receipt.
func (c *Coordinator) MarkRead(conversationID, upToMessageID string) error {
	if _, ok := c.store.Get(upToMessageID); !ok {
		return store.ErrMessageNotFound
	}
	c.store.MarkReadUpTo(protocol.MessageRead{
		ConversationID: conversationID,
		UpToMessageID:  upToMessageID,
		UserID:         c.selfID,
		At:             c.cfg.Clock.Now(),
	})
	_, err := c.sender.Send(protocol.ChannelChat, protocol.EventMessageRead, protocol.MessageRead{
		ConversationID: conversationID,
		UpToMessageID:  upToMessageID,
	})
	return err
}

// React adds or removes the local user's reaction.
func (c *Coordinator) React(messageID, emoji string, action protocol.ReactionAction) (models.Message, error) {
	target, ok := c.store.Get(messageID)
	if !ok || target.IsTemporary() {
		return models.Message{}, store.ErrMessageNotFound
	}
	op := protocol.MessageReaction{
		MessageID:      messageID,
		ConversationID: target.ConversationID,
		Emoji:          emoji,
		UserID:         c.selfID,
		Action:         action,
		At:             c.cfg.Clock.Now(),
	}
	msg, _ := c.store.ApplyReaction(op)
	_, err := c.sender.Send(protocol.ChannelChat, protocol.EventMessageReaction, op)
	return msg, err
}

// Edit replaces the body of one of the local user's acknowledged messages.
func (c *Coordinator) Edit(messageID, body string) (models.Message, error) {
	target, ok := c.store.Get(messageID)
	if !ok {
		return models.Message{}, store.ErrMessageNotFound
	}
	if target.SenderID != c.selfID || target.IsTemporary() || target.Deleted || body == "" {
		return models.Message{}, ErrNotEditable
	}
	op := protocol.MessageEdit{
		MessageID:      messageID,
		ConversationID: target.ConversationID,
		Body:           body,
		EditedAt:       c.cfg.Clock.Now(),
	}
	msg, _ := c.store.ApplyEdit(op)
	_, err := c.sender.Send(protocol.ChannelChat, protocol.EventMessageEdit, op)
	return msg, err
}

// Delete soft-deletes one of the local user's messages. Deleting an
// unacknowledged message cancels it instead.
func (c *Coordinator) Delete(messageID string) (models.Message, error) {
	target, ok := c.store.Get(messageID)
	if !ok {
		return models.Message{}, store.ErrMessageNotFound
	}
	if target.IsTemporary() {
		return target, c.Cancel(messageID)
	}
	if target.SenderID != c.selfID {
		return models.Message{}, ErrNotEditable
	}
	op := protocol.MessageDelete{
		MessageID:      messageID,
		ConversationID: target.ConversationID,
		At:             c.cfg.Clock.Now(),
	}
	msg, _ := c.store.ApplyDelete(op)
	_, err := c.sender.Send(protocol.ChannelChat, protocol.EventMessageDelete, op)
	return msg, err
}
