// Package store is the client-side message cache: an ordered, deduplicated
// log per conversation that merges optimistic sends, server echoes, live
// events and resync batches.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"chat-sync/internal/models"
	"chat-sync/internal/protocol"
)

var (
	ErrUnknownTempID       = errors.New("unknown temp id")
	ErrMessageNotFound     = errors.New("message not found")
	ErrConversationMissing = errors.New("conversation id required")
)

// Outcome reports what Append did with a message.
type Outcome int

const (
	Unchanged Outcome = iota
	Inserted
	Merged
)

// maxPendingPerMessage bounds ops held for a message not yet seen.
const maxPendingPerMessage = 32

type reactionKey struct {
	emoji  string
	userID string
}

type reactionOp struct {
	add bool
	at  time.Time
}

type entry struct {
	msg models.Message
	// ops is the newest known op per (emoji, user); snapshotAt is the time
	// of the last full reaction set received.
	ops        map[reactionKey]reactionOp
	snapshotAt time.Time
}

type conversation struct {
	meta      models.Conversation
	entries   []*entry
	watermark time.Time
	lastRead  string
	// pendingReads holds receipts whose target is not cached yet.
	pendingReads map[string]protocol.MessageRead
}

type pendingOp func(e *entry) bool

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	selfID  string
	clock   clockwork.Clock
	convs   map[string]*conversation
	byID    map[string]*entry
	pending map[string][]pendingOp
}

// New returns an empty store for the local user selfID.
func New(selfID string, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		selfID:  selfID,
		clock:   clock,
		convs:   make(map[string]*conversation),
		byID:    make(map[string]*entry),
		pending: make(map[string][]pendingOp),
	}
}

func (s *Store) conv(id string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{
			meta:         models.Conversation{ID: id},
			pendingReads: make(map[string]protocol.MessageRead),
		}
		s.convs[id] = c
	}
	return c
}

// Append merges msg into its conversation. Messages are deduplicated by
// permanent id; a server copy echoing a cached temp id replaces the
// optimistic entry. Append is idempotent.
func (s *Store) Append(msg models.Message) (Outcome, error) {
	if msg.ConversationID == "" {
		return Unchanged, ErrConversationMissing
	}
	if msg.ID == "" {
		msg.ID = msg.TempID
	}
	if msg.ID == "" {
		return Unchanged, ErrMessageNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byID[msg.ID]; ok {
		if s.merge(e, msg) {
			s.afterChange(e)
			return Merged, nil
		}
		return Unchanged, nil
	}
	if msg.TempID != "" && msg.TempID != msg.ID {
		if e, ok := s.byID[msg.TempID]; ok && e.msg.IsTemporary() {
			s.rekey(e, msg.ID)
			s.merge(e, msg)
			s.afterChange(e)
			return Merged, nil
		}
	}

	e := &entry{msg: msg, ops: make(map[reactionKey]reactionOp)}
	e.msg.Reactions = msg.Reactions.Clone()
	if e.msg.Reactions != nil {
		e.snapshotAt = msg.UpdatedAt
	}
	if e.msg.LocalTime.IsZero() && e.msg.CreatedAt.IsZero() {
		e.msg.LocalTime = s.clock.Now()
	}
	s.byID[msg.ID] = e
	c := s.conv(msg.ConversationID)
	c.entries = append(c.entries, e)
	s.afterChange(e)
	return Inserted, nil
}

func (s *Store) rekey(e *entry, id string) {
	delete(s.byID, e.msg.ID)
	e.msg.ID = id
	s.byID[id] = e
}

// merge folds incoming into e. Status only moves forward, deletion is one
// way, edits are last-writer-wins and a newer reaction snapshot replaces
// the set.
func (s *Store) merge(e *entry, in models.Message) bool {
	m := &e.msg
	changed := false

	if m.Status.CanAdvanceTo(in.Status) {
		m.Status = in.Status
		changed = true
	}
	if in.Deleted && !m.Deleted {
		m.Deleted = true
		changed = true
	}
	if in.EditedAt != nil && (m.EditedAt == nil || in.EditedAt.After(*m.EditedAt)) {
		edited := *in.EditedAt
		m.EditedAt = &edited
		m.Body = in.Body
		changed = true
	}
	if !in.CreatedAt.IsZero() && !in.CreatedAt.Equal(m.CreatedAt) && (m.CreatedAt.IsZero() || m.IsTemporary()) {
		m.CreatedAt = in.CreatedAt
		changed = true
	}
	if in.UpdatedAt.After(m.UpdatedAt) {
		m.UpdatedAt = in.UpdatedAt
		changed = true
	}
	if m.Media == nil && in.Media != nil {
		media := *in.Media
		m.Media = &media
		changed = true
	}
	if m.ReplyToID == "" && in.ReplyToID != "" {
		m.ReplyToID = in.ReplyToID
		changed = true
	}
	if m.TempID == "" && in.TempID != "" {
		m.TempID = in.TempID
	}
	if in.Reactions != nil && in.UpdatedAt.After(e.snapshotAt) {
		if s.replaceReactions(e, in.Reactions, in.UpdatedAt) {
			changed = true
		}
	}
	return changed
}

// replaceReactions installs a snapshot taken at `at`, then re-applies any
// individual op newer than it.
func (s *Store) replaceReactions(e *entry, snapshot models.Reactions, at time.Time) bool {
	before := e.msg.Reactions.Clone()
	next := snapshot.Clone()
	if next == nil {
		next = models.Reactions{}
	}
	for key, op := range e.ops {
		if !op.at.After(at) {
			continue
		}
		if op.add {
			next.Add(key.emoji, key.userID)
		} else {
			next.Remove(key.emoji, key.userID)
		}
	}
	e.msg.Reactions = next
	e.snapshotAt = at
	return !sameReactions(before, next)
}

func sameReactions(a, b models.Reactions) bool {
	if len(a) != len(b) {
		return false
	}
	for emoji, users := range a {
		other := b[emoji]
		if len(users) != len(other) {
			return false
		}
		for i := range users {
			if users[i] != other[i] {
				return false
			}
		}
	}
	return true
}

// afterChange re-sorts the conversation, advances its watermark and
// preview, applies held ops and recomputes the unread counter.
func (s *Store) afterChange(e *entry) {
	c := s.conv(e.msg.ConversationID)
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].msg.Before(c.entries[j].msg)
	})

	if !e.msg.IsTemporary() {
		for _, ts := range []time.Time{e.msg.CreatedAt, e.msg.UpdatedAt} {
			if ts.After(c.watermark) {
				c.watermark = ts
			}
		}
		if ops := s.pending[e.msg.ID]; len(ops) > 0 {
			delete(s.pending, e.msg.ID)
			for _, op := range ops {
				op(e)
			}
		}
		for reader, receipt := range c.pendingReads {
			if receipt.UpToMessageID == e.msg.ID {
				delete(c.pendingReads, reader)
				s.applyRead(c, receipt)
			}
		}
	}
	s.refresh(c)
}

// refresh recomputes the preview reference and unread counter.
func (s *Store) refresh(c *conversation) {
	c.meta.LastMessageID = ""
	c.meta.LastMessageAt = time.Time{}
	if n := len(c.entries); n > 0 {
		last := c.entries[n-1].msg
		c.meta.LastMessageID = last.ID
		c.meta.LastMessageAt = last.SortTime()
	}

	readIdx := -1
	if c.lastRead != "" {
		readIdx = indexOf(c, c.lastRead)
	}
	unread := 0
	for i := readIdx + 1; i < len(c.entries); i++ {
		m := c.entries[i].msg
		if m.SenderID != s.selfID && !m.Deleted {
			unread++
		}
	}
	c.meta.UnreadCount = unread
	c.meta.LastReadID = c.lastRead
}

func indexOf(c *conversation, id string) int {
	for i, e := range c.entries {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}

// hold queues op for a message that has not arrived yet.
func (s *Store) hold(messageID string, op pendingOp) {
	ops := s.pending[messageID]
	if len(ops) >= maxPendingPerMessage {
		ops = ops[1:]
	}
	s.pending[messageID] = append(ops, op)
}

// Reconcile replaces the optimistic entry for tempID with the server's
// copy. If the server copy is already cached under its permanent id the
// temp entry is folded into it.
func (s *Store) Reconcile(tempID string, server models.Message) (models.Message, error) {
	if server.ID == "" {
		return models.Message{}, ErrMessageNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[tempID]
	if !ok || !e.msg.IsTemporary() {
		// the server echo may have replaced the optimistic entry already
		if echoed, ok := s.byID[server.ID]; ok && echoed.msg.TempID == tempID {
			s.merge(echoed, server)
			s.afterChange(echoed)
			return echoed.msg.Redacted(), nil
		}
		return models.Message{}, ErrUnknownTempID
	}
	if server.TempID == "" {
		server.TempID = tempID
	}
	if existing, ok := s.byID[server.ID]; ok && existing != e {
		s.removeEntry(e)
		s.merge(existing, server)
		if existing.msg.TempID == "" {
			existing.msg.TempID = tempID
		}
		s.afterChange(existing)
		return existing.msg.Redacted(), nil
	}

	s.rekey(e, server.ID)
	s.merge(e, server)
	s.afterChange(e)
	return e.msg.Redacted(), nil
}

func (s *Store) removeEntry(e *entry) {
	if s.byID[e.msg.ID] == e {
		delete(s.byID, e.msg.ID)
	}
	c := s.conv(e.msg.ConversationID)
	for i, other := range c.entries {
		if other == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
}

// Remove drops an optimistic entry that never reached the server.
func (s *Store) Remove(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[tempID]
	if !ok || !e.msg.IsTemporary() {
		return false
	}
	s.removeEntry(e)
	s.refresh(s.conv(e.msg.ConversationID))
	return true
}

// SetStatus advances the status of the message with the given id (temp or
// permanent). Backward moves are ignored.
func (s *Store) SetStatus(id string, status models.Status) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || !e.msg.Status.CanAdvanceTo(status) {
		return models.Message{}, false
	}
	e.msg.Status = status
	return e.msg.Redacted(), true
}

// ApplyDelivered advances a message to DELIVERED, holding the receipt if
// the message is not cached yet.
func (s *Store) ApplyDelivered(d protocol.MessageDelivered) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := func(e *entry) bool {
		if !e.msg.Status.CanAdvanceTo(models.StatusDelivered) {
			return false
		}
		e.msg.Status = models.StatusDelivered
		return true
	}
	e, ok := s.byID[d.MessageID]
	if !ok {
		s.hold(d.MessageID, op)
		return false
	}
	return op(e)
}

// MarkReadUpTo applies a read receipt as one batch. A receipt from
// another participant moves the local user's messages up to and
// including UpToMessageID to READ; a receipt from the local user resets
// the unread counter through that message. It returns the messages whose
// status changed.
func (s *Store) MarkReadUpTo(receipt protocol.MessageRead) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(receipt.ConversationID)
	if indexOf(c, receipt.UpToMessageID) < 0 {
		if prev, ok := c.pendingReads[receipt.UserID]; !ok || receipt.At.After(prev.At) {
			c.pendingReads[receipt.UserID] = receipt
		}
		return nil
	}
	changed := s.applyRead(c, receipt)
	s.refresh(c)
	return changed
}

func (s *Store) applyRead(c *conversation, receipt protocol.MessageRead) []models.Message {
	idx := indexOf(c, receipt.UpToMessageID)
	if idx < 0 {
		return nil
	}
	if receipt.UserID == "" || receipt.UserID == s.selfID {
		if cur := indexOf(c, c.lastRead); cur < idx {
			c.lastRead = receipt.UpToMessageID
		}
		return nil
	}

	var changed []models.Message
	for i := 0; i <= idx; i++ {
		m := &c.entries[i].msg
		if m.SenderID != s.selfID || m.IsTemporary() {
			continue
		}
		if m.Status.CanAdvanceTo(models.StatusRead) {
			m.Status = models.StatusRead
			changed = append(changed, m.Redacted())
		}
	}
	return changed
}

// ApplyReaction applies one reaction op. Ops older than the newest known
// op for the same (emoji, user), or than the last snapshot, are ignored.
func (s *Store) ApplyReaction(r protocol.MessageReaction) (models.Message, bool) {
	if r.At.IsZero() {
		r.At = s.clock.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op := func(e *entry) bool {
		key := reactionKey{r.Emoji, r.UserID}
		add := r.Action == protocol.ReactionAdd
		if prev, ok := e.ops[key]; ok {
			if r.At.Before(prev.at) || (r.At.Equal(prev.at) && prev.add == add) {
				return false
			}
		}
		if r.At.Before(e.snapshotAt) {
			return false
		}
		e.ops[key] = reactionOp{add: add, at: r.At}
		if e.msg.Reactions == nil {
			e.msg.Reactions = models.Reactions{}
		}
		if add {
			return e.msg.Reactions.Add(r.Emoji, r.UserID)
		}
		return e.msg.Reactions.Remove(r.Emoji, r.UserID)
	}
	e, ok := s.byID[r.MessageID]
	if !ok {
		s.hold(r.MessageID, op)
		return models.Message{}, false
	}
	if !op(e) {
		return e.msg.Redacted(), false
	}
	return e.msg.Redacted(), true
}

// ApplyEdit replaces the body when the edit is newer than the current one.
// Edits to deleted messages are ignored.
func (s *Store) ApplyEdit(ed protocol.MessageEdit) (models.Message, bool) {
	if ed.EditedAt.IsZero() {
		ed.EditedAt = s.clock.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op := func(e *entry) bool {
		if e.msg.Deleted {
			return false
		}
		if e.msg.EditedAt != nil && !ed.EditedAt.After(*e.msg.EditedAt) {
			return false
		}
		at := ed.EditedAt
		e.msg.EditedAt = &at
		e.msg.Body = ed.Body
		return true
	}
	e, ok := s.byID[ed.MessageID]
	if !ok {
		s.hold(ed.MessageID, op)
		return models.Message{}, false
	}
	if !op(e) {
		return e.msg.Redacted(), false
	}
	return e.msg.Redacted(), true
}

// ApplyDelete soft-deletes a message. Deletion is one way.
func (s *Store) ApplyDelete(d protocol.MessageDelete) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := func(e *entry) bool {
		if e.msg.Deleted {
			return false
		}
		e.msg.Deleted = true
		return true
	}
	e, ok := s.byID[d.MessageID]
	if !ok {
		s.hold(d.MessageID, op)
		return models.Message{}, false
	}
	changed := op(e)
	if changed {
		s.refresh(s.conv(e.msg.ConversationID))
	}
	return e.msg.Redacted(), changed
}

// Get returns a cached message by temp or permanent id.
func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return e.msg.Redacted(), true
}

// GetConversation returns the conversation's messages in order, as
// readers see them.
func (s *Store) GetConversation(id string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg.Redacted()
	}
	return out
}

// UpsertConversation records conversation metadata from the server. The
// locally derived preview and unread counter are kept.
func (s *Store) UpsertConversation(meta models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(meta.ID)
	if len(meta.Participants) > 0 {
		c.meta.Participants = append([]models.Participant(nil), meta.Participants...)
	}
	if !meta.CreatedAt.IsZero() {
		c.meta.CreatedAt = meta.CreatedAt
	}
	if meta.LastReadID != "" && indexOf(c, meta.LastReadID) > indexOf(c, c.lastRead) {
		c.lastRead = meta.LastReadID
	}
	s.refresh(c)
}

// Conversation returns one conversation's metadata.
func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return models.Conversation{}, false
	}
	return c.meta, true
}

// Conversations returns previews ordered by latest message, newest first.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Watermarks returns, per conversation, the newest server timestamp cached.
// Resync asks for everything strictly after it.
func (s *Store) Watermarks() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.convs))
	for id, c := range s.convs {
		out[id] = c.watermark
	}
	return out
}

// Watermark returns the newest server timestamp across all conversations.
func (s *Store) Watermark() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest time.Time
	for _, c := range s.convs {
		if c.watermark.After(newest) {
			newest = c.watermark
		}
	}
	return newest
}
