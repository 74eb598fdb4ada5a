// Package chat persists and broadcasts agent messages per channel.
package chat

import (
	"context"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/crewlink/internal/bus"
	"github.com/KafClaw/crewlink/internal/errs"
	"github.com/KafClaw/crewlink/internal/lock"
	"github.com/KafClaw/crewlink/internal/scope"
	"github.com/KafClaw/crewlink/internal/timeline"
)

// Message is a persisted agent message. Only Reactions changes after send.
type Message struct {
	ID        string              `json:"id"`
	From      string              `json:"from"`
	To        string              `json:"to,omitempty"`
	Content   string              `json:"content"`
	Timestamp time.Time           `json:"timestamp"`
	Channel   string              `json:"channel"`
	Scope     scope.Scope         `json:"scope"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}

func (m *Message) clone() *Message {
	c := *m
	c.Metadata = maps.Clone(m.Metadata)
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = slices.Clone(v)
		}
	}
	return &c
}

// Outgoing is the input of SendMessage.
type Outgoing struct {
	From     string
	To       string
	Content  string
	Channel  string
	Scope    scope.Scope
	Metadata map[string]any
}

// Stats summarises the chat for the status payload.
type Stats struct {
	TotalMessages int `json:"totalMessages"`
	Rooms         int `json:"rooms"`
	Subscribers   int `json:"subscribers"`
}

// Persister is the durable backend of the store. *timeline.TimelineService
// satisfies it.
type Persister interface {
	InsertMessage(ctx context.Context, m *timeline.MessageRecord) error
	DeleteMessage(ctx context.Context, messageID string) error
	UpdateReactions(ctx context.Context, messageID string, reactions map[string][]string) error
	ListMessages(ctx context.Context, channel string, limit int) ([]timeline.MessageRecord, error)
	TrimChannel(ctx context.Context, channel string, keep int) (int64, error)
}

// Publisher fans persisted messages out to subscribers. *bus.MessageBus
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, d *bus.Delivery) error
	SubscriberCount() int
}

var mentionPattern = regexp.MustCompile(`(?:^|[^\w])@([A-Za-z0-9][A-Za-z0-9_.-]*)`)

// Mentions returns the distinct @names in content, lowercased.
func Mentions(content string) []string {
	var out []string
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		name := strings.ToLower(strings.TrimRight(m[1], ".-"))
		if name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// Store keeps every room in memory. Appends to one channel are serialized so
// persisted and broadcast order equals call order.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string][]*Message
	byID     map[string]*Message
	inbox    map[string][]string
	lastSeen map[string]time.Time
	lastAt   time.Time

	locks   *lock.MutexMap
	persist Persister
	pub     Publisher
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithPersister(p Persister) Option { return func(s *Store) { s.persist = p } }
func WithPublisher(p Publisher) Option { return func(s *Store) { s.pub = p } }
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		rooms:    make(map[string][]*Message),
		byID:     make(map[string]*Message),
		inbox:    make(map[string][]string),
		lastSeen: make(map[string]time.Time),
		locks:    lock.NewMutexMap(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the in-memory rooms with the persisted messages.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	records, err := s.persist.ListMessages(ctx, "", 0)
	if err != nil {
		return errs.Transient("load messages", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string][]*Message)
	s.byID = make(map[string]*Message)
	s.inbox = make(map[string][]string)
	s.lastSeen = make(map[string]time.Time)
	s.lastAt = time.Time{}
	for i := range records {
		s.indexLocked(fromRecord(&records[i]))
	}
	slog.Info("Chat store loaded", "messages", len(records), "rooms", len(s.rooms))
	return nil
}

// SendMessage persists, broadcasts and indexes one message. A persistence or
// broadcast failure is returned as ErrTransientIO and leaves no trace of the
// message, so the caller may retry.
func (s *Store) SendMessage(ctx context.Context, out Outgoing) (*Message, error) {
	from := strings.TrimSpace(out.From)
	if from == "" {
		return nil, errs.Validation("message from is required")
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, errs.Validation("message content is required")
	}
	channel := strings.TrimSpace(out.Channel)
	if channel == "" {
		return nil, errs.Validation("message channel is required")
	}
	sc := out.Scope
	if sc == "" {
		sc = scope.DeriveScopeID(scope.Context{Channel: channel})
	}

	if err := s.locks.LockContext(ctx, channel); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(channel)

	msg := &Message{
		ID:        "msg-" + uuid.NewString(),
		From:      from,
		To:        strings.TrimSpace(out.To),
		Content:   out.Content,
		Timestamp: s.now(),
		Channel:   channel,
		Scope:     sc,
		Metadata:  maps.Clone(out.Metadata),
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.persist != nil {
		if err := s.persist.InsertMessage(ctx, toRecord(msg)); err != nil {
			return nil, errs.Transient("persist message", err)
		}
	}

	if s.pub != nil {
		if err := s.pub.Publish(ctx, toDelivery(msg)); err != nil {
			s.unpersist(msg.ID)
			return nil, errs.Transient("broadcast message", err)
		}
	}

	s.mu.Lock()
	s.indexLocked(msg)
	s.mu.Unlock()
	return msg.clone(), nil
}

// unpersist rolls back the row of a message whose broadcast failed.
func (s *Store) unpersist(id string) {
	if s.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.persist.DeleteMessage(ctx, id); err != nil {
		slog.Warn("Rollback of unsent message failed", "message_id", id, "error", err)
	}
}

// indexLocked appends msg to its room and the inbox index. s.mu must be held.
func (s *Store) indexLocked(msg *Message) {
	s.rooms[msg.Channel] = append(s.rooms[msg.Channel], msg)
	s.byID[msg.ID] = msg
	if msg.Timestamp.After(s.lastAt) {
		s.lastAt = msg.Timestamp
	}
	from := strings.ToLower(msg.From)
	if msg.Timestamp.After(s.lastSeen[from]) {
		s.lastSeen[from] = msg.Timestamp
	}
	var recipients []string
	if msg.To != "" {
		recipients = append(recipients, strings.ToLower(msg.To))
	}
	if user, ok := scope.DirectUser(msg.Channel); ok {
		recipients = append(recipients, strings.ToLower(user))
	}
	recipients = append(recipients, Mentions(msg.Content)...)
	seen := map[string]bool{}
	for _, r := range recipients {
		if r == from || seen[r] {
			continue
		}
		seen[r] = true
		s.inbox[r] = append(s.inbox[r], msg.ID)
	}
}

// React adds agent to the reactors of emoji on messageID. Reacting twice is a
// no-op.
func (s *Store) React(ctx context.Context, messageID, emoji, agent string) (*Message, error) {
	emoji = strings.TrimSpace(emoji)
	agent = strings.TrimSpace(agent)
	if emoji == "" || agent == "" {
		return nil, errs.Validation("reaction emoji and agent are required")
	}
	s.mu.RLock()
	msg, ok := s.byID[messageID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("message", messageID)
	}

	if err := s.locks.LockContext(ctx, msg.Channel); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(msg.Channel)

	s.mu.RLock()
	next := msg.clone()
	s.mu.RUnlock()
	if slices.Contains(next.Reactions[emoji], agent) {
		return next, nil
	}
	if next.Reactions == nil {
		next.Reactions = make(map[string][]string)
	}
	next.Reactions[emoji] = append(next.Reactions[emoji], agent)

	if s.persist != nil {
		if err := s.persist.UpdateReactions(ctx, messageID, next.Reactions); err != nil {
			return nil, errs.Transient("persist reaction", err)
		}
	}
	s.mu.Lock()
	msg.Reactions = next.Reactions
	s.mu.Unlock()
	return next.clone(), nil
}

// Get returns a copy of one message.
func (s *Store) Get(messageID string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[messageID]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Messages returns the newest limit messages of channel, oldest first.
// limit <= 0 returns the whole room.
func (s *Store) Messages(channel string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room := s.rooms[channel]
	if limit > 0 && len(room) > limit {
		room = room[len(room)-limit:]
	}
	out := make([]Message, 0, len(room))
	for _, m := range room {
		out = append(out, *m.clone())
	}
	return out
}

// Rooms returns the channels that hold at least one message, sorted.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for ch, msgs := range s.rooms {
		if len(msgs) > 0 {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// Inbox returns messages addressed to agent (direct, dm channel or @mention),
// oldest first.
func (s *Store) Inbox(agent string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.inbox[strings.ToLower(agent)]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.byID[id]; ok {
			out = append(out, *m.clone())
		}
	}
	return out
}

// InboxAgents returns the agents with a non-empty inbox, sorted.
func (s *Store) InboxAgents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.inbox))
	for agent, ids := range s.inbox {
		if len(ids) > 0 {
			out = append(out, agent)
		}
	}
	sort.Strings(out)
	return out
}

// LastActivity returns the timestamp of the newest message on any channel.
func (s *Store) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAt
}

// LastSeen returns when agent last sent a message.
func (s *Store) LastSeen(agent string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastSeen[strings.ToLower(agent)]
	return t, ok
}

// Stats reports message and room counts plus live subscribers.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{TotalMessages: len(s.byID)}
	for _, msgs := range s.rooms {
		if len(msgs) > 0 {
			st.Rooms++
		}
	}
	s.mu.RUnlock()
	if s.pub != nil {
		st.Subscribers = s.pub.SubscriberCount()
	}
	return st
}

// Trim keeps the newest keep messages of every room and returns how many
// were dropped. keep <= 0 disables trimming.
func (s *Store) Trim(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	removed := 0
	for _, channel := range s.Rooms() {
		if err := s.locks.LockContext(ctx, channel); err != nil {
			return removed, err
		}
		n, err := s.trimChannel(ctx, channel, keep)
		s.locks.Unlock(channel)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *Store) trimChannel(ctx context.Context, channel string, keep int) (int, error) {
	s.mu.RLock()
	excess := len(s.rooms[channel]) - keep
	s.mu.RUnlock()
	if excess <= 0 {
		return 0, nil
	}
	if s.persist != nil {
		if _, err := s.persist.TrimChannel(ctx, channel, keep); err != nil {
			return 0, errs.Transient("trim channel", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.rooms[channel]
	dropped := make(map[string]bool, excess)
	for _, m := range room[:excess] {
		dropped[m.ID] = true
		delete(s.byID, m.ID)
	}
	s.rooms[channel] = slices.Clone(room[excess:])
	for agent, ids := range s.inbox {
		kept := ids[:0]
		for _, id := range ids {
			if !dropped[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.inbox, agent)
		} else {
			s.inbox[agent] = kept
		}
	}
	return excess, nil
}

func toRecord(m *Message) *timeline.MessageRecord {
	return &timeline.MessageRecord{
		MessageID: m.ID,
		Channel:   m.Channel,
		Scope:     string(m.Scope),
		From:      m.From,
		To:        m.To,
		Content:   m.Content,
		Reactions: m.Reactions,
		Metadata:  m.Metadata,
		Timestamp: m.Timestamp,
	}
}

func fromRecord(r *timeline.MessageRecord) *Message {
	return &Message{
		ID:        r.MessageID,
		From:      r.From,
		To:        r.To,
		Content:   r.Content,
		Timestamp: r.Timestamp,
		Channel:   r.Channel,
		Scope:     scope.Scope(r.Scope),
		Reactions: r.Reactions,
		Metadata:  r.Metadata,
	}
}

func toDelivery(m *Message) *bus.Delivery {
	return &bus.Delivery{
		MessageID: m.ID,
		Channel:   m.Channel,
		Scope:     string(m.Scope),
		From:      m.From,
		To:        m.To,
		Content:   m.Content,
		Metadata:  maps.Clone(m.Metadata),
		Timestamp: m.Timestamp,
	}
}
