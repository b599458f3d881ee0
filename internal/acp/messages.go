package acp

import (
	"encoding/json"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/ashureev/shsh-acp/internal/clock"
)

// MethodSessionUpdate is the notification carrying conversation updates.
const MethodSessionUpdate = "session/update"

// Message is one decoded frame in arrival order.
type Message struct {
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	Method     string          `json:"method,omitempty"`
	Raw        json.RawMessage `json:"raw"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Role tags a conversation entry.
type Role string

const (
	RoleUser    Role = "user"
	RoleAgent   Role = "agent"
	RoleThought Role = "thought"
	RoleTool    Role = "tool"
)

// ConversationEntry is one merged turn or tool call.
type ConversationEntry struct {
	Role       Role   `json:"role"`
	Text       string `json:"text,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Title      string `json:"title,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Command is a slash command the agent advertises.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TokenUsage accumulates usage reported on prompt results.
type TokenUsage struct {
	InputTokens       int64 `json:"inputTokens"`
	OutputTokens      int64 `json:"outputTokens"`
	CachedReadTokens  int64 `json:"cachedReadTokens"`
	CachedWriteTokens int64 `json:"cachedWriteTokens"`
}

// Add sums u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:       u.InputTokens + o.InputTokens,
		OutputTokens:      u.OutputTokens + o.OutputTokens,
		CachedReadTokens:  u.CachedReadTokens + o.CachedReadTokens,
		CachedWriteTokens: u.CachedWriteTokens + o.CachedWriteTokens,
	}
}

// StoreSnapshot is a copy of the store's contents.
type StoreSnapshot struct {
	Messages     []Message           `json:"messages"`
	Conversation []ConversationEntry `json:"conversation"`
	Commands     []Command           `json:"commands"`
	Usage        TokenUsage          `json:"usage"`
	Replaying    bool                `json:"replaying"`
	// ReplayStart is the seq of the frame that began the latest host
	// replay. Messages after it repeat earlier history.
	ReplayStart int64 `json:"replayStart,omitempty"`
}

// MessageStore is the append-only history of one session. Derived views are
// maintained incrementally as frames arrive and are rebuilt from a host
// replay; the message log itself is never truncated.
type MessageStore struct {
	clock clock.Clock

	mu           sync.RWMutex
	seq          int64
	messages     []Message
	conversation []ConversationEntry
	toolIndex    map[string]int
	commands     []Command
	usage        TokenUsage
	replaying    bool
	replayStart  int64
}

// NewMessageStore returns an empty store. A nil clock uses real time.
func NewMessageStore(c clock.Clock) *MessageStore {
	return NewMessageStoreAfter(c, 0)
}

// NewMessageStoreAfter returns an empty store whose first message gets
// seq+1, for continuing a history persisted elsewhere.
func NewMessageStoreAfter(c clock.Clock, seq int64) *MessageStore {
	if c == nil {
		c = clock.Real()
	}
	if seq < 0 {
		seq = 0
	}
	return &MessageStore{clock: c, seq: seq, toolIndex: make(map[string]int)}
}

// Append records frame and updates the derived views. Malformed (nil)
// frames are not stored.
func (s *MessageStore) Append(frame *Frame) (Message, bool) {
	if frame == nil {
		return Message{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var env *RPCEnvelope
	if e, ok := frame.RPC(); ok {
		env = e
	}

	s.seq++
	switch frame.Type {
	case FrameSessionState:
		if st, ok := frame.Status(); ok && st.ReplayCount > 0 {
			s.beginReplayLocked(s.seq)
		}
	case FrameReplayComplete:
		s.replaying = false
	}

	msg := Message{
		Seq:        s.seq,
		Type:       frame.Type,
		Raw:        append(json.RawMessage(nil), frame.Raw...),
		ReceivedAt: s.clock.Now(),
	}
	if env != nil {
		msg.Method = env.Method
		s.applyRPCLocked(env)
	}
	s.messages = append(s.messages, msg)
	return msg, true
}

// AddUserPrompt records a locally sent prompt in the conversation. The host
// does not echo prompts back outside of replay.
func (s *MessageStore) AddUserPrompt(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = append(s.conversation, ConversationEntry{Role: RoleUser, Text: text})
}

// PrepareForReplay clears the derived views ahead of a server-side replay.
// Frames already logged are kept.
func (s *MessageStore) PrepareForReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginReplayLocked(s.seq + 1)
}

func (s *MessageStore) beginReplayLocked(start int64) {
	s.replaying = true
	s.replayStart = start
	s.conversation = nil
	s.toolIndex = make(map[string]int)
	s.commands = nil
	s.usage = TokenUsage{}
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Since returns copies of the messages with Seq greater than seq.
func (s *MessageStore) Since(seq int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.messages {
		if m.Seq > seq {
			out = append(out, copyMessage(m))
		}
	}
	return out
}

// Snapshot returns a deep copy of the store.
func (s *MessageStore) Snapshot() StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StoreSnapshot{
		Messages:     make([]Message, len(s.messages)),
		Conversation: append([]ConversationEntry(nil), s.conversation...),
		Commands:     append([]Command(nil), s.commands...),
		Usage:        s.usage,
		Replaying:    s.replaying,
		ReplayStart:  s.replayStart,
	}
	for i, m := range s.messages {
		snap.Messages[i] = copyMessage(m)
	}
	return snap
}

func copyMessage(m Message) Message {
	m.Raw = append(json.RawMessage(nil), m.Raw...)
	return m
}

func (s *MessageStore) applyRPCLocked(env *RPCEnvelope) {
	if env.Method == MethodSessionUpdate {
		var n acpsdk.SessionNotification
		if err := json.Unmarshal(env.Params, &n); err != nil {
			return
		}
		s.applyUpdateLocked(n.Update)
		return
	}
	if env.IsResponse() && len(env.Result) > 0 {
		if u, ok := usageFromResult(env.Result); ok {
			s.usage = s.usage.Add(u)
		}
	}
}

func (s *MessageStore) applyUpdateLocked(u acpsdk.SessionUpdate) {
	switch {
	case u.UserMessageChunk != nil:
		s.appendChunkLocked(RoleUser, u.UserMessageChunk.Content)
	case u.AgentMessageChunk != nil:
		s.appendChunkLocked(RoleAgent, u.AgentMessageChunk.Content)
	case u.AgentThoughtChunk != nil:
		s.appendChunkLocked(RoleThought, u.AgentThoughtChunk.Content)
	case u.ToolCall != nil:
		tc := u.ToolCall
		id := string(tc.ToolCallId)
		entry := ConversationEntry{
			Role:       RoleTool,
			ToolCallID: id,
			Title:      tc.Title,
			Kind:       string(tc.Kind),
			Status:     string(tc.Status),
		}
		if i, ok := s.toolIndex[id]; ok {
			s.conversation[i] = entry
			return
		}
		s.toolIndex[id] = len(s.conversation)
		s.conversation = append(s.conversation, entry)
	case u.ToolCallUpdate != nil:
		tu := u.ToolCallUpdate
		id := string(tu.ToolCallId)
		i, ok := s.toolIndex[id]
		if !ok {
			s.toolIndex[id] = len(s.conversation)
			s.conversation = append(s.conversation, ConversationEntry{Role: RoleTool, ToolCallID: id})
			i = len(s.conversation) - 1
		}
		entry := &s.conversation[i]
		if tu.Title != nil {
			entry.Title = *tu.Title
		}
		if tu.Kind != nil {
			entry.Kind = string(*tu.Kind)
		}
		if tu.Status != nil {
			entry.Status = string(*tu.Status)
		}
	case u.AvailableCommandsUpdate != nil:
		cmds := make([]Command, 0, len(u.AvailableCommandsUpdate.AvailableCommands))
		for _, c := range u.AvailableCommandsUpdate.AvailableCommands {
			cmds = append(cmds, Command{Name: c.Name, Description: c.Description})
		}
		s.commands = cmds
	}
}

// appendChunkLocked merges text into the last entry when it has the same role.
func (s *MessageStore) appendChunkLocked(role Role, block acpsdk.ContentBlock) {
	if block.Text == nil {
		return
	}
	text := block.Text.Text
	if n := len(s.conversation); n > 0 && s.conversation[n-1].Role == role {
		s.conversation[n-1].Text += text
		return
	}
	s.conversation = append(s.conversation, ConversationEntry{Role: role, Text: text})
}

type usageResult struct {
	Usage *TokenUsage `json:"usage"`
	Meta  struct {
		Usage *TokenUsage `json:"usage"`
	} `json:"_meta"`
}

func usageFromResult(raw json.RawMessage) (TokenUsage, bool) {
	var r usageResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return TokenUsage{}, false
	}
	if r.Usage != nil {
		return *r.Usage, true
	}
	if r.Meta.Usage != nil {
		return *r.Meta.Usage, true
	}
	return TokenUsage{}, false
}
