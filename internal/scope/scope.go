// Package scope derives the canonical addressing scope for a message.
//
// A scope is one of team:<team-id>, task:<task-id> or user:<user-id>.
// Derivation is total: every routing context yields exactly one scope.
package scope

import "strings"

// Scope is a canonical routing bucket such as "team:default".
type Scope string

// Kind is the closed set of scope prefixes.
type Kind string

const (
	KindTeam    Kind = "team"
	KindTask    Kind = "task"
	KindUser    Kind = "user"
	KindUnknown Kind = ""
)

// DefaultTeam is the scope of every team-broadcast message.
const DefaultTeam Scope = "team:default"

// Channel hints with routing meaning of their own.
const (
	ChannelTaskComments = "task-comments"
	ChannelDM           = "dm"
	dmPrefix            = "dm:"
)

func Task(id string) Scope { return Scope(string(KindTask) + ":" + id) }
func User(id string) Scope { return Scope(string(KindUser) + ":" + id) }

// Kind returns the prefix of s, or KindUnknown for caller-supplied overrides
// that do not use a canonical prefix.
func (s Scope) Kind() Kind {
	prefix, _, ok := strings.Cut(string(s), ":")
	if !ok {
		return KindUnknown
	}
	switch Kind(prefix) {
	case KindTeam, KindTask, KindUser:
		return Kind(prefix)
	}
	return KindUnknown
}

// ID returns the part after the prefix.
func (s Scope) ID() string {
	_, id, _ := strings.Cut(string(s), ":")
	return id
}

func (s Scope) String() string { return string(s) }

// Context carries the routing hints of one message.
type Context struct {
	ScopeID string `json:"scope_id,omitempty"`
	Channel string `json:"channel,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Peer    string `json:"peer,omitempty"`
}

// DeriveScopeID maps routing hints to a scope. First match wins:
//
//  1. explicit ScopeID, returned verbatim
//  2. task-comments with a task id -> task:<id>
//  3. dm:<user> -> user:<user>
//  4. dm with a peer -> user:<peer>
//  5. anything else (general, ops, task-comments without a task, unknown) -> team:default
func DeriveScopeID(ctx Context) Scope {
	if ctx.ScopeID != "" {
		return Scope(ctx.ScopeID)
	}
	channel := strings.TrimSpace(ctx.Channel)
	switch {
	case channel == ChannelTaskComments:
		if id := strings.TrimSpace(ctx.TaskID); id != "" {
			return Task(id)
		}
		return DefaultTeam
	case strings.HasPrefix(channel, dmPrefix):
		if user := strings.TrimSpace(strings.TrimPrefix(channel, dmPrefix)); user != "" {
			return User(user)
		}
		return DefaultTeam
	case channel == ChannelDM:
		if peer := strings.TrimSpace(ctx.Peer); peer != "" {
			return User(peer)
		}
		return DefaultTeam
	}
	return DefaultTeam
}

// IsDirect reports whether channel addresses a single agent (dm or dm:<user>).
func IsDirect(channel string) bool {
	return channel == ChannelDM || strings.HasPrefix(channel, dmPrefix)
}

// DirectChannel returns the dm channel for user.
func DirectChannel(user string) string {
	return dmPrefix + user
}

// DirectUser returns the user of a dm:<user> channel.
func DirectUser(channel string) (string, bool) {
	if !strings.HasPrefix(channel, dmPrefix) {
		return "", false
	}
	user := strings.TrimPrefix(channel, dmPrefix)
	return user, user != ""
}
