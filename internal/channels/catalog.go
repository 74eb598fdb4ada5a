package channels

import (
	"strings"

	"github.com/KafClaw/crewlink/internal/scope"
)

// Info describes one entry of the channel catalog. Legacy entries stay valid
// routing targets but are hidden from new clients by default.
type Info struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Legacy bool   `json:"legacy,omitempty"`
}

// Well-known channel ids.
const (
	General      = "general"
	Ops          = "ops"
	TaskComments = scope.ChannelTaskComments
	DM           = scope.ChannelDM
	Reviews      = "reviews"
	Shipping     = "shipping"
	Problems     = "problems"
	Decisions    = "decisions"
)

var catalog = []Info{
	{ID: General, Name: "General"},
	{ID: Ops, Name: "Operations"},
	{ID: TaskComments, Name: "Task Comments"},
	{ID: DM, Name: "Direct Messages"},
	{ID: Reviews, Name: "Reviews"},
	{ID: Shipping, Name: "Shipping"},
	{ID: Problems, Name: "Problems"},
	{ID: Decisions, Name: "Decisions"},

	{ID: "random", Name: "Random", Legacy: true},
	{ID: "standup", Name: "Standup", Legacy: true},
	{ID: "alerts", Name: "Alerts", Legacy: true},
	{ID: "tasks", Name: "Tasks", Legacy: true},
}

var byID = func() map[string]Info {
	m := make(map[string]Info, len(catalog))
	for _, c := range catalog {
		m[c.ID] = c
	}
	return m
}()

// Catalog returns the channel catalog in display order. Legacy entries are
// included only when includeLegacy is set.
func Catalog(includeLegacy bool) []Info {
	out := make([]Info, 0, len(catalog))
	for _, c := range catalog {
		if c.Legacy && !includeLegacy {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Lookup returns the catalog entry for id. A dm:<user> channel resolves to a
// synthetic entry named after the user.
func Lookup(id string) (Info, bool) {
	if c, ok := byID[id]; ok {
		return c, true
	}
	if user, ok := scope.DirectUser(id); ok && strings.TrimSpace(user) != "" {
		return Info{ID: id, Name: "DM " + user}, true
	}
	return Info{}, false
}

// IsKnown reports whether id is a valid routing target.
func IsKnown(id string) bool {
	_, ok := Lookup(id)
	return ok
}

// IsTeamBroadcast reports whether id is a catalog channel that every agent
// reads, i.e. anything except task-comments and direct messages.
func IsTeamBroadcast(id string) bool {
	if _, ok := byID[id]; !ok {
		return false
	}
	return id != TaskComments && !scope.IsDirect(id)
}
