package models

import (
	"slices"

	"github.com/google/uuid"
)

// Reaction is one emoji on a message. Count equals len(Users) except in
// blind-room views, where Users is trimmed to the viewer.
type Reaction struct {
	Emoji string      `json:"emoji"`
	Users []uuid.UUID `json:"users"`
	Count int         `json:"count"`
}

// Reactions keeps insertion order of emojis.
type Reactions []Reaction

// Add records user reacting with emoji. It returns the new list and
// whether anything changed; re-reacting is a no-op.
func (rs Reactions) Add(emoji string, user uuid.UUID) (Reactions, bool) {
	out := rs.clone()
	for i := range out {
		if out[i].Emoji != emoji {
			continue
		}
		if slices.Contains(out[i].Users, user) {
			return out, false
		}
		out[i].Users = append(out[i].Users, user)
		out[i].Count = len(out[i].Users)
		return out, true
	}
	return append(out, Reaction{Emoji: emoji, Users: []uuid.UUID{user}, Count: 1}), true
}

// Remove drops user from emoji. Entries that reach zero users are removed
// entirely. Removing a reaction that is not present is a no-op.
func (rs Reactions) Remove(emoji string, user uuid.UUID) (Reactions, bool) {
	out := rs.clone()
	for i := range out {
		if out[i].Emoji != emoji {
			continue
		}
		idx := slices.Index(out[i].Users, user)
		if idx < 0 {
			return out, false
		}
		out[i].Users = slices.Delete(out[i].Users, idx, idx+1)
		out[i].Count = len(out[i].Users)
		if out[i].Count == 0 {
			out = slices.Delete(out, i, i+1)
		}
		return out, true
	}
	return out, false
}

// Only drops every user id except viewer from the lists. Counts keep
// the real totals.
func (rs Reactions) Only(viewer uuid.UUID) Reactions {
	out := make(Reactions, len(rs))
	for i, r := range rs {
		out[i] = Reaction{Emoji: r.Emoji, Users: []uuid.UUID{}, Count: r.Count}
		if viewer != uuid.Nil && slices.Contains(r.Users, viewer) {
			out[i].Users = []uuid.UUID{viewer}
		}
	}
	return out
}

func (rs Reactions) clone() Reactions {
	out := make(Reactions, len(rs))
	for i, r := range rs {
		out[i] = Reaction{Emoji: r.Emoji, Users: slices.Clone(r.Users), Count: len(r.Users)}
	}
	return out
}
