package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReactionsAdd(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()

	rs, changed := Reactions{}.Add("👍", u1)
	require.True(t, changed)
	require.Len(t, rs, 1)
	assert.Equal(t, 1, rs[0].Count)

	rs, changed = rs.Add("👍", u2)
	assert.True(t, changed)
	assert.Equal(t, 2, rs[0].Count)
	assert.Equal(t, []uuid.UUID{u1, u2}, rs[0].Users)

	rs, changed = rs.Add("🎉", u1)
	assert.True(t, changed)
	require.Len(t, rs, 2)
	assert.Equal(t, "🎉", rs[1].Emoji)
}

func TestReactionsAddIsIdempotent(t *testing.T) {
	u := uuid.New()
	once, _ := Reactions{}.Add("🔥", u)
	twice, changed := once.Add("🔥", u)

	assert.False(t, changed)
	assert.Equal(t, once, twice)
}

func TestReactionsRemove(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()
	rs, _ := Reactions{}.Add("👍", u1)
	rs, _ = rs.Add("👍", u2)

	rs, changed := rs.Remove("👍", u1)
	require.True(t, changed)
	require.Len(t, rs, 1)
	assert.Equal(t, 1, rs[0].Count)

	rs, changed = rs.Remove("👍", u2)
	assert.True(t, changed)
	assert.Empty(t, rs)

	again, changed := rs.Remove("👍", u2)
	assert.False(t, changed)
	assert.Equal(t, rs, again)
}

func TestReactionsDoNotAliasInput(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()
	orig, _ := Reactions{}.Add("👍", u1)

	_, _ = orig.Add("👍", u2)
	assert.Equal(t, 1, orig[0].Count)
	assert.Len(t, orig[0].Users, 1)
}

func TestReactionsCountRepaired(t *testing.T) {
	u := uuid.New()
	broken := Reactions{{Emoji: "x", Users: []uuid.UUID{u}, Count: 7}}

	fixed, _ := broken.Add("y", u)
	assert.Equal(t, 1, fixed[0].Count)
}

func TestAnonymizedMessage(t *testing.T) {
	viewer, other := uuid.New(), uuid.New()
	rs := Reactions{
		{Emoji: "👍", Users: []uuid.UUID{other, viewer}, Count: 2},
		{Emoji: "🎉", Users: []uuid.UUID{other}, Count: 1},
	}

	tcases := []struct {
		name       string
		sender     uuid.UUID
		viewer     uuid.UUID
		wantSender uuid.UUID
		wantName   *string
		wantUsers  [][]uuid.UUID
	}{
		{
			name: "other sender", sender: other, viewer: viewer,
			wantSender: uuid.Nil, wantName: ptr("B1"),
			wantUsers: [][]uuid.UUID{{viewer}, {}},
		},
		{
			name: "own message", sender: viewer, viewer: viewer,
			wantSender: viewer,
			wantUsers:  [][]uuid.UUID{{viewer}, {}},
		},
		{
			name: "broadcast", sender: viewer, viewer: uuid.Nil,
			wantSender: uuid.Nil, wantName: ptr("B1"),
			wantUsers: [][]uuid.UUID{{}, {}},
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			m := Message{SenderID: tc.sender, Reactions: rs}.Anonymized(tc.viewer, "B1")
			assert.Equal(t, tc.wantSender, m.SenderID)
			assert.Equal(t, tc.wantName, m.SenderName)
			for i, users := range tc.wantUsers {
				assert.Equal(t, users, m.Reactions[i].Users)
				assert.Equal(t, rs[i].Count, m.Reactions[i].Count)
			}
		})
	}
	assert.Len(t, rs[0].Users, 2, "input is not modified")
}

func ptr(s string) *string { return &s }
