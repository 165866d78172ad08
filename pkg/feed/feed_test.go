// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package feed

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrixchat/pkg/connector"
)

func msg(eventID string, ts int64) Message {
	return Message{ID: id.EventID(eventID), Timestamp: ts, Content: eventID}
}

func ids(messages []Message) []id.EventID {
	out := make([]id.EventID, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestFeed_MergeSortsByTimestampThenID(t *testing.T) {
	f := NewFeed()
	require.True(t, f.Merge(f.Generation(), []Message{msg("$b", 100), msg("$c", 50), msg("$a", 100)}))
	assert.Equal(t, []id.EventID{"$c", "$a", "$b"}, ids(f.Snapshot()))
}

func TestFeed_MergeLastWriteWins(t *testing.T) {
	f := NewFeed()
	f.Merge(0, []Message{msg("$a", 1)})

	updated := msg("$a", 1)
	updated.Content = "edited"
	dup := msg("$b", 2)
	dup.Content = "first"
	dup2 := msg("$b", 2)
	dup2.Content = "second"
	f.Merge(0, []Message{updated, dup, dup2})

	snapshot := f.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "edited", snapshot[0].Content)
	assert.Equal(t, "second", snapshot[1].Content)
}

func TestFeed_OrderingHoldsAcrossRandomMerges(t *testing.T) {
	f := NewFeed()
	rng := rand.New(rand.NewPCG(1, 2))
	for round := range 20 {
		batch := make([]Message, rng.IntN(10)+1)
		for i := range batch {
			batch[i] = msg(fmt.Sprintf("$%d", rng.IntN(60)), rng.Int64N(30))
		}
		require.True(t, f.Merge(f.Generation(), batch), "round %d", round)

		snapshot := f.Snapshot()
		assert.True(t, slices.IsSortedFunc(snapshot, compareMessages), "round %d", round)
		seen := make(map[id.EventID]bool)
		for _, m := range snapshot {
			assert.False(t, seen[m.ID], "duplicate %s in round %d", m.ID, round)
			seen[m.ID] = true
		}
	}
}

func TestFeed_ResetDropsStaleMerge(t *testing.T) {
	f := NewFeed()
	gen := f.Generation()
	f.Merge(gen, []Message{msg("$a", 1)})
	f.Reset()

	assert.Equal(t, 0, f.Len())
	assert.False(t, f.Merge(gen, []Message{msg("$b", 2)}))
	assert.Equal(t, 0, f.Len())
	assert.True(t, f.Merge(f.Generation(), []Message{msg("$c", 3)}))
	assert.Equal(t, []id.EventID{"$c"}, ids(f.Snapshot()))
}

func TestFeed_WatcherCoalesces(t *testing.T) {
	f := NewFeed()
	w := f.Watch()
	f.Merge(0, []Message{msg("$a", 1)})
	f.Merge(0, []Message{msg("$b", 2)})
	f.Merge(0, []Message{msg("$0", 0)})

	req := <-w.C
	assert.Equal(t, 3, req.Count)
	assert.Equal(t, id.EventID("$b"), req.Newest.ID)
	select {
	case extra := <-w.C:
		t.Fatalf("unexpected extra request %+v", extra)
	default:
	}

	w.Close()
	_, ok := <-w.C
	assert.False(t, ok)
	// Closing twice and merging after close are both fine.
	w.Close()
	f.Merge(0, []Message{msg("$c", 3)})
}

func TestFallbackDisplayname(t *testing.T) {
	tests := []struct {
		in   id.UserID
		want string
	}{
		{"@alice:homeserver", "alice"},
		{"@bob:matrix.example.com:8448", "bob"},
		{"carol", "carol"},
		{"@:example.com", "@:example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FallbackDisplayname(tt.in), tt.in)
		// Matches the config fallback used when no template is set.
		assert.Equal(t, tt.want, (&connector.ProfilesConfig{}).FormatDisplayname(tt.in), tt.in)
	}
}
