package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsDuplicateName(t *testing.T) {
	s := New()
	require.NoError(t, s.AddUpstream(Upstream{Name: "u1", URL: "http://x"}))
	err := s.AddUpstream(Upstream{Name: "u1", URL: "http://y"})
	require.Error(t, err)
}

func TestSetStatusNotifiesSubscribers(t *testing.T) {
	s := New()
	require.NoError(t, s.AddUpstream(Upstream{Name: "u1", URL: "http://x"}))

	var events []Event
	s.Subscribe(func(e Event) { events = append(events, e) })

	s.SetStatus("u1", StatusOnline, "")
	require.Len(t, events, 1)
	assert.Equal(t, StatusOnline, events[0].Status)

	got, ok := s.Get("u1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, got.Status)
	assert.False(t, got.LastSeen.IsZero())
}

func TestListIsSnapshot(t *testing.T) {
	s := New()
	require.NoError(t, s.AddUpstream(Upstream{Name: "u1", URL: "http://x"}))
	snap := s.List()
	s.SetStatus("u1", StatusError, "boom")
	assert.Equal(t, StatusOffline, snap[0].Status)
}
