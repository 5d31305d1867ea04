package memory

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/me2-z/yumee-server/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()

	peer, err := r.Add("c1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", peer.ConnectionID)
	assert.Equal(t, "Alice", peer.DisplayName)
	assert.Equal(t, model.CallStatusIdle, peer.CallStatus)
	assert.Empty(t, peer.CounterpartID)
	assert.False(t, peer.JoinedAt.IsZero())

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "Alice", got.DisplayName)

	removed, resetID := r.Remove("c1")
	require.NotNil(t, removed)
	assert.Empty(t, resetID)

	_, ok = r.Get("c1")
	assert.False(t, ok)

	// idempotent
	removed, resetID = r.Remove("c1")
	assert.Nil(t, removed)
	assert.Empty(t, resetID)
}

func TestRegistry_AddDuplicate(t *testing.T) {
	r := NewRegistry()

	_, err := r.Add("c1", "Alice")
	require.NoError(t, err)
	_, err = r.Add("c1", "Mallory")
	assert.ErrorIs(t, err, ErrDuplicateConnection)

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "Alice", got.DisplayName)
}

func TestRegistry_SanitizeName(t *testing.T) {
	r := NewRegistry()

	peer, err := r.Add("c1", "   ")
	require.NoError(t, err)
	assert.Equal(t, "Anonymous", peer.DisplayName)

	peer, err = r.Add("c2", "  Bob  ")
	require.NoError(t, err)
	assert.Equal(t, "Bob", peer.DisplayName)

	peer, err = r.Add("c3", strings.Repeat("x", 31))
	require.NoError(t, err)
	assert.Equal(t, "Anonymous", peer.DisplayName)
}

func TestRegistry_SetName(t *testing.T) {
	r := NewRegistry()

	_, err := r.Add("c1", "Alice")
	require.NoError(t, err)
	_, err = r.Add("c2", "Bob")
	require.NoError(t, err)

	peer, err := r.SetName("c1", "Alicia")
	require.NoError(t, err)
	assert.Equal(t, "Alicia", peer.DisplayName)

	_, err = r.SetName("nope", "X")
	assert.ErrorIs(t, err, ErrUserNotFound)

	startCall(t, r, "c1", "c2")
	_, err = r.SetName("c1", "Al")
	assert.ErrorIs(t, err, ErrAlreadyInCall)
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()

	assert.Empty(t, r.List(""))

	for i := 0; i < 5; i++ {
		_, err := r.Add(fmt.Sprintf("c%d", i), fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
	}
	assert.Len(t, r.List(""), 5)
	assert.Equal(t, 5, r.Count())

	excluded := r.List("c3")
	assert.Len(t, excluded, 4)
	for _, u := range excluded {
		assert.NotEqual(t, "c3", u.ConnectionID)
	}

	r.Remove("c0")
	assert.Len(t, r.List(""), 4)
	assert.Equal(t, 4, r.Count())
}

func TestRegistry_StartCall(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add("a", "Alice")
	require.NoError(t, err)
	_, err = r.Add("b", "Bob")
	require.NoError(t, err)

	caller, err := r.StartCall("a", "b")
	require.NoError(t, err)
	assert.Equal(t, "Alice", caller.DisplayName)
	assert.Equal(t, model.CallStatusCalling, caller.CallStatus)
	assert.Equal(t, "b", caller.CounterpartID)

	assertPaired(t, r, "a", model.CallStatusCalling, "b")
	assertPaired(t, r, "b", model.CallStatusRinging, "a")
}

func TestRegistry_StartCallErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add("a", "Alice")
	require.NoError(t, err)
	_, err = r.Add("b", "Bob")
	require.NoError(t, err)
	_, err = r.Add("c", "Carol")
	require.NoError(t, err)

	_, err = r.StartCall("a", "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = r.StartCall("ghost", "a")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = r.StartCall("a", "a")
	assert.ErrorIs(t, err, ErrSelfCall)

	startCall(t, r, "a", "b")

	// b is ringing, a is calling
	_, err = r.StartCall("c", "b")
	assert.ErrorIs(t, err, ErrUserBusy)
	_, err = r.StartCall("a", "c")
	assert.ErrorIs(t, err, ErrAlreadyInCall)

	// failed attempts changed nothing
	assertPaired(t, r, "a", model.CallStatusCalling, "b")
	assertPaired(t, r, "b", model.CallStatusRinging, "a")
	assertIdle(t, r, "c")
}

func TestRegistry_AcceptCall(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add("a", "Alice")
	require.NoError(t, err)
	_, err = r.Add("b", "Bob")
	require.NoError(t, err)

	assert.ErrorIs(t, r.AcceptCall("b", "a"), ErrInvalidCallState)

	startCall(t, r, "a", "b")
	require.NoError(t, r.AcceptCall("b", "a"))
	assertPaired(t, r, "a", model.CallStatusInCall, "b")
	assertPaired(t, r, "b", model.CallStatusInCall, "a")

	// no double-apply once resolved
	assert.ErrorIs(t, r.AcceptCall("b", "a"), ErrInvalidCallState)
	assert.ErrorIs(t, r.RejectCall("b", "a"), ErrInvalidCallState)
	assertPaired(t, r, "a", model.CallStatusInCall, "b")
	assertPaired(t, r, "b", model.CallStatusInCall, "a")
}

func TestRegistry_AcceptCallWrongCaller(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Add(id, id)
		require.NoError(t, err)
	}
	startCall(t, r, "a", "b")

	assert.ErrorIs(t, r.AcceptCall("b", "c"), ErrInvalidCallState)
	assertPaired(t, r, "b", model.CallStatusRinging, "a")
}

func TestRegistry_RejectCall(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add("a", "Alice")
	require.NoError(t, err)
	_, err = r.Add("b", "Bob")
	require.NoError(t, err)

	startCall(t, r, "a", "b")
	require.NoError(t, r.RejectCall("b", "a"))
	assertIdle(t, r, "a")
	assertIdle(t, r, "b")

	assert.ErrorIs(t, r.RejectCall("b", "a"), ErrInvalidCallState)
}

func TestRegistry_EndCall(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add("a", "Alice")
	require.NoError(t, err)
	_, err = r.Add("b", "Bob")
	require.NoError(t, err)

	_, err = r.EndCall("a")
	assert.ErrorIs(t, err, ErrInvalidCallState)
	_, err = r.EndCall("ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)

	startCall(t, r, "a", "b")
	require.NoError(t, r.AcceptCall("b", "a"))

	counterpart, err := r.EndCall("a")
	require.NoError(t, err)
	assert.Equal(t, "b", counterpart)
	assertIdle(t, r, "a")
	assertIdle(t, r, "b")
}

func TestRegistry_EndCallCancelsUnanswered(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add("a", "Alice")
	require.NoError(t, err)
	_, err = r.Add("b", "Bob")
	require.NoError(t, err)

	startCall(t, r, "a", "b")

	counterpart, err := r.EndCall("a")
	require.NoError(t, err)
	assert.Equal(t, "b", counterpart)
	assertIdle(t, r, "a")
	assertIdle(t, r, "b")
}

func TestRegistry_RemoveResetsCounterpart(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add("a", "Alice")
	require.NoError(t, err)
	_, err = r.Add("b", "Bob")
	require.NoError(t, err)

	startCall(t, r, "a", "b")
	require.NoError(t, r.AcceptCall("b", "a"))

	removed, resetID := r.Remove("a")
	require.NotNil(t, removed)
	assert.Equal(t, "b", resetID)
	assertIdle(t, r, "b")

	_, ok := r.Get("a")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentCallsOneWinner(t *testing.T) {
	const callers = 8

	r := NewRegistry()
	_, err := r.Add("target", "Bob")
	require.NoError(t, err)

	ids := make([]string, callers)
	for i := range ids {
		ids[i] = fmt.Sprintf("caller-%d", i)
		_, err = r.Add(ids[i], ids[i])
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mx   sync.Mutex
		wins []string
	)
	wg.Add(callers)
	for _, id := range ids {
		go func(id string) {
			defer wg.Done()
			if _, err := r.StartCall(id, "target"); err == nil {
				mx.Lock()
				wins = append(wins, id)
				mx.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrUserBusy)
			}
		}(id)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	winner := wins[0]

	assertPaired(t, r, "target", model.CallStatusRinging, winner)
	assertPaired(t, r, winner, model.CallStatusCalling, "target")
	for _, id := range ids {
		if id != winner {
			assertIdle(t, r, id)
		}
	}
}

// Symmetry invariant under concurrent churn: at every quiescent point a
// peer points at a counterpart iff the counterpart points back.
func TestRegistry_SymmetryUnderChurn(t *testing.T) {
	const peers = 6

	r := NewRegistry()
	ids := make([]string, peers)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i)
		_, err := r.Add(ids[i], ids[i])
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(peers)
	for i, id := range ids {
		go func(i int, id string) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				target := ids[(i+n)%peers]
				if _, err := r.StartCall(id, target); err == nil {
					_ = r.AcceptCall(target, id)
					_, _ = r.EndCall(id)
				}
			}
		}(i, id)
	}
	wg.Wait()

	for _, id := range ids {
		peer, ok := r.Get(id)
		require.True(t, ok)
		if peer.CounterpartID == "" {
			assert.Equal(t, model.CallStatusIdle, peer.CallStatus)
			continue
		}
		other, ok := r.Get(peer.CounterpartID)
		require.True(t, ok, "dangling counterpart from %s", id)
		assert.Equal(t, id, other.CounterpartID)
	}
}

func startCall(t *testing.T, r *Registry, callerID, targetID string) {
	t.Helper()
	_, err := r.StartCall(callerID, targetID)
	require.NoError(t, err)
}

func assertPaired(t *testing.T, r *Registry, id string, status model.CallStatus, counterpart string) {
	t.Helper()
	peer, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, status, peer.CallStatus)
	assert.Equal(t, counterpart, peer.CounterpartID)
}

func assertIdle(t *testing.T, r *Registry, id string) {
	t.Helper()
	peer, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.CallStatusIdle, peer.CallStatus)
	assert.Empty(t, peer.CounterpartID)
}
