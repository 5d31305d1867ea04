package memory

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/me2-z/yumee-server/model"
)

const (
	maxDisplayNameLen = 30

	fallbackDisplayName = "Anonymous"
)

var (
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrUserNotFound        = errors.New("user not found")
	ErrUserBusy            = errors.New("user is busy")
	ErrAlreadyInCall       = errors.New("already in a call")
	ErrSelfCall            = errors.New("cannot call yourself")
	ErrInvalidCallState    = errors.New("no matching pending call")
)

// Registry is the authoritative map from connection id to peer record
// and the only owner of call-state transitions. Every mutating
// operation runs under one mutex, so joint two-peer updates are atomic:
// no caller can ever observe one side of a call pairing without the
// other.
type Registry struct {
	mx    *sync.Mutex
	peers map[string]*model.Peer
}

func NewRegistry() *Registry {
	return &Registry{
		mx:    &sync.Mutex{},
		peers: make(map[string]*model.Peer),
	}
}

// Add creates an idle peer for connID. A duplicate id means the
// transport broke its uniqueness guarantee; the caller must treat that
// as fatal for the connection, not retry.
func (r *Registry) Add(connID, displayName string) (*model.Peer, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.peers[connID]; ok {
		return nil, ErrDuplicateConnection
	}
	peer := &model.Peer{
		ConnectionID: connID,
		DisplayName:  sanitizeName(displayName),
		CallStatus:   model.CallStatusIdle,
		JoinedAt:     time.Now().UTC(),
	}
	r.peers[connID] = peer
	cp := *peer
	return &cp, nil
}

// SetName renames an already registered peer. Renaming is refused
// mid-call, otherwise the counterpart keeps announcing a stale name.
func (r *Registry) SetName(connID, displayName string) (*model.Peer, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	peer, ok := r.peers[connID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if peer.CallStatus != model.CallStatusIdle {
		return nil, ErrAlreadyInCall
	}
	peer.DisplayName = sanitizeName(displayName)
	cp := *peer
	return &cp, nil
}

// Remove deletes the peer and, in the same critical section, resets its
// counterpart (if any) to idle so no dangling counterpart id is ever
// observable. Idempotent. Returns the removed record and the id of the
// counterpart that was reset, both zero-valued when not applicable.
func (r *Registry) Remove(connID string) (*model.Peer, string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	peer, ok := r.peers[connID]
	if !ok {
		return nil, ""
	}
	delete(r.peers, connID)

	var resetID string
	if peer.CounterpartID != "" {
		if other, ok := r.peers[peer.CounterpartID]; ok && other.CounterpartID == connID {
			other.CallStatus = model.CallStatusIdle
			other.CounterpartID = ""
			resetID = other.ConnectionID
		}
	}
	cp := *peer
	return &cp, resetID
}

func (r *Registry) Get(connID string) (*model.Peer, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	peer, ok := r.peers[connID]
	if !ok {
		return nil, false
	}
	cp := *peer
	return &cp, true
}

// List snapshots registered peers, skipping excluding when non-empty.
// Ordering is unspecified.
func (r *Registry) List(excluding string) []model.UserEntry {
	r.mx.Lock()
	defer r.mx.Unlock()

	users := make([]model.UserEntry, 0, len(r.peers))
	for id, peer := range r.peers {
		if id == excluding {
			continue
		}
		users = append(users, model.UserEntry{
			ConnectionID: id,
			DisplayName:  peer.DisplayName,
		})
	}
	return users
}

func (r *Registry) Count() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.peers)
}

// StartCall moves caller to calling and target to ringing as one joint
// update and returns the caller's snapshot from inside the critical
// section, so notification code never has to look the caller up again
// after the lock is dropped. Under concurrent calls to the same idle
// target exactly one caller wins the lock first and pairs up; the rest
// see the target ringing and get ErrUserBusy.
func (r *Registry) StartCall(callerID, targetID string) (*model.Peer, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	caller, ok := r.peers[callerID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if caller.CallStatus != model.CallStatusIdle {
		return nil, ErrAlreadyInCall
	}
	if callerID == targetID {
		return nil, ErrSelfCall
	}
	target, ok := r.peers[targetID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if target.CallStatus != model.CallStatusIdle {
		return nil, ErrUserBusy
	}

	caller.CallStatus = model.CallStatusCalling
	caller.CounterpartID = targetID
	target.CallStatus = model.CallStatusRinging
	target.CounterpartID = callerID
	cp := *caller
	return &cp, nil
}

// AcceptCall completes the handshake between a ringing callee and the
// caller waiting on it. Any mismatch (already resolved, wrong caller,
// counterpart gone) is ErrInvalidCallState and changes nothing.
func (r *Registry) AcceptCall(calleeID, callerID string) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	callee, caller, err := r.pendingPair(calleeID, callerID)
	if err != nil {
		return err
	}
	callee.CallStatus = model.CallStatusInCall
	caller.CallStatus = model.CallStatusInCall
	return nil
}

// RejectCall tears a pending call down; same precondition as AcceptCall.
func (r *Registry) RejectCall(calleeID, callerID string) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	callee, caller, err := r.pendingPair(calleeID, callerID)
	if err != nil {
		return err
	}
	callee.CallStatus = model.CallStatusIdle
	callee.CounterpartID = ""
	caller.CallStatus = model.CallStatusIdle
	caller.CounterpartID = ""
	return nil
}

// pendingPair validates the ringing/calling pairing. Callers hold the lock.
func (r *Registry) pendingPair(calleeID, callerID string) (callee, caller *model.Peer, err error) {
	callee, ok := r.peers[calleeID]
	if !ok || callee.CallStatus != model.CallStatusRinging || callee.CounterpartID != callerID {
		return nil, nil, ErrInvalidCallState
	}
	caller, ok = r.peers[callerID]
	if !ok || caller.CallStatus != model.CallStatusCalling || caller.CounterpartID != calleeID {
		return nil, nil, ErrInvalidCallState
	}
	return callee, caller, nil
}

// EndCall resets actor and its counterpart to idle in one joint update
// and returns the counterpart id for notification. Works from any
// non-idle state, so it also cancels an unanswered outgoing call.
func (r *Registry) EndCall(actorID string) (string, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	actor, ok := r.peers[actorID]
	if !ok {
		return "", ErrUserNotFound
	}
	if actor.CallStatus == model.CallStatusIdle {
		return "", ErrInvalidCallState
	}

	counterpartID := actor.CounterpartID
	actor.CallStatus = model.CallStatusIdle
	actor.CounterpartID = ""

	if other, ok := r.peers[counterpartID]; ok && other.CounterpartID == actorID {
		other.CallStatus = model.CallStatusIdle
		other.CounterpartID = ""
		return counterpartID, nil
	}
	return "", nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayNameLen {
		return fallbackDisplayName
	}
	return name
}
