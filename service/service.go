package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/davecgh/go-spew/spew"
	"github.com/me2-z/yumee-server/model"
	"github.com/me2-z/yumee-server/storage/memory"
	"github.com/rs/zerolog"
)

const maxMessageLen = 1000

var (
	ErrConnect = errors.New("unable to connect")
)

// call_error reasons sent back to clients.
const (
	reasonNotRegistered  = "not registered"
	reasonUserNotFound   = "user not found"
	reasonBusy           = "busy"
	reasonAlreadyInCall  = "already in call"
	reasonSelfCall       = "cannot call yourself"
	reasonInvalidState   = "no matching pending call"
	reasonBadPayload     = "bad payload"
	reasonUnknownEvent   = "unknown event"
	reasonTargetNotFound = "target not connected"
)

type (
	Registry interface {
		Add(connID, displayName string) (*model.Peer, error)
		SetName(connID, displayName string) (*model.Peer, error)
		Remove(connID string) (*model.Peer, string)
		Get(connID string) (*model.Peer, bool)
		List(excluding string) []model.UserEntry
		StartCall(callerID, targetID string) (*model.Peer, error)
		AcceptCall(calleeID, callerID string) error
		RejectCall(calleeID, callerID string) error
		EndCall(actorID string) (string, error)
	}

	Switch interface {
		Connect(connID string, wire model.Wire) error
		Disconnect(connID string)
		Send(ctx context.Context, ev model.Event, dst string) bool
		Broadcast(ctx context.Context, ev model.Event, exclude string)
	}

	// Service routes inbound events to registry operations and
	// dispatches the resulting outbound events. It holds no state of
	// its own; everything shared lives behind the registry's lock.
	Service struct {
		registry Registry
		sw       Switch
		logger   zerolog.Logger
	}

	Config struct {
		Registry Registry
		Switch   Switch
		Logger   *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		registry: cfg.Registry,
		sw:       cfg.Switch,
		logger:   cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// CreateSession attaches the wire and starts this connection's route
// loop. Events from one connection are consumed strictly in arrival
// order; concurrency across connections is arbitrated by the registry.
func (svc *Service) CreateSession(ctx context.Context, connID string, wire model.Wire) error {
	if err := svc.sw.Connect(connID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("connID", connID).
		Msg("session created")
	go svc.routeLoop(ctx, connID, wire.RX)
	return nil
}

// DeleteSession removes the peer and notifies the others. The registry
// entry goes away before anything else, so relays referencing this id
// fail cleanly instead of racing a ghost connection.
func (svc *Service) DeleteSession(ctx context.Context, connID string) {
	peer, resetID := svc.registry.Remove(connID)
	if resetID != "" {
		svc.unicast(ctx, resetID, model.KindCallEnded, model.CallEndedPayload{PeerID: connID})
	}
	if peer != nil {
		ev, _ := model.NewEvent(model.KindUserLeft, model.UserLeftPayload{ConnectionID: connID})
		ev.SRC = connID
		svc.sw.Broadcast(ctx, ev, connID)
	}
	svc.sw.Disconnect(connID)
	svc.logger.Debug().
		Str("connID", connID).
		Msg("session deleted")
}

func (svc *Service) routeLoop(ctx context.Context, connID string, rx <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rx:
			if !ok {
				return
			}
			ev.SRC = connID
			svc.route(ctx, ev)
		}
	}
}

// route is the single dispatch point for inbound events. The kind set
// is closed: every inbound kind has a case and anything else is
// answered with call_error. Handler faults stay scoped to their event.
func (svc *Service) route(ctx context.Context, ev model.Event) {
	if ev.Kind != model.KindRegister {
		if _, ok := svc.registry.Get(ev.SRC); !ok {
			svc.callError(ctx, ev.SRC, reasonNotRegistered)
			return
		}
	}

	switch ev.Kind {
	case model.KindRegister:
		svc.handleRegister(ctx, ev)
	case model.KindGetUsers:
		svc.handleGetUsers(ctx, ev)
	case model.KindCallUser:
		svc.handleCallUser(ctx, ev)
	case model.KindAcceptCall:
		svc.handleAcceptCall(ctx, ev)
	case model.KindRejectCall:
		svc.handleRejectCall(ctx, ev)
	case model.KindEndCall:
		svc.handleEndCall(ctx, ev)
	case model.KindOffer, model.KindAnswer, model.KindICECandidate:
		svc.handleRelay(ctx, ev)
	case model.KindSendMessage:
		svc.handleSendMessage(ctx, ev)
	default:
		svc.logger.Warn().
			Str("connID", ev.SRC).
			Str("kind", string(ev.Kind)).
			Msg("unknown event kind")
		svc.logger.Trace().Msg(spew.Sdump(ev))
		svc.callError(ctx, ev.SRC, reasonUnknownEvent)
	}
}

func (svc *Service) handleRegister(ctx context.Context, ev model.Event) {
	var req model.RegisterPayload
	if !svc.parse(ctx, ev, &req) {
		return
	}

	peer, err := svc.registry.Add(ev.SRC, req.DisplayName)
	if errors.Is(err, memory.ErrDuplicateConnection) {
		// Same connection registering again: a rename, legal while idle.
		peer, err = svc.registry.SetName(ev.SRC, req.DisplayName)
	}
	if err != nil {
		svc.logger.Warn().Err(err).
			Str("connID", ev.SRC).
			Msg("registration refused")
		svc.callError(ctx, ev.SRC, callReason(err))
		return
	}

	svc.logger.Info().
		Str("connID", ev.SRC).
		Str("displayName", peer.DisplayName).
		Msg("user registered")

	svc.unicast(ctx, ev.SRC, model.KindConnected, nil)
	svc.unicast(ctx, ev.SRC, model.KindRegistered, model.RegisteredPayload{ConnectionID: ev.SRC})
	svc.unicast(ctx, ev.SRC, model.KindUserList, model.UserListPayload{Users: svc.registry.List(ev.SRC)})

	joined, _ := model.NewEvent(model.KindUserJoined, model.UserEntry{
		ConnectionID: ev.SRC,
		DisplayName:  peer.DisplayName,
	})
	joined.SRC = ev.SRC
	svc.sw.Broadcast(ctx, joined, ev.SRC)
}

func (svc *Service) handleGetUsers(ctx context.Context, ev model.Event) {
	svc.unicast(ctx, ev.SRC, model.KindUserList, model.UserListPayload{Users: svc.registry.List(ev.SRC)})
}

func (svc *Service) handleCallUser(ctx context.Context, ev model.Event) {
	var req model.CallUserPayload
	if !svc.parse(ctx, ev, &req) {
		return
	}

	caller, err := svc.registry.StartCall(ev.SRC, req.TargetID)
	if err != nil {
		svc.logger.Debug().Err(err).
			Str("caller", ev.SRC).
			Str("target", req.TargetID).
			Msg("call refused")
		svc.callError(ctx, ev.SRC, callReason(err))
		return
	}

	svc.logger.Info().
		Str("caller", ev.SRC).
		Str("target", req.TargetID).
		Msg("call initiated")

	svc.unicast(ctx, ev.SRC, model.KindCallInitiated, model.CallInitiatedPayload{TargetID: req.TargetID})
	svc.unicast(ctx, req.TargetID, model.KindIncomingCall, model.IncomingCallPayload{
		CallerID:   ev.SRC,
		CallerName: caller.DisplayName,
	})
}

func (svc *Service) handleAcceptCall(ctx context.Context, ev model.Event) {
	var req model.CallAnswerPayload
	if !svc.parse(ctx, ev, &req) {
		return
	}

	if err := svc.registry.AcceptCall(ev.SRC, req.CallerID); err != nil {
		svc.callError(ctx, ev.SRC, callReason(err))
		return
	}
	svc.logger.Info().
		Str("callee", ev.SRC).
		Str("caller", req.CallerID).
		Msg("call accepted")
	svc.unicast(ctx, req.CallerID, model.KindCallAccepted, model.CallAcceptedPayload{CalleeID: ev.SRC})
}

func (svc *Service) handleRejectCall(ctx context.Context, ev model.Event) {
	var req model.CallAnswerPayload
	if !svc.parse(ctx, ev, &req) {
		return
	}

	if err := svc.registry.RejectCall(ev.SRC, req.CallerID); err != nil {
		svc.callError(ctx, ev.SRC, callReason(err))
		return
	}
	svc.logger.Info().
		Str("callee", ev.SRC).
		Str("caller", req.CallerID).
		Msg("call rejected")
	svc.unicast(ctx, req.CallerID, model.KindCallRejected, model.CallRejectedPayload{CalleeID: ev.SRC})
}

func (svc *Service) handleEndCall(ctx context.Context, ev model.Event) {
	counterpartID, err := svc.registry.EndCall(ev.SRC)
	if err != nil {
		// Ending a call that no longer exists is harmless.
		svc.logger.Debug().Err(err).
			Str("connID", ev.SRC).
			Msg("end_call without active call")
		return
	}
	svc.logger.Info().
		Str("connID", ev.SRC).
		Str("counterpart", counterpartID).
		Msg("call ended")
	if counterpartID != "" {
		svc.unicast(ctx, counterpartID, model.KindCallEnded, model.CallEndedPayload{PeerID: ev.SRC})
	}
}

// handleRelay forwards offer/answer/ice_candidate payloads untouched,
// tagged with the sender id. Relay is connection-scoped: the target has
// to exist, an active call pairing is not required.
func (svc *Service) handleRelay(ctx context.Context, ev model.Event) {
	var req model.RelayPayload
	if !svc.parse(ctx, ev, &req) {
		return
	}

	if _, ok := svc.registry.Get(req.TargetID); !ok {
		svc.callError(ctx, ev.SRC, reasonUserNotFound)
		return
	}
	out, _ := model.NewEvent(ev.Kind, model.RelayOutPayload{
		FromID:  ev.SRC,
		Payload: req.Payload,
	})
	out.SRC = ev.SRC
	if !svc.sw.Send(ctx, out, req.TargetID) {
		svc.callError(ctx, ev.SRC, reasonTargetNotFound)
	}
}

func (svc *Service) handleSendMessage(ctx context.Context, ev model.Event) {
	var req model.SendMessagePayload
	if !svc.parse(ctx, ev, &req) {
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" || utf8.RuneCountInString(text) > maxMessageLen {
		svc.logger.Debug().
			Str("connID", ev.SRC).
			Msg("dropping empty or oversized message")
		return
	}

	if _, ok := svc.registry.Get(req.TargetID); !ok {
		svc.callError(ctx, ev.SRC, reasonUserNotFound)
		return
	}
	out, _ := model.NewEvent(model.KindReceiveMessage, model.ReceiveMessagePayload{
		FromID: ev.SRC,
		Text:   text,
	})
	out.SRC = ev.SRC
	if !svc.sw.Send(ctx, out, req.TargetID) {
		svc.callError(ctx, ev.SRC, reasonTargetNotFound)
	}
}

func (svc *Service) parse(ctx context.Context, ev model.Event, dst any) bool {
	if err := json.Unmarshal(ev.Data, dst); err != nil {
		svc.logger.Warn().Err(err).
			Str("connID", ev.SRC).
			Str("kind", string(ev.Kind)).
			Msg("failed to parse event payload")
		svc.logger.Trace().Msg(spew.Sdump(ev))
		svc.callError(ctx, ev.SRC, reasonBadPayload)
		return false
	}
	return true
}

func (svc *Service) unicast(ctx context.Context, dst string, kind model.EventKind, payload any) {
	ev, err := model.NewEvent(kind, payload)
	if err != nil {
		svc.logger.Error().Err(err).
			Str("kind", string(kind)).
			Msg("failed to build outbound event")
		return
	}
	svc.sw.Send(ctx, ev, dst)
}

func (svc *Service) callError(ctx context.Context, dst, reason string) {
	svc.unicast(ctx, dst, model.KindCallError, model.CallErrorPayload{Reason: reason})
}

func callReason(err error) string {
	switch {
	case errors.Is(err, memory.ErrUserNotFound):
		return reasonUserNotFound
	case errors.Is(err, memory.ErrUserBusy):
		return reasonBusy
	case errors.Is(err, memory.ErrAlreadyInCall):
		return reasonAlreadyInCall
	case errors.Is(err, memory.ErrSelfCall):
		return reasonSelfCall
	case errors.Is(err, memory.ErrInvalidCallState):
		return reasonInvalidState
	}
	return err.Error()
}
