package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/me2-z/yumee-server/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrDuplicateEndpoint = errors.New("endpoint already connected")
)

// Switch delivers outbound events to connection wires. It knows nothing
// about call state: unicast and broadcast only, best effort with a
// bounded per-send timeout so one dead endpoint cannot stall the hub.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]model.Wire),
	}
}

// Connect attaches a wire for connID. A second wire under the same id
// means the transport violated its identity contract.
func (sw *Switch) Connect(connID string, wire model.Wire) error {
	sw.mx.Lock()
	if _, ok := sw.wires[connID]; ok {
		sw.mx.Unlock()
		return ErrDuplicateEndpoint
	}
	sw.wires[connID] = wire
	sw.mx.Unlock()
	sw.logger.Debug().
		Str("connID", connID).
		Msg("endpoint connected")
	return nil
}

func (sw *Switch) Disconnect(connID string) {
	sw.mx.Lock()
	delete(sw.wires, connID)
	sw.mx.Unlock()
	sw.logger.Debug().
		Str("connID", connID).
		Msg("endpoint disconnected")
}

// Send unicasts ev to dst. A missing wire is logged and reported via
// the return value; whether that warrants a call_error back to the
// sender is the router's call.
func (sw *Switch) Send(ctx context.Context, ev model.Event, dst string) bool {
	sw.mx.RLock()
	wire, ok := sw.wires[dst]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Warn().
			Str("dst", dst).
			Str("kind", string(ev.Kind)).
			Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, ev, wire.TX, &sw.logger, dst)
	return sent
}

// Broadcast delivers ev to every connected endpoint except exclude.
func (sw *Switch) Broadcast(ctx context.Context, ev model.Event, exclude string) {
	sw.mx.RLock()
	dsts := make([]string, 0, len(sw.wires))
	txs := make([]chan model.Event, 0, len(sw.wires))
	for dst, wire := range sw.wires {
		if dst == exclude {
			continue
		}
		dsts = append(dsts, dst)
		txs = append(txs, wire.TX)
	}
	sw.mx.RUnlock()

	var sent bool
	for i, tx := range txs {
		evSent, canceled := send(ctx, ev, tx, &sw.logger, dsts[i])
		if canceled {
			break
		}
		if evSent {
			sent = true
		}
	}
	if !sent {
		sw.logger.Debug().
			Str("kind", string(ev.Kind)).
			Str("src", ev.SRC).
			Msg("broadcast did not reach anyone")
	}
}

func send(ctx context.Context, ev model.Event, tx chan<- model.Event, logger *zerolog.Logger, dst string) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", dst).Msg("dead endpoint")
	case tx <- ev:
		logger.Trace().Str("dst", dst).Str("kind", string(ev.Kind)).Msg("event is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
