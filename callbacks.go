package goha

import (
	"context"
	"time"

	"github.com/danl5/goha/pkg/model"
)

const defaultCallBackTimeout = 5 * time.Second

type StateHandler func(ctx context.Context, st model.StateTransition) error

// StateCallBacks is a struct to hold state callbacks
type StateCallBacks struct {
	// EnterActive is called when the node starts serving as primary
	EnterActive StateHandler
	// LeaveActive is called when the node stops serving as primary
	LeaveActive StateHandler
	// EnterStandby is called when the node becomes a standby
	EnterStandby StateHandler
	// LeaveStandby is called when the node leaves standby
	LeaveStandby StateHandler
	// EnterSyncing is called when the node starts catching up after a reconnect
	EnterSyncing StateHandler
	// LeaveSyncing is called when the node is caught up
	LeaveSyncing StateHandler
	// EnterFailed is called when the local health checks take the node out
	EnterFailed StateHandler
	// LeaveFailed is called when the node recovers
	LeaveFailed StateHandler
	// EnterMaintenance is called when the node leaves the cluster on shutdown
	EnterMaintenance StateHandler
	// LeaveMaintenance is called when the node leaves maintenance
	LeaveMaintenance StateHandler
}

// handler returns the callback matching the transition
func (cb *StateCallBacks) handler(st model.StateTransition) StateHandler {
	if cb == nil {
		return nil
	}
	enter := st.Type == model.TransitionTypeEnter
	pick := func(onEnter, onLeave StateHandler) StateHandler {
		if enter {
			return onEnter
		}
		return onLeave
	}
	switch st.State {
	case model.NodeStateActive:
		return pick(cb.EnterActive, cb.LeaveActive)
	case model.NodeStateStandby:
		return pick(cb.EnterStandby, cb.LeaveStandby)
	case model.NodeStateSyncing:
		return pick(cb.EnterSyncing, cb.LeaveSyncing)
	case model.NodeStateFailed:
		return pick(cb.EnterFailed, cb.LeaveFailed)
	case model.NodeStateMaintenance:
		return pick(cb.EnterMaintenance, cb.LeaveMaintenance)
	}
	return nil
}

func (h *HA) handleStateTransition(stateChan <-chan model.StateTransition) {
	defer h.loops.Done()
	for {
		select {
		case <-h.done:
			h.drainTransitions(stateChan)
			return
		case st := <-stateChan:
			h.dispatch(st)
		}
	}
}

// drainTransitions runs the callbacks of the transitions queued during shutdown
func (h *HA) drainTransitions(stateChan <-chan model.StateTransition) {
	for {
		select {
		case st := <-stateChan:
			h.dispatch(st)
		default:
			return
		}
	}
}

func (h *HA) dispatch(st model.StateTransition) {
	h.logger.Debug("ha, node state transition", "type", st.Type.String(), "state", st.State, "src", st.SrcState, "role", st.Role)
	if err := h.execStateHandler(h.callBacks.handler(st), st); err != nil {
		h.logger.Warn("ha, state callback failed", "state", st.State, "type", st.Type.String(), "error", err.Error())
		h.sendError(err)
	}
}

func (h *HA) execStateHandler(sh StateHandler, st model.StateTransition) error {
	if sh == nil {
		return nil
	}

	timeout := h.cfg.CallBackTimeout()
	if timeout <= 0 {
		timeout = defaultCallBackTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := sh(ctx, st)
	if err != nil {
		return err
	}

	h.logger.Debug("callback end")
	return nil
}
