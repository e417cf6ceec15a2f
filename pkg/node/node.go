package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"

	"github.com/danl5/goha/pkg/model"
)

const transitionBuffer = 64

// NewLocal creates the lifecycle of the local node. The node starts in standby
// with role secondary, or arbiter when configured so.
func NewLocal(self model.Node, logger *slog.Logger) (*Local, error) {
	if err := self.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("new local node, logger is nil")
	}

	role := model.RoleSecondary
	if self.Role == model.RoleArbiter {
		role = model.RoleArbiter
	}
	self.Role = role
	self.State = model.NodeStateStandby

	l := &Local{
		self:       self,
		logger:     logger.With("component", "node", "node", self.ID),
		transition: make(chan model.StateTransition, transitionBuffer),
	}
	l.initializeFsm()
	return l, nil
}

// Local is the state machine of the local node. Every transition is emitted
// on the Transitions channel, a leave followed by an enter.
type Local struct {
	mu sync.Mutex
	// self holds the identity, role and metrics of the node, the state lives in the fsm
	self model.Node
	fsm  *fsm.FSM

	transition chan model.StateTransition
	logger     *slog.Logger
}

// Transitions returns the channel of state transitions. Transitions are dropped
// when the consumer falls behind.
func (l *Local) Transitions() <-chan model.StateTransition {
	return l.transition
}

// ID returns the node id.
func (l *Local) ID() string {
	return l.self.ID
}

// Promote makes the node the active primary.
func (l *Local) Promote(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.self.Role == model.RoleArbiter {
		return fmt.Errorf("promote arbiter %s: %w", l.self.ID, model.ErrInvalidTransition)
	}
	return l.fire(ctx, model.EventPromote, model.RolePrimary)
}

// StepDown gives up the primary role and returns to standby.
func (l *Local) StepDown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fire(ctx, model.EventStepDown, model.RoleSecondary)
}

// Fail moves the node to failed. The role is kept until another node takes over.
func (l *Local) Fail(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fire(ctx, model.EventFail, l.self.Role)
}

// Recover brings a failed node back to standby as a secondary.
func (l *Local) Recover(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fire(ctx, model.EventRecover, l.demotedRole())
}

// Resync starts catching up with the cluster.
func (l *Local) Resync(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fire(ctx, model.EventResync, l.self.Role)
}

// Synced ends the catch up.
func (l *Local) Synced(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fire(ctx, model.EventSynced, l.self.Role)
}

// EnterMaintenance takes the node out of the cluster on purpose.
func (l *Local) EnterMaintenance(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fire(ctx, model.EventMaintenance, l.demotedRole())
}

// Can reports whether ev is allowed in the current state.
func (l *Local) Can(ev model.NodeEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fsm.Can(ev.String())
}

// State returns the current state.
func (l *Local) State() model.NodeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return model.NodeState(l.fsm.Current())
}

// Role returns the current role.
func (l *Local) Role() model.Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.self.Role
}

// IsPrimary reports whether the node is the active primary.
func (l *Local) IsPrimary() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.self.Role == model.RolePrimary && l.fsm.Current() == model.NodeStateActive.String()
}

// SetMetrics overwrites the load snapshot reported by the node.
func (l *Local) SetMetrics(m model.NodeMetrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.self.Metrics = m
}

// Snapshot returns the node record with the current role and state.
func (l *Local) Snapshot() model.Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.self
	n.State = model.NodeState(l.fsm.Current())
	return n
}

// Visualize returns the state machine in Graphviz format.
func (l *Local) Visualize() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fsm.Visualize(l.fsm)
}

func (l *Local) demotedRole() model.Role {
	if l.self.Role == model.RoleArbiter {
		return model.RoleArbiter
	}
	return model.RoleSecondary
}

// fire runs the event with role applied for the callbacks, restoring the role
// when the fsm rejects the event
func (l *Local) fire(ctx context.Context, ev model.NodeEvent, role model.Role) error {
	if !l.fsm.Can(ev.String()) {
		l.logger.Warn("wrong event", "current state", l.fsm.Current(), "event", ev.String())
		return fmt.Errorf("%s in state %s: %w", ev, l.fsm.Current(), model.ErrInvalidTransition)
	}

	previous := l.self.Role
	l.self.Role = role
	err := l.fsm.Event(ctx, ev.String())
	if err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		l.self.Role = previous
		l.logger.Error("error state transition", "current state", l.fsm.Current(), "event", ev.String(), "error", err.Error())
		return fmt.Errorf("%s in state %s: %w", ev, l.fsm.Current(), model.ErrInvalidTransition)
	}
	l.logger.Info("node state changed", "event", ev.String(), "state", l.fsm.Current(), "role", l.self.Role)
	return nil
}

func (l *Local) leaveState(_ context.Context, ev *fsm.Event) {
	l.sendNodeStateTransition(model.NodeState(ev.Src), model.NodeState(ev.Dst), model.TransitionTypeLeave)
}

func (l *Local) enterState(_ context.Context, ev *fsm.Event) {
	l.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (l *Local) sendNodeStateTransition(state, src model.NodeState, t model.TransitionType) {
	st := model.StateTransition{State: state, SrcState: src, Role: l.self.Role, Type: t}
	select {
	case l.transition <- st:
	default:
		l.logger.Warn("state transition dropped", "type", t.String(), "state", state, "src", src)
	}
}

// initializeFsm initializes the state machine of the local node
func (l *Local) initializeFsm() {
	allBut := func(excluded model.NodeState) []string {
		var src []string
		for _, s := range []model.NodeState{
			model.NodeStateActive,
			model.NodeStateStandby,
			model.NodeStateSyncing,
			model.NodeStateFailed,
			model.NodeStateMaintenance,
		} {
			if s != excluded {
				src = append(src, s.String())
			}
		}
		return src
	}

	l.fsm = fsm.NewFSM(
		model.NodeStateStandby.String(),
		fsm.Events{
			{
				Name: model.EventPromote.String(),
				Src:  []string{model.NodeStateStandby.String()},
				Dst:  model.NodeStateActive.String(),
			},
			{
				Name: model.EventStepDown.String(),
				Src:  []string{model.NodeStateActive.String()},
				Dst:  model.NodeStateStandby.String(),
			},
			{
				Name: model.EventResync.String(),
				Src:  []string{model.NodeStateStandby.String()},
				Dst:  model.NodeStateSyncing.String(),
			},
			{
				Name: model.EventSynced.String(),
				Src:  []string{model.NodeStateSyncing.String()},
				Dst:  model.NodeStateStandby.String(),
			},
			{
				Name: model.EventFail.String(),
				Src:  allBut(model.NodeStateFailed),
				Dst:  model.NodeStateFailed.String(),
			},
			{
				Name: model.EventRecover.String(),
				Src:  []string{model.NodeStateFailed.String()},
				Dst:  model.NodeStateStandby.String(),
			},
			{
				Name: model.EventMaintenance.String(),
				Src:  allBut(model.NodeStateMaintenance),
				Dst:  model.NodeStateMaintenance.String(),
			},
		},
		fsm.Callbacks{
			"leave_state": l.leaveState,
			"enter_state": l.enterState,
		},
	)
}
