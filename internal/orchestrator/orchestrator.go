// Package orchestrator drives one workflow submission at a time through the
// backend's event lifecycle and relays every frame to subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/comfy-relay/backend/internal/artifact"
	"github.com/comfy-relay/backend/internal/comfy"
	"github.com/comfy-relay/backend/internal/ws"
)

const interruptTimeout = 30 * time.Second

// Backend is the REST surface the orchestrator drives.
type Backend interface {
	QueuePrompt(ctx context.Context, workflow any, clientID string) (*comfy.PromptResponse, error)
	Interrupt(ctx context.Context) error
	Queue(ctx context.Context) (*comfy.QueueState, error)
	DeleteFromQueue(ctx context.Context, promptIDs []string) error
}

type Resolver interface {
	Resolve(ctx context.Context, promptID string) (artifact.Artifact, error)
}

// Relay fans frames out to downstream subscribers.
type Relay interface {
	BroadcastText(data []byte) int
	BroadcastBinary(data []byte) int
	BroadcastJSON(v any) int
}

type Options struct {
	OutputNode     string
	ReceiveTimeout time.Duration
	SettleDelay    time.Duration
	DrainDelay     time.Duration
	OverallTimeout time.Duration
}

// Outcome is the caller-facing result of one submission.
type Outcome struct {
	Result   Result             `json:"result"`
	Status   Status             `json:"status"`
	PromptID string             `json:"prompt_id,omitempty"`
	Artifact *artifact.Artifact `json:"artifact,omitempty"`
	Message  string             `json:"message,omitempty"`
	Err      error              `json:"-"`
}

type Orchestrator struct {
	backend  Backend
	upstream *comfy.Upstream
	resolver Resolver
	relay    Relay
	opts     Options
	logger   zerolog.Logger

	// mu serialises state writes; readers use state directly.
	mu    sync.Mutex
	gen   uint64
	state atomic.Pointer[Snapshot]
}

func New(backend Backend, upstream *comfy.Upstream, resolver Resolver, relay Relay, opts Options) *Orchestrator {
	o := &Orchestrator{
		backend:  backend,
		upstream: upstream,
		resolver: resolver,
		relay:    relay,
		opts:     opts,
		logger:   log.With().Str("component", "orchestrator").Logger(),
	}
	o.state.Store(&Snapshot{Status: StatusIdle, UpdatedAt: time.Now()})
	return o
}

// Snapshot returns the current run state without locking.
func (o *Orchestrator) Snapshot() Snapshot {
	return *o.state.Load()
}

// UpstreamConnected reports whether the backend socket of the latest run is
// still open.
func (o *Orchestrator) UpstreamConnected() bool {
	return o.upstream.Connected()
}

// Running reports whether a submission is in flight.
func (o *Orchestrator) Running() bool {
	return o.Snapshot().Status == StatusRunning
}

// begin moves to running and returns the generation that owns the run.
func (o *Orchestrator) begin() (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Load().Status == StatusRunning {
		return 0, false
	}
	o.gen++
	now := time.Now()
	o.state.Store(&Snapshot{Status: StatusRunning, StartedAt: now, UpdatedAt: now})
	return o.gen, true
}

// update applies fn to the state if gen still owns it. Runs superseded by an
// interrupt keep going but can no longer write.
func (o *Orchestrator) update(gen uint64, fn func(*Snapshot)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		return false
	}
	next := *o.state.Load()
	fn(&next)
	next.UpdatedAt = time.Now()
	o.state.Store(&next)
	return true
}

func (o *Orchestrator) setStatus(gen uint64, status Status, err error) {
	o.update(gen, func(s *Snapshot) {
		s.Status = status
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

// Submit runs doc to a terminal state and resolves its output image. It
// returns ErrRunInProgress while another run is active. When the overall
// deadline passes first it returns ErrOverallTimeout together with an
// Outcome carrying the prompt id; the run itself continues in the
// background and its progress stays visible through Snapshot.
func (o *Orchestrator) Submit(ctx context.Context, doc any) (*Outcome, error) {
	gen, ok := o.begin()
	if !ok {
		return nil, ErrRunInProgress
	}

	done := make(chan *Outcome, 1)
	runCtx := context.WithoutCancel(ctx)
	go func() {
		done <- o.run(runCtx, gen, doc)
	}()

	var timeout <-chan time.Time
	if o.opts.OverallTimeout > 0 {
		timer := time.NewTimer(o.opts.OverallTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-done:
		return out, nil
	case <-timeout:
		snap := o.Snapshot()
		o.logger.Warn().Str("prompt_id", snap.PromptID).Dur("timeout", o.opts.OverallTimeout).
			Msg("Workflow exceeded overall timeout, still running in background")
		return &Outcome{Result: ResultTimeout, Status: snap.Status, PromptID: snap.PromptID, Err: ErrOverallTimeout}, ErrOverallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, doc any) *Outcome {
	sess, err := o.upstream.Reconnect(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to connect to backend websocket")
		o.setStatus(gen, StatusError, err)
		return &Outcome{Result: ResultConnectError, Status: StatusError, Message: err.Error(), Err: err}
	}

	o.logger.Info().Str("client_id", sess.ID()).Msg("Submitting workflow")
	resp, err := o.backend.QueuePrompt(ctx, doc, sess.ID())
	if err != nil {
		out := &Outcome{Result: ResultSubmissionError, Status: StatusError, Message: err.Error(), Err: err}
		var subErr *comfy.SubmissionError
		if !errors.As(err, &subErr) {
			out.Result = ResultConnectError
		}
		if resp != nil {
			out.PromptID = resp.PromptID
		}
		o.logger.Error().Err(err).Str("prompt_id", out.PromptID).Msg("Workflow submission failed")
		o.update(gen, func(s *Snapshot) {
			s.Status = StatusError
			s.PromptID = out.PromptID
			s.LastError = err.Error()
		})
		return out
	}

	promptID := resp.PromptID
	o.update(gen, func(s *Snapshot) { s.PromptID = promptID })
	o.logger.Info().Str("prompt_id", promptID).Int("number", resp.Number).Msg("Workflow submitted")

	if err := sess.Subscribe(promptID); err != nil {
		o.logger.Error().Err(err).Msg("Failed to subscribe to prompt")
		o.setStatus(gen, StatusError, err)
		return &Outcome{Result: ResultConnectionLost, Status: StatusError, PromptID: promptID, Message: err.Error(), Err: err}
	}

	status, pumpErr := o.pump(sess)
	o.setStatus(gen, status, pumpErr)
	o.drain(sess, status, pumpErr)

	out := &Outcome{Status: status, PromptID: promptID, Err: pumpErr}
	if pumpErr != nil {
		out.Message = pumpErr.Error()
	}

	switch status {
	case StatusCompleted:
		o.logger.Info().Str("prompt_id", promptID).Msg("Workflow completed, resolving output image")
		a, err := o.resolver.Resolve(ctx, promptID)
		if err != nil {
			out.Result = ResultNoArtifact
			out.Message = err.Error()
			out.Err = err
			return out
		}
		out.Result = ResultCompleted
		out.Artifact = &a
		if o.owns(gen) {
			n := o.relay.BroadcastJSON(ws.NewImageGenerated(a.Filename, a.URL, promptID))
			o.logger.Info().Str("image", a.Filename).Int("subscribers", n).Msg("Announced generated image")
		}
	case StatusUnknown:
		out.Result = ResultUnknown
	default:
		var execErr *ExecutionError
		switch {
		case errors.Is(pumpErr, ErrInterrupted):
			out.Result = ResultInterrupted
		case errors.As(pumpErr, &execErr):
			out.Result = ResultExecutionError
		default:
			out.Result = ResultConnectionLost
		}
	}
	return out
}

func (o *Orchestrator) owns(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen == o.gen
}

// pump relays frames until the run reaches a terminal state.
func (o *Orchestrator) pump(sess *comfy.Session) (Status, error) {
	for {
		frame, err := sess.Receive(o.opts.ReceiveTimeout)
		if errors.Is(err, comfy.ErrReceiveTimeout) {
			o.logger.Warn().Dur("timeout", o.opts.ReceiveTimeout).
				Msg("WebSocket receiving timed out, but execution may still be running")
			return StatusUnknown, err
		}
		if err != nil {
			o.logger.Error().Err(err).Msg("Backend websocket closed")
			return StatusError, err
		}

		if frame.Binary {
			o.relayPreview(frame.Data)
			continue
		}

		ev, ok := o.relayText(frame.Data)
		if !ok {
			continue
		}

		switch ev := ev.(type) {
		case comfy.ProgressEvent:
			o.logger.Info().Int("value", ev.Value).Int("max", ev.Max).Int("percent", ev.Percent()).Msg("Progress")
		case comfy.ExecutingEvent:
			if ev.Node == o.opts.OutputNode {
				o.logger.Info().Str("node", ev.Node).Msg("Output node is executing")
			}
		case comfy.ExecutedEvent:
			if ev.Node == o.opts.OutputNode {
				o.logger.Info().Str("node", ev.Node).Dur("settle", o.opts.SettleDelay).Msg("Output node completed")
				time.Sleep(o.opts.SettleDelay)
			}
		case comfy.SuccessEvent:
			o.logger.Info().Str("prompt_id", ev.PromptID).Msg("Workflow execution completed successfully")
			return StatusCompleted, nil
		case comfy.ErrorEvent:
			o.logger.Error().Str("node", ev.Node).Str("node_type", ev.NodeType).Str("message", ev.Message).Msg("Execution error")
			return StatusError, &ExecutionError{PromptID: ev.PromptID, Node: ev.Node, NodeType: ev.NodeType, Message: ev.Message}
		case comfy.InterruptedEvent:
			o.logger.Warn().Str("prompt_id", ev.PromptID).Str("node", ev.Node).Msg("Execution interrupted")
			return StatusError, fmt.Errorf("%w at node %s", ErrInterrupted, ev.Node)
		}
	}
}

// relayText relays a JSON text frame verbatim and then decodes it. Frames
// that are not JSON are dropped. A frame whose type is missing or whose data
// does not fit its type decodes as an UnknownEvent and causes no transition.
func (o *Orchestrator) relayText(data []byte) (comfy.Event, bool) {
	if !sonic.Valid(data) {
		o.logger.Warn().Int("bytes", len(data)).Msg("Dropping text frame that is not JSON")
		return nil, false
	}
	n := o.relay.BroadcastText(data)

	ev, err := comfy.ParseEvent(data)
	if err != nil {
		o.logger.Warn().Err(err).Int("subscribers", n).Msg("Relayed event with unexpected shape")
		return comfy.UnknownEvent{}, true
	}
	if ev.Type() != comfy.EventStatus {
		o.logger.Debug().Str("event", string(ev.Type())).Int("subscribers", n).Msg("Relayed event")
	}
	return ev, true
}

func (o *Orchestrator) relayPreview(data []byte) {
	preview, err := comfy.DecodePreview(data)
	if err != nil {
		o.logger.Warn().Int("bytes", len(data)).Msg("Received short binary message, dropping")
		return
	}
	n := o.relay.BroadcastBinary(data)
	o.logger.Debug().Uint64("tag", preview.Tag).Int("bytes", len(preview.Payload)).Int("subscribers", n).
		Msg("Relayed preview image")
}

// drain keeps relaying frames already in flight for the drain delay. A
// socket that failed or timed out is no longer readable, so only the delay
// is observed.
func (o *Orchestrator) drain(sess *comfy.Session, status Status, pumpErr error) {
	if o.opts.DrainDelay <= 0 {
		return
	}
	if status == StatusUnknown || (pumpErr != nil && errors.Is(pumpErr, comfy.ErrSessionClosed)) {
		time.Sleep(o.opts.DrainDelay)
		return
	}

	deadline := time.Now().Add(o.opts.DrainDelay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		frame, err := sess.Receive(remaining)
		if errors.Is(err, comfy.ErrReceiveTimeout) {
			return
		}
		if err != nil {
			time.Sleep(time.Until(deadline))
			return
		}
		if frame.Binary {
			o.relayPreview(frame.Data)
		} else {
			o.relayText(frame.Data)
		}
	}
}

// Interrupt stops whatever the backend is executing, clears its queue and
// resets local state to idle. The backend's interrupt is global: it stops
// the current execution whichever client queued it. The work runs in the
// background; the returned Task may be awaited or ignored.
func (o *Orchestrator) Interrupt() *Task {
	t := newTask()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
		defer cancel()
		t.finish(o.interrupt(ctx))
	}()
	return t
}

func (o *Orchestrator) interrupt(ctx context.Context) error {
	var errs []error

	o.logger.Info().Msg("Interrupting workflow execution")
	if err := o.backend.Interrupt(ctx); err != nil {
		o.logger.Error().Err(err).Msg("Failed to interrupt")
		errs = append(errs, fmt.Errorf("interrupt: %w", err))
	}

	if q, err := o.backend.Queue(ctx); err != nil {
		o.logger.Error().Err(err).Msg("Failed to get queue status")
		errs = append(errs, fmt.Errorf("queue: %w", err))
	} else if ids := q.PromptIDs(); len(ids) > 0 {
		if err := o.backend.DeleteFromQueue(ctx, ids); err != nil {
			o.logger.Error().Err(err).Msg("Failed to clear queue")
			errs = append(errs, fmt.Errorf("clear queue: %w", err))
		} else {
			o.logger.Info().Int("count", len(ids)).Msg("Cleared queue")
		}
	} else {
		o.logger.Info().Msg("No items in queue to clear")
	}

	o.mu.Lock()
	o.gen++
	o.state.Store(&Snapshot{Status: StatusIdle, UpdatedAt: time.Now()})
	o.mu.Unlock()

	err := errors.Join(errs...)
	if err == nil {
		o.logger.Info().Msg("Interrupt completed successfully")
	}
	return err
}

// Close releases the backend socket.
func (o *Orchestrator) Close() {
	o.upstream.Close()
}
