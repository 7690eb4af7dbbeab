// Package restored implements the core of a firmware restore orchestrator:
// a small generic state-transition engine (this file), a phase-tagged error
// taxonomy (errors.go), and the shared mode/quit signalling cell the device
// transport layer uses to talk back to the single-threaded core (quit.go).
//
// The transition engine is deliberately generalized from the teacher
// codebase's FSM builder: a named chain of Transition funcs, each closing
// over its own retry budget via RetryFromContext, with Abort for fatal
// short-circuit and Handoff for idempotent early completion.
package restored

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Transition is one named step of a Machine. It receives the original
// request and the response accumulated by prior steps, and either advances
// the accumulated response, signals a non-fatal failure (plain error, which
// the engine retries), or signals Abort (fatal) / Handoff (idempotent
// short-circuit).
type Transition[Req, Resp any] func(ctx context.Context, req *Request[Req, Resp]) (*Response[Resp], error)

// Request is passed to every Transition. Msg is the original, unchanging
// input. W holds the response accumulated so far by earlier steps in the
// chain, so a later step can read fields an earlier step set.
type Request[Req, Resp any] struct {
	Msg *Req
	W   *Workspace[Resp]
	run *Run
}

// Workspace carries the in-progress response between steps of one Machine
// invocation.
type Workspace[Resp any] struct {
	Msg *Resp
}

// Run describes the single execution of a Machine: its identity and logger.
type Run struct {
	StartVersion ulid.ULID
	logger       logrus.FieldLogger
}

// Log returns the run-scoped logger for this invocation.
func (r *Run) Log() logrus.FieldLogger { return r.logger }

// Run returns the Run metadata for the in-progress invocation.
func (req *Request[Req, Resp]) Run() *Run { return req.run }

// Log is shorthand for req.Run().Log().
func (req *Request[Req, Resp]) Log() logrus.FieldLogger { return req.run.Log() }

// Response is returned by a Transition that wants to advance (or replace)
// the accumulated response. Returning (nil, nil) leaves the accumulated
// response exactly as the previous step left it.
type Response[Resp any] struct {
	Msg *Resp
}

// NewResponse wraps msg as a Response.
func NewResponse[Resp any](msg *Resp) *Response[Resp] { return &Response[Resp]{Msg: msg} }

// abortError marks a Transition failure as fatal: the Machine stops and
// returns the wrapped cause without retrying the step.
type abortError struct{ cause error }

func (a *abortError) Error() string { return a.cause.Error() }
func (a *abortError) Unwrap() error { return a.cause }

// Abort wraps err so the engine treats it as non-retryable.
func Abort(err error) error { return &abortError{cause: err} }

// IsAbort reports whether err (or something it wraps) was produced by Abort.
func IsAbort(err error) bool {
	var a *abortError
	return asAbort(err, &a)
}

func asAbort(err error, target **abortError) bool {
	for err != nil {
		if a, ok := err.(*abortError); ok {
			*target = a
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// handoffSignal short-circuits the remaining steps of a Machine while
// treating the invocation as successful — used when a step discovers the
// requested work is already done.
type handoffSignal struct{ version ulid.ULID }

func (h *handoffSignal) Error() string { return "handoff: " + h.version.String() }

// Handoff signals that the Machine should stop running further steps and
// return the response accumulated so far as a success. Passing the zero
// ULID is a no-op (returns nil), matching the teacher contract that an
// empty start version does not short-circuit execution.
func Handoff(version ulid.ULID) error {
	if version == (ulid.ULID{}) {
		return nil
	}
	return &handoffSignal{version: version}
}

func isHandoff(err error) bool {
	_, ok := err.(*handoffSignal)
	return ok
}

// retryCountKey is the context key used to thread the per-step retry
// counter into a Transition.
type retryCountKey struct{}

// RetryFromContext returns the number of times the current step has already
// been retried (0 on first attempt).
func RetryFromContext(ctx context.Context) int {
	n, _ := ctx.Value(retryCountKey{}).(int)
	return n
}

func withRetryCount(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, retryCountKey{}, n)
}

// step is one named Transition registered with a Machine.
type step[Req, Resp any] struct {
	name string
	fn   Transition[Req, Resp]
}

// Machine is a named, ordered chain of transitions built via Register.
type Machine[Req, Resp any] struct {
	name  string
	steps []step[Req, Resp]
	end   string
}

// Register begins building a Machine named name.
func Register[Req, Resp any](m *Manager, name string) *Machine[Req, Resp] {
	machine := &Machine[Req, Resp]{name: name}
	if m != nil {
		m.registered = append(m.registered, name)
	}
	return machine
}

// Start registers the first step.
func (b *Machine[Req, Resp]) Start(name string, t Transition[Req, Resp]) *Machine[Req, Resp] {
	b.steps = append(b.steps, step[Req, Resp]{name: name, fn: t})
	return b
}

// To registers the next step.
func (b *Machine[Req, Resp]) To(name string, t Transition[Req, Resp]) *Machine[Req, Resp] {
	b.steps = append(b.steps, step[Req, Resp]{name: name, fn: t})
	return b
}

// End names the terminal state. It does not execute a Transition.
func (b *Machine[Req, Resp]) End(name string) *Machine[Req, Resp] {
	b.end = name
	return b
}

// Start is the entry point returned by Build: run the Machine once to
// completion (or fatal abort) for a single request.
type Start[Req, Resp any] func(ctx context.Context, msg *Req) (*Resp, error)

// Resume re-enters a previously handed-off run. The core does not persist
// runs across process restarts, so Resume always reports that there is
// nothing to resume; it exists so the Machine API mirrors the teacher's
// Register/Build/Resume shape for callers that expect it.
type Resume func(ctx context.Context, runID ulid.ULID) error

// Manager tracks which Machines have been registered, for diagnostics.
type Manager struct {
	registered []string
	Logger     logrus.FieldLogger
}

// NewManager creates an empty Manager.
func NewManager(logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{Logger: logger}
}

// Registered returns the names of Machines registered against this Manager.
func (m *Manager) Registered() []string {
	out := make([]string, len(m.registered))
	copy(out, m.registered)
	return out
}

// Build finalizes the Machine and returns its Start/Resume entry points.
func (b *Machine[Req, Resp]) Build(ctx context.Context) (Start[Req, Resp], Resume, error) {
	if len(b.steps) == 0 {
		return nil, nil, fmt.Errorf("fsm %s: no steps registered", b.name)
	}
	steps := make([]step[Req, Resp], len(b.steps))
	copy(steps, b.steps)
	name := b.name

	start := func(ctx context.Context, msg *Req) (*Resp, error) {
		runID := ulid.Make()
		logger := logrus.WithFields(logrus.Fields{
			"fsm":     name,
			"run_id":  runID.String(),
		})
		run := &Run{StartVersion: runID, logger: logger}
		ws := &Workspace[Resp]{}

		for _, s := range steps {
			retry := 0
			for {
				req := &Request[Req, Resp]{Msg: msg, W: ws, run: run}
				stepCtx := withRetryCount(ctx, retry)
				resp, err := s.fn(stepCtx, req)
				if err != nil {
					if isHandoff(err) {
						if resp != nil {
							ws.Msg = resp.Msg
						}
						logger.WithField("step", s.name).Debug("fsm handoff; short-circuiting remaining steps")
						return ws.Msg, nil
					}
					var ab *abortError
					if asAbort(err, &ab) {
						return nil, fmt.Errorf("fsm %s: step %s aborted: %w", name, s.name, ab.cause)
					}
					retry++
					logger.WithError(err).WithFields(logrus.Fields{
						"step":  s.name,
						"retry": retry,
					}).Warn("transition failed; retrying")
					continue
				}
				if resp != nil {
					ws.Msg = resp.Msg
				}
				break
			}
		}
		return ws.Msg, nil
	}

	resume := func(ctx context.Context, runID ulid.ULID) error {
		return fmt.Errorf("fsm %s: resume not supported (no durable run store); run %s cannot be resumed", name, runID)
	}

	return start, resume, nil
}
