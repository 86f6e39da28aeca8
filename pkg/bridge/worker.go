package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cexll/agentcore/pkg/core/kernel"
	"github.com/cexll/agentcore/pkg/logging"
	"github.com/cexll/agentcore/pkg/telemetry"
	"github.com/cexll/agentcore/pkg/worker"
)

// Executor runs a resolved request. The agent runner implements it.
type Executor interface {
	Call(ctx context.Context, bctx *Context, extra Extra, signals *worker.Signals) (bool, error)
}

// ErrIncomplete is reported when the executor returns false without an error.
var ErrIncomplete = errors.New("bridge: run did not complete")

const signalBuffer = 64

// Worker runs one request on the pool or inline and reports through Signals.
type Worker struct {
	ID      string
	Mode    string // ModeLoopNext for continuations, empty otherwise
	Context *Context
	Extra   Extra

	exec    Executor
	store   TurnStore
	kernel  *kernel.State
	logger  logging.Logger
	signals *worker.Signals
}

// Signals is the worker's response channel.
func (w *Worker) Signals() *worker.Signals { return w.signals }

// Run executes the request. It always ends the signal stream: finished on
// success or cancellation, error otherwise. The turn is saved before the
// terminal signal is sent.
func (w *Worker) Run(ctx context.Context) {
	ctx, span := telemetry.Tracer().Start(ctx, "bridge.worker")
	span.SetAttributes(attribute.String("worker.id", w.ID), attribute.String("mode", w.Context.Mode))
	defer span.End()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: worker panic: %v", r)
		}
		if err = w.finish(ctx, err); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if w.kernel.Stopped() {
		w.logger.Debug("worker %s: kernel stopped before start", w.ID)
		return
	}
	extra := w.Extra.Clone()
	if w.Mode != "" {
		extra["worker_mode"] = w.Mode
	}
	ok, callErr := w.exec.Call(ctx, w.Context, extra, w.signals)
	switch {
	case callErr != nil:
		err = callErr
	case !ok:
		err = ErrIncomplete
	}
}

// Cancel ends the stream of a worker the pool skipped after a kernel stop.
// Like a run that found the kernel stopped, it finishes successfully.
func (w *Worker) Cancel() {
	w.logger.Debug("worker %s: skipped by pool", w.ID)
	_ = w.finish(context.Background(), nil)
}

// finish saves the turn and sends the terminal signal for err.
func (w *Worker) finish(ctx context.Context, err error) error {
	turn := w.Context.Turn
	if w.store != nil && turn != nil {
		if serr := w.store.Save(ctx, turn); serr != nil {
			err = errors.Join(err, fmt.Errorf("bridge: save turn: %w", serr))
		}
	}
	if err != nil {
		w.signals.Fail(turn, err)
		return err
	}
	w.signals.Finish(turn)
	return nil
}

func newWorkerID() string { return uuid.NewString() }
