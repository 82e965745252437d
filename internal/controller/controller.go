// Package controller implements the controller side of the job-farming
// protocol: the on-demand dispatch loop, the per-worker
// result-interleave, and the drain & terminate teardown.
package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/farmwire/jobfarm/internal/datasource"
	jferrors "github.com/farmwire/jobfarm/internal/errors"
	"github.com/farmwire/jobfarm/internal/framing"
	"github.com/farmwire/jobfarm/internal/tagspace"
	"github.com/farmwire/jobfarm/internal/workerstate"
	"github.com/farmwire/jobfarm/pkg/codec"
	"github.com/farmwire/jobfarm/pkg/transport"
)

// Config bundles the knobs Controller needs beyond the Transport and
// Handlers: which rank is the controller, the codec for opaque payloads, and
// the optional abort deadline.
type Config struct {
	ControllerRank int
	Codec          codec.Codec
	Format         codec.Format
	Registry       *codec.Registry
	MaxFrameBytes  int
	// Deadline, if non-zero, is a wall-clock budget measured from the start
	// of Run (converted to an absolute cutoff in Transport.WallTime units).
	// Checked after each dispatch round; never mid-round.
	Deadline time.Duration
	Logger   *zap.Logger
}

// Controller runs the controller-side dispatch/collect/drain state machine.
type Controller struct {
	t          transport.Transport
	ds         datasource.DataSource
	h          datasource.Handlers
	ws         *workerstate.Table
	cfg        Config
	log        *zap.Logger
	deadlineAt float64
}

// New constructs a Controller. It does not start dispatching until Run is
// called.
func New(t transport.Transport, ds datasource.DataSource, h datasource.Handlers, cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = framing.DefaultMaxFrameBytes
	}
	return &Controller{
		t:   t,
		ds:  ds,
		h:   h,
		ws:  workerstate.New(),
		cfg: cfg,
		log: cfg.Logger,
	}
}

// Run drives the dispatch loop to completion: it exhausts ds (or stops early
// on DeadlineExceeded), then drains remaining in-flight results and signals
// every worker to terminate exactly once. It blocks until teardown is
// complete on every worker.
func (c *Controller) Run(ctx context.Context) error {
	size := c.t.Size()
	if c.cfg.Deadline > 0 {
		c.deadlineAt = c.t.WallTime() + c.cfg.Deadline.Seconds()
	}

	if size == 1 {
		return c.runInline(ctx)
	}

	for {
		item, ok := c.ds.Next()
		if !ok {
			break
		}
		if err := c.dispatchRound(ctx, item); err != nil {
			return err
		}
		if c.deadlineExceeded() {
			c.log.Info("controller: deadline exceeded, entering drain phase")
			break
		}
	}
	return c.drainAndTerminate(ctx, size)
}

func (c *Controller) deadlineExceeded() bool {
	return c.deadlineAt > 0 && c.t.WallTime() >= c.deadlineAt
}

// dispatchRound implements one dispatch iteration: await a
// free worker, collect its prior result if it was active, then activate and
// dispatch item to it.
func (c *Controller) dispatchRound(ctx context.Context, item any) error {
	payload, err := codec.EncodeTagged(c.cfg.Registry, c.cfg.Format, item)
	if err != nil {
		c.log.Error("controller: encode WorkItem failed, dropping dispatch for this item", zap.Error(err))
		return nil
	}

	w, err := c.awaitFreeWorker(ctx)
	if err != nil {
		return err
	}

	if c.ws.IsActive(w) {
		if err := c.collectResult(ctx, w); err != nil {
			return err
		}
	}

	c.ws.Activate(w)
	if err := c.sendDataAvailable(ctx, w, 1); err != nil {
		return err
	}

	if err := framing.Send(ctx, c.t, w, tagspace.MessageData, payload); err != nil {
		return jferrors.Wrap(jferrors.KindTransport, "controller: send MessageData", err)
	}
	return nil
}

// awaitFreeWorker blocks until a genuine worker rank sends RequestWork,
// retrying on (and logging) any response from an unexpected sender such as
// the controller's own rank. It never returns without a valid rank, so a
// caller holding an already-dequeued WorkItem never has to drop it.
func (c *Controller) awaitFreeWorker(ctx context.Context) (int, error) {
	for {
		var rankBuf [1]int32
		status, err := c.t.Recv(ctx, rankBuf[:], 1, transport.Int32, transport.AnySource, transport.Tag(tagspace.RequestWork))
		if err != nil {
			return 0, jferrors.Wrap(jferrors.KindTransport, "controller: recv RequestWork", err)
		}
		w := status.Source
		if int(rankBuf[0]) != w {
			c.log.Warn("controller: RequestWork payload rank mismatch", zap.Int("sender", w), zap.Int32("payload", rankBuf[0]))
		}
		if w == c.cfg.ControllerRank {
			c.log.Warn("controller: RequestWork from controller rank, ignoring", zap.Int("rank", w))
			continue
		}
		if w < 0 || w >= c.t.Size() {
			c.log.Warn("controller: RequestWork from rank outside the group, ignoring", zap.Int("rank", w))
			continue
		}
		return w, nil
	}
}

// collectResult receives the framed Result then framed Error from w (in
// that order) and invokes the optional
// Results/Errors handlers in order, trapping panics.
func (c *Controller) collectResult(ctx context.Context, w int) error {
	resultBytes, err := framing.Recv(ctx, c.t, w, tagspace.MessageResult, c.cfg.MaxFrameBytes)
	if err != nil {
		return err
	}
	errBytes, err := framing.Recv(ctx, c.t, w, tagspace.MessageError, c.cfg.MaxFrameBytes)
	if err != nil {
		return err
	}

	var result any
	if len(resultBytes) > 0 {
		if _, derr := codec.DecodeTagged(c.cfg.Registry, resultBytes, &result); derr != nil {
			c.log.Error("controller: decode Result failed", zap.Int("worker", w), zap.Error(derr))
		}
	}
	var errVal error
	if len(errBytes) > 0 {
		errVal = fmt.Errorf("%s", string(errBytes))
	}

	c.safeCall("results_handler", func() {
		if c.h.Results != nil {
			c.h.Results(result)
		}
	})
	c.safeCall("error_handler", func() {
		if c.h.Errors != nil {
			c.h.Errors(errVal)
		}
	})
	return nil
}

// safeCall runs fn, recovering any panic and logging it. It returns the
// recovered value (nil if fn returned normally) so callers that need to
// surface the panic as a reportable error can do so.
func (c *Controller) safeCall(name string, fn func()) (recovered any) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("controller: user handler panicked, dispatch continues", zap.String("handler", name), zap.Any("panic", r))
			recovered = r
		}
	}()
	fn()
	return nil
}

func (c *Controller) sendDataAvailable(ctx context.Context, dest int, value int32) error {
	buf := []int32{value}
	if err := c.t.Send(ctx, buf, 1, transport.Int32, dest, transport.Tag(tagspace.DataAvailable)); err != nil {
		return jferrors.Wrap(jferrors.KindTransport, "controller: send DataAvailable", err)
	}
	return nil
}

// drainAndTerminate implements the post-iteration sweep: rendezvous
// with every worker rank in order, collect its final result if active,
// deactivate it, then send DataAvailable=0 exactly once.
func (c *Controller) drainAndTerminate(ctx context.Context, size int) error {
	for rank := 0; rank < size; rank++ {
		if rank == c.cfg.ControllerRank {
			continue
		}
		var rankBuf [1]int32
		if _, err := c.t.Recv(ctx, rankBuf[:], 1, transport.Int32, rank, transport.Tag(tagspace.RequestWork)); err != nil {
			return jferrors.Wrap(jferrors.KindTransport, "controller: drain recv RequestWork", err)
		}
		if c.ws.IsActive(rank) {
			if err := c.collectResult(ctx, rank); err != nil {
				return err
			}
		}
		c.ws.Deactivate(rank)
		if err := c.sendDataAvailable(ctx, rank, 0); err != nil {
			return err
		}
	}
	return nil
}

// runInline implements the size==1 edge case: there are no
// workers, so the controller executes the job handler itself, preserving
// result-delivery semantics (Results/Errors invoked in the same order the
// items were produced, since there is only one "worker").
func (c *Controller) runInline(ctx context.Context) error {
	c.safeCall("init_handler", func() {
		if c.h.Init != nil {
			if err := c.h.Init(); err != nil {
				c.log.Error("controller: inline init_handler error", zap.Error(err))
			}
		}
	})
	defer c.safeCall("cleanup_handler", func() {
		if c.h.Cleanup != nil {
			if err := c.h.Cleanup(); err != nil {
				c.log.Error("controller: inline cleanup_handler error", zap.Error(err))
			}
		}
	})

	for {
		item, ok := c.ds.Next()
		if !ok {
			return nil
		}
		var result any
		var jobErr error
		if r := c.safeCall("job_handler", func() {
			if c.h.Job == nil {
				return
			}
			result, jobErr = c.h.Job(item)
		}); r != nil {
			jobErr = jferrors.New(jferrors.KindHandlerException, fmt.Sprint(r))
		}
		if jobErr != nil {
			result = nil
		}
		c.safeCall("results_handler", func() {
			if c.h.Results != nil {
				c.h.Results(result)
			}
		})
		c.safeCall("error_handler", func() {
			if c.h.Errors != nil {
				c.h.Errors(jobErr)
			}
		})
		if c.deadlineExceeded() {
			return nil
		}
	}
}
