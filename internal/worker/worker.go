// Package worker implements the worker side of the job-farming protocol
// request work, wait for the go/no-go signal, process one
// WorkItem at a time, and report back a Result/Error pair.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/farmwire/jobfarm/internal/datasource"
	jferrors "github.com/farmwire/jobfarm/internal/errors"
	"github.com/farmwire/jobfarm/internal/framing"
	"github.com/farmwire/jobfarm/internal/tagspace"
	"github.com/farmwire/jobfarm/pkg/codec"
	"github.com/farmwire/jobfarm/pkg/transport"
)

// Config bundles the knobs Worker needs beyond the Transport and Handlers.
type Config struct {
	ControllerRank int
	Format         codec.Format
	Registry       *codec.Registry
	MaxFrameBytes  int
	Logger         *zap.Logger
}

// Worker runs the worker-side state machine: request, wait, process, report.
type Worker struct {
	t   transport.Transport
	h   datasource.Handlers
	cfg Config
	log *zap.Logger
}

// New constructs a Worker. It does not start processing until Run is
// called.
func New(t transport.Transport, h datasource.Handlers, cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = framing.DefaultMaxFrameBytes
	}
	return &Worker{t: t, h: h, cfg: cfg, log: cfg.Logger}
}

// Run executes Init once, then loops request-work/process/report until the
// controller signals termination (DataAvailable == 0), then executes
// Cleanup once. Cleanup always runs, even if Init or a mid-loop transport
// call fails: Cleanup runs exactly once per worker, regardless of how the
// loop ends.
func (w *Worker) Run(ctx context.Context) error {
	w.safeCall("init_handler", func() {
		if w.h.Init != nil {
			if err := w.h.Init(); err != nil {
				w.log.Error("worker: init_handler error", zap.Int("rank", w.t.Rank()), zap.Error(err))
			}
		}
	})
	defer w.safeCall("cleanup_handler", func() {
		if w.h.Cleanup != nil {
			if err := w.h.Cleanup(); err != nil {
				w.log.Error("worker: cleanup_handler error", zap.Int("rank", w.t.Rank()), zap.Error(err))
			}
		}
	})

	for {
		more, err := w.requestAndWait(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		if err := w.processOne(ctx); err != nil {
			return err
		}
	}
}

// requestAndWait sends RequestWork carrying this rank, then blocks for the
// controller's DataAvailable reply. Returns more == false exactly when the
// controller has signaled termination.
func (w *Worker) requestAndWait(ctx context.Context) (more bool, err error) {
	rank := w.t.Rank()
	req := []int32{int32(rank)}
	if err := w.t.Send(ctx, req, 1, transport.Int32, w.cfg.ControllerRank, transport.Tag(tagspace.RequestWork)); err != nil {
		return false, jferrors.Wrap(jferrors.KindTransport, "worker: send RequestWork", err)
	}

	var avail [1]int32
	status, err := w.t.Recv(ctx, avail[:], 1, transport.Int32, w.cfg.ControllerRank, transport.Tag(tagspace.DataAvailable))
	if err != nil {
		return false, jferrors.Wrap(jferrors.KindTransport, "worker: recv DataAvailable", err)
	}
	if status.Count != 1 {
		return false, jferrors.New(jferrors.KindFrameTruncated, "worker: short DataAvailable recv")
	}
	return avail[0] != 0, nil
}

// processOne receives a framed WorkItem, invokes the job handler (trapping
// panics), and reports Result then Error back to the controller in that
// order.
func (w *Worker) processOne(ctx context.Context) error {
	payload, err := framing.Recv(ctx, w.t, w.cfg.ControllerRank, tagspace.MessageData, w.cfg.MaxFrameBytes)
	if err != nil {
		return err
	}

	var item any
	if _, derr := codec.DecodeTagged(w.cfg.Registry, payload, &item); derr != nil {
		return w.reportOutcome(ctx, nil, jferrors.Wrap(jferrors.KindDecode, "worker: decode WorkItem", derr))
	}

	var result any
	var jobErr error
	if r := w.safeCall("job_handler", func() {
		if w.h.Job == nil {
			return
		}
		result, jobErr = w.h.Job(item)
	}); r != nil {
		result = nil
		jobErr = jferrors.New(jferrors.KindHandlerException, fmt.Sprint(r))
	}
	return w.reportOutcome(ctx, result, jobErr)
}

// reportOutcome frames and sends the Result then the Error (always both,
// always in that order).
func (w *Worker) reportOutcome(ctx context.Context, result any, jobErr error) error {
	var resultBytes []byte
	if jobErr == nil && result != nil {
		encoded, err := codec.EncodeTagged(w.cfg.Registry, w.cfg.Format, result)
		if err != nil {
			w.log.Error("worker: encode Result failed, reporting as error instead", zap.Error(err))
			jobErr = jferrors.Wrap(jferrors.KindEncode, "worker: encode Result", err)
		} else {
			resultBytes = encoded
		}
	}
	if err := framing.Send(ctx, w.t, w.cfg.ControllerRank, tagspace.MessageResult, resultBytes); err != nil {
		return jferrors.Wrap(jferrors.KindTransport, "worker: send MessageResult", err)
	}

	var errBytes []byte
	if jobErr != nil {
		errBytes = []byte(jobErr.Error())
	}
	if err := framing.Send(ctx, w.t, w.cfg.ControllerRank, tagspace.MessageError, errBytes); err != nil {
		return jferrors.Wrap(jferrors.KindTransport, "worker: send MessageError", err)
	}
	return nil
}

// safeCall runs fn, recovering any panic and logging it. It returns the
// recovered value (nil if fn returned normally) so callers that need to
// surface the panic as a reportable error can do so.
func (w *Worker) safeCall(name string, fn func()) (recovered any) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker: user handler panicked", zap.String("handler", name), zap.Any("panic", r), zap.Int("rank", w.t.Rank()))
			recovered = r
		}
	}()
	fn()
	return nil
}
