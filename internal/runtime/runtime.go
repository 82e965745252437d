// Package runtime wires a Transport, a DataSource, and a set of Handlers
// together and runs the correct role for the calling rank:
// rank == ControllerRank runs the Controller; every other rank runs the
// Worker. It owns the Transport's Init/Finalize lifecycle so a panic in
// either role still releases the transport.
package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/farmwire/jobfarm/internal/controller"
	"github.com/farmwire/jobfarm/internal/datasource"
	"github.com/farmwire/jobfarm/internal/worker"
	"github.com/farmwire/jobfarm/pkg/codec"
	"github.com/farmwire/jobfarm/pkg/transport"
)

// Config bundles the knobs shared by both roles. Deadline is meaningful
// only on the controller rank.
type Config struct {
	ControllerRank int
	Format         codec.Format
	Registry       *codec.Registry
	MaxFrameBytes  int
	Deadline       time.Duration
	Logger         *zap.Logger
}

// Run elects a role by comparing t.Rank() against cfg.ControllerRank,
// acquires the transport (Init), runs that role to completion, and
// releases the transport (Finalize) — even if the role returns an error or
// panics.
//
// ds and h are only meaningful on the controller rank; worker ranks ignore
// ds (they never call DataSource.Next themselves) and use only h.Init,
// h.Job, h.Cleanup.
func Run(ctx context.Context, t transport.Transport, ds datasource.DataSource, h datasource.Handlers, cfg Config) error {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if err := t.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := t.Finalize(); err != nil {
			log.Error("runtime: transport finalize failed", zap.Int("rank", t.Rank()), zap.Error(err))
		}
	}()

	if t.Rank() == cfg.ControllerRank {
		c := controller.New(t, ds, h, controller.Config{
			ControllerRank: cfg.ControllerRank,
			Format:         cfg.Format,
			Registry:       cfg.Registry,
			MaxFrameBytes:  cfg.MaxFrameBytes,
			Deadline:       cfg.Deadline,
			Logger:         log,
		})
		return c.Run(ctx)
	}

	w := worker.New(t, h, worker.Config{
		ControllerRank: cfg.ControllerRank,
		Format:         cfg.Format,
		Registry:       cfg.Registry,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		Logger:         log,
	})
	return w.Run(ctx)
}
