// Command jobfarm-run is a CLI wrapper around the job-farming runtime: it
// loads configuration, builds the configured Transport, and drives a small
// built-in job handler (string word-length) over it. It exists to exercise
// the library end to end from a process boundary; real jobs are expected to
// call internal/runtime.Run directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/farmwire/jobfarm/internal/datasource"
	"github.com/farmwire/jobfarm/internal/runtime"
	"github.com/farmwire/jobfarm/pkg/codec"
	"github.com/farmwire/jobfarm/pkg/config"
	"github.com/farmwire/jobfarm/pkg/observability"
	"github.com/farmwire/jobfarm/pkg/transport"
	"github.com/farmwire/jobfarm/pkg/transport/mem"
	"github.com/farmwire/jobfarm/pkg/transport/quic"
	"github.com/farmwire/jobfarm/pkg/transport/tcp"
)

const (
	exitOK                 = 0
	exitTransportInitFail  = 1
	exitSerializationFail  = 2
	exitDeadlineNoDispatch = 3
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	rank := flag.String("rank", "", "override this process's rank")
	size := flag.String("size", "", "override the group size (mem transport only)")
	listenAddr := flag.String("listen", "", "override transport.listen[0] (controller, tcp/quic)")
	dialAddr := flag.String("dial", "", "override the controller's dial address (workers, tcp/quic)")
	words := flag.String("words", "", "comma-separated words to farm out as WorkItems (default: a small built-in list)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf(exitTransportInitFail, "load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Transport.Listen = []string{*listenAddr}
	}

	t, thisRank, err := buildTransport(cfg, *rank, *size, *dialAddr)
	if err != nil {
		fatalf(exitTransportInitFail, "build transport: %v", err)
	}

	logger, err := observability.SetupLogger(cfg.Log, thisRank)
	if err != nil {
		fatalf(exitTransportInitFail, "setup logger: %v", err)
	}
	defer logger.Sync()

	reg := codec.NewRegistry()
	format, err := formatFromName(cfg.Codec)
	if err != nil {
		fatalf(exitSerializationFail, "%v", err)
	}

	items := wordList(*words)
	ds := datasource.FromSlice(items)

	var dispatched int64
	h := datasource.Handlers{
		Job: func(item any) (any, error) {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("jobfarm-run: unexpected item type %T", item)
			}
			return len(s), nil
		},
		Results: func(result any) {
			atomic.AddInt64(&dispatched, 1)
			logger.Info("jobfarm-run: result", zap.Any("result", result))
		},
		Errors: func(err error) {
			if err != nil {
				logger.Warn("jobfarm-run: job error", zap.Error(err))
			}
		},
	}

	rc := runtime.Config{
		ControllerRank: cfg.ControllerRank,
		Format:         format,
		Registry:       reg,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		Deadline:       cfg.Deadline,
		Logger:         logger,
	}

	if err := runtime.Run(context.Background(), t, ds, h, rc); err != nil {
		fatalf(exitTransportInitFail, "run: %v", err)
	}

	if thisRank == cfg.ControllerRank && cfg.Deadline > 0 && atomic.LoadInt64(&dispatched) == 0 {
		fatalf(exitDeadlineNoDispatch, "deadline exceeded before any item was dispatched")
	}
	os.Exit(exitOK)
}

func formatFromName(name string) (codec.Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return codec.FormatJSON, nil
	case "cbor":
		return codec.FormatCBOR, nil
	case "proto":
		return codec.FormatProto, nil
	default:
		return codec.FormatUnknown, fmt.Errorf("jobfarm-run: unknown codec %q", name)
	}
}

func buildTransport(cfg *config.Config, rankOverride, sizeOverride, dialOverride string) (transport.Transport, int, error) {
	rank := cfg.ControllerRank
	if rankOverride != "" {
		r, err := strconv.Atoi(rankOverride)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid -rank: %w", err)
		}
		rank = r
	}

	switch cfg.Transport.Kind {
	case "", "mem":
		size := 1
		if sizeOverride != "" {
			s, err := strconv.Atoi(sizeOverride)
			if err != nil {
				return nil, 0, fmt.Errorf("invalid -size: %w", err)
			}
			size = s
		}
		g := mem.NewGroup(size)
		return g.Rank(rank), rank, nil

	case "tcp":
		listen := firstOr(cfg.Transport.Listen, "")
		dial := dialOverride
		if dial == "" {
			dial = addressForRank(cfg.Transport.Peers, cfg.ControllerRank)
		}
		return tcp.New(tcp.Config{
			Rank:           rank,
			Size:           peerCount(cfg.Transport.Peers),
			ControllerRank: cfg.ControllerRank,
			ListenAddr:     listen,
			DialAddr:       dial,
		}), rank, nil

	case "quic":
		listen := firstOr(cfg.Transport.Listen, "")
		dial := dialOverride
		if dial == "" {
			dial = addressForRank(cfg.Transport.Peers, cfg.ControllerRank)
		}
		return quic.New(quic.Config{
			Rank:           rank,
			Size:           peerCount(cfg.Transport.Peers),
			ControllerRank: cfg.ControllerRank,
			ListenAddr:     listen,
			DialAddr:       dial,
		}), rank, nil

	default:
		return nil, 0, fmt.Errorf("unknown transport.kind %q", cfg.Transport.Kind)
	}
}

func firstOr(vs []string, def string) string {
	if len(vs) == 0 {
		return def
	}
	return vs[0]
}

func peerCount(peers []config.PeerAddress) int { return len(peers) }

func addressForRank(peers []config.PeerAddress, rank int) string {
	for _, p := range peers {
		if p.Rank == rank {
			return p.Address
		}
	}
	return ""
}

func wordList(flagVal string) []any {
	var words []string
	if strings.TrimSpace(flagVal) != "" {
		for _, w := range strings.Split(flagVal, ",") {
			if w = strings.TrimSpace(w); w != "" {
				words = append(words, w)
			}
		}
	} else {
		words = []string{"farming", "jobs", "over", "a", "blocking", "transport", "one", "rank", "at", "a", "time"}
	}
	out := make([]any, len(words))
	for i, w := range words {
		out[i] = w
	}
	return out
}

func fatalf(code int, format string, a ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(code)
}
