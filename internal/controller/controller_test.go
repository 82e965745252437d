package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farmwire/jobfarm/internal/datasource"
	"github.com/farmwire/jobfarm/internal/framing"
	"github.com/farmwire/jobfarm/internal/tagspace"
	"github.com/farmwire/jobfarm/pkg/codec"
	"github.com/farmwire/jobfarm/pkg/transport"
	"github.com/farmwire/jobfarm/pkg/transport/mem"
)

// runEchoWorker implements the worker half of the protocol directly against
// a mem.Transport, independent of the internal/worker package, so these
// tests exercise only the Controller's half of the contract.
func runEchoWorker(ctx context.Context, t transport.Transport, reg *codec.Registry, format codec.Format, job func(item any) (any, error)) error {
	rank := t.Rank()
	for {
		req := []int32{int32(rank)}
		if err := t.Send(ctx, req, 1, transport.Int32, 0, transport.Tag(tagspace.RequestWork)); err != nil {
			return err
		}
		var avail [1]int32
		if _, err := t.Recv(ctx, avail[:], 1, transport.Int32, 0, transport.Tag(tagspace.DataAvailable)); err != nil {
			return err
		}
		if avail[0] == 0 {
			return nil
		}
		payload, err := framing.Recv(ctx, t, 0, tagspace.MessageData, 0)
		if err != nil {
			return err
		}
		var item any
		if _, err := codec.DecodeTagged(reg, payload, &item); err != nil {
			return err
		}

		result, jobErr := job(item)

		resBytes := []byte{}
		if result != nil {
			resBytes, err = codec.EncodeTagged(reg, format, result)
			if err != nil {
				return err
			}
		}
		if err := framing.Send(ctx, t, 0, tagspace.MessageResult, resBytes); err != nil {
			return err
		}
		errBytes := []byte{}
		if jobErr != nil {
			errBytes = []byte(jobErr.Error())
		}
		if err := framing.Send(ctx, t, 0, tagspace.MessageError, errBytes); err != nil {
			return err
		}
	}
}

func newTestCodec() (*codec.Registry, codec.Format) {
	return codec.NewRegistry(), codec.FormatJSON
}

func TestControllerExactlyOnceDispatch(t *testing.T) {
	const numWorkers = 4
	const numItems = 50
	g := mem.NewGroup(numWorkers + 1)
	reg, format := newTestCodec()

	items := make([]any, numItems)
	for i := range items {
		items[i] = float64(i)
	}
	ds := datasource.FromSlice(items)

	var mu sync.Mutex
	seen := map[int]int{}
	h := datasource.Handlers{
		Results: func(result any) {
			mu.Lock()
			defer mu.Unlock()
			n := int(result.(float64))
			seen[n]++
		},
	}

	c := New(g.Rank(0), ds, h, Config{ControllerRank: 0, Codec: nil, Format: format, Registry: reg, Logger: zap.NewNop()})

	var wg sync.WaitGroup
	ctx := context.Background()
	for r := 1; r <= numWorkers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			err := runEchoWorker(ctx, g.Rank(r), reg, format, func(item any) (any, error) {
				return item, nil
			})
			require.NoError(t, err)
		}(r)
	}

	require.NoError(t, c.Run(ctx))
	wg.Wait()

	require.Len(t, seen, numItems)
	for i := 0; i < numItems; i++ {
		require.Equalf(t, 1, seen[i], "item %d processed %d times, want exactly once", i, seen[i])
	}
}

func TestControllerInlineFallbackSingleRank(t *testing.T) {
	g := mem.NewGroup(1)
	reg, format := newTestCodec()

	items := make([]any, 10)
	for i := range items {
		items[i] = float64(i)
	}
	ds := datasource.FromSlice(items)

	var results []float64
	initCalled, cleanupCalled := false, false
	h := datasource.Handlers{
		Init: func() error { initCalled = true; return nil },
		Job: func(item any) (any, error) {
			return item.(float64) * 2, nil
		},
		Results: func(result any) { results = append(results, result.(float64)) },
		Cleanup: func() error { cleanupCalled = true; return nil },
	}

	c := New(g.Rank(0), ds, h, Config{ControllerRank: 0, Format: format, Registry: reg, Logger: zap.NewNop()})
	require.NoError(t, c.Run(context.Background()))

	require.True(t, initCalled)
	require.True(t, cleanupCalled)
	require.Len(t, results, 10)
	for i, r := range results {
		require.Equal(t, float64(i)*2, r)
	}
}

func TestControllerInlineJobHandlerPanicReportsError(t *testing.T) {
	g := mem.NewGroup(1)
	reg, format := newTestCodec()
	ds := datasource.FromSlice([]any{float64(1)})

	var gotResults []any
	var gotErrs []error
	h := datasource.Handlers{
		Job: func(item any) (any, error) {
			panic("inline job handler exploded")
		},
		Results: func(result any) { gotResults = append(gotResults, result) },
		Errors:  func(err error) { gotErrs = append(gotErrs, err) },
	}

	c := New(g.Rank(0), ds, h, Config{ControllerRank: 0, Format: format, Registry: reg, Logger: zap.NewNop()})
	require.NoError(t, c.Run(context.Background()))

	require.Len(t, gotResults, 1)
	require.Nil(t, gotResults[0])
	require.Len(t, gotErrs, 1)
	require.Error(t, gotErrs[0])
	require.Contains(t, gotErrs[0].Error(), "inline job handler exploded")
}

func TestControllerShutdownSignalsEveryWorkerExactlyOnce(t *testing.T) {
	const numWorkers = 3
	g := mem.NewGroup(numWorkers + 1)
	reg, format := newTestCodec()

	items := []any{float64(1), float64(2)}
	ds := datasource.FromSlice(items)
	c := New(g.Rank(0), ds, datasource.Handlers{}, Config{ControllerRank: 0, Format: format, Registry: reg, Logger: zap.NewNop()})

	var mu sync.Mutex
	terminated := map[int]int{}
	var wg sync.WaitGroup
	ctx := context.Background()
	for r := 1; r <= numWorkers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			err := runEchoWorker(ctx, g.Rank(r), reg, format, func(item any) (any, error) { return item, nil })
			require.NoError(t, err)
			mu.Lock()
			terminated[r]++
			mu.Unlock()
		}(r)
	}

	require.NoError(t, c.Run(ctx))
	wg.Wait()

	require.Len(t, terminated, numWorkers)
	for r := 1; r <= numWorkers; r++ {
		require.Equal(t, 1, terminated[r])
	}
}

func TestControllerDispatchOrderResultDelivery(t *testing.T) {
	// A single worker means dispatch order and completion order
	// coincide; this pins down that Results are delivered in the order
	// items were produced, not some other order, for the degenerate
	// single-worker case.
	g := mem.NewGroup(2)
	reg, format := newTestCodec()

	items := make([]any, 20)
	for i := range items {
		items[i] = float64(i)
	}
	ds := datasource.FromSlice(items)

	var order []float64
	h := datasource.Handlers{
		Results: func(result any) { order = append(order, result.(float64)) },
	}
	c := New(g.Rank(0), ds, h, Config{ControllerRank: 0, Format: format, Registry: reg, Logger: zap.NewNop()})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- runEchoWorker(ctx, g.Rank(1), reg, format, func(item any) (any, error) { return item, nil })
	}()

	require.NoError(t, c.Run(ctx))
	require.NoError(t, <-done)

	require.Len(t, order, 20)
	for i, v := range order {
		require.Equal(t, float64(i), v)
	}
}

func TestControllerHandlerErrorDoesNotAbortRun(t *testing.T) {
	g := mem.NewGroup(2)
	reg, format := newTestCodec()

	items := []any{float64(1), float64(2), float64(3)}
	ds := datasource.FromSlice(items)

	var gotErrs []error
	var gotResults []any
	h := datasource.Handlers{
		Results: func(result any) { gotResults = append(gotResults, result) },
		Errors:  func(err error) { gotErrs = append(gotErrs, err) },
	}
	c := New(g.Rank(0), ds, h, Config{ControllerRank: 0, Format: format, Registry: reg, Logger: zap.NewNop()})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- runEchoWorker(ctx, g.Rank(1), reg, format, func(item any) (any, error) {
			n := item.(float64)
			if n == 2 {
				return nil, fmt.Errorf("boom on %v", n)
			}
			return n, nil
		})
	}()

	require.NoError(t, c.Run(ctx))
	require.NoError(t, <-done)

	require.Len(t, gotErrs, 3)
	require.Nil(t, gotErrs[0])
	require.Error(t, gotErrs[1])
	require.Nil(t, gotErrs[2])
	require.Len(t, gotResults, 3)
	require.Nil(t, gotResults[1])
}

func TestControllerDeadlineStopsDispatchMidStream(t *testing.T) {
	g := mem.NewGroup(2)
	reg, format := newTestCodec()

	produced := 0
	ds := datasource.FromFunc(func() (any, bool) {
		produced++
		return float64(produced), true
	})

	var mu sync.Mutex
	count := 0
	h := datasource.Handlers{
		Results: func(result any) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	}
	c := New(g.Rank(0), ds, h, Config{ControllerRank: 0, Format: format, Registry: reg, Deadline: 20 * time.Millisecond, Logger: zap.NewNop()})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- runEchoWorker(ctx, g.Rank(1), reg, format, func(item any) (any, error) {
			time.Sleep(time.Millisecond)
			return item, nil
		})
	}()

	require.NoError(t, c.Run(ctx))
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, produced, count)
	require.Greater(t, count, 0)
}

func TestControllerZeroByteResultAndError(t *testing.T) {
	g := mem.NewGroup(2)
	reg, format := newTestCodec()

	ds := datasource.FromSlice([]any{float64(1)})
	var gotResult any = "unset"
	var gotErr error = fmt.Errorf("unset")
	h := datasource.Handlers{
		Results: func(result any) { gotResult = result },
		Errors:  func(err error) { gotErr = err },
	}
	c := New(g.Rank(0), ds, h, Config{ControllerRank: 0, Format: format, Registry: reg, Logger: zap.NewNop()})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- runEchoWorker(ctx, g.Rank(1), reg, format, func(item any) (any, error) {
			return nil, nil
		})
	}()

	require.NoError(t, c.Run(ctx))
	require.NoError(t, <-done)
	require.Nil(t, gotResult)
	require.NoError(t, gotErr)
}

func TestControllerWildcardFairnessAmongWorkers(t *testing.T) {
	const numWorkers = 5
	const numItems = 200
	g := mem.NewGroup(numWorkers + 1)
	reg, format := newTestCodec()

	items := make([]any, numItems)
	for i := range items {
		items[i] = float64(i)
	}
	ds := datasource.FromSlice(items)
	c := New(g.Rank(0), ds, datasource.Handlers{}, Config{ControllerRank: 0, Format: format, Registry: reg, Logger: zap.NewNop()})

	var mu sync.Mutex
	perWorker := map[int]int{}
	var wg sync.WaitGroup
	ctx := context.Background()
	for r := 1; r <= numWorkers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			err := runEchoWorker(ctx, g.Rank(r), reg, format, func(item any) (any, error) {
				mu.Lock()
				perWorker[r]++
				mu.Unlock()
				return item, nil
			})
			require.NoError(t, err)
		}(r)
	}

	require.NoError(t, c.Run(ctx))
	wg.Wait()

	total := 0
	for _, n := range perWorker {
		total += n
	}
	require.Equal(t, numItems, total)
	// Every worker should have gotten a non-trivial share; no worker should
	// be starved entirely by wildcard recv always favoring another rank.
	for r := 1; r <= numWorkers; r++ {
		require.Greaterf(t, perWorker[r], 0, "worker %d received zero items", r)
	}
}
