package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farmwire/jobfarm/internal/datasource"
	"github.com/farmwire/jobfarm/internal/framing"
	"github.com/farmwire/jobfarm/internal/tagspace"
	"github.com/farmwire/jobfarm/pkg/codec"
	"github.com/farmwire/jobfarm/pkg/transport"
	"github.com/farmwire/jobfarm/pkg/transport/mem"
)

// fakeController drives exactly the controller half of the protocol against
// one worker rank, so these tests exercise only the Worker's half of the
// contract in isolation from internal/controller.
type fakeController struct {
	t   transport.Transport
	reg *codec.Registry
}

func (f *fakeController) awaitRequest(ctx context.Context, workerRank int) error {
	var rankBuf [1]int32
	_, err := f.t.Recv(ctx, rankBuf[:], 1, transport.Int32, workerRank, transport.Tag(tagspace.RequestWork))
	return err
}

func (f *fakeController) dispatch(ctx context.Context, workerRank int, item any, format codec.Format) error {
	if err := f.awaitRequest(ctx, workerRank); err != nil {
		return err
	}
	if err := f.t.Send(ctx, []int32{1}, 1, transport.Int32, workerRank, transport.Tag(tagspace.DataAvailable)); err != nil {
		return err
	}
	payload, err := codec.EncodeTagged(f.reg, format, item)
	if err != nil {
		return err
	}
	return framing.Send(ctx, f.t, workerRank, tagspace.MessageData, payload)
}

func (f *fakeController) collect(ctx context.Context, workerRank int) (result any, errStr string, err error) {
	resBytes, err := framing.Recv(ctx, f.t, workerRank, tagspace.MessageResult, 0)
	if err != nil {
		return nil, "", err
	}
	errBytes, err := framing.Recv(ctx, f.t, workerRank, tagspace.MessageError, 0)
	if err != nil {
		return nil, "", err
	}
	if len(resBytes) > 0 {
		if _, derr := codec.DecodeTagged(f.reg, resBytes, &result); derr != nil {
			return nil, "", derr
		}
	}
	return result, string(errBytes), nil
}

func (f *fakeController) terminate(ctx context.Context, workerRank int) error {
	if err := f.awaitRequest(ctx, workerRank); err != nil {
		return err
	}
	return f.t.Send(ctx, []int32{0}, 1, transport.Int32, workerRank, transport.Tag(tagspace.DataAvailable))
}

func TestWorkerProcessesItemsThenTerminates(t *testing.T) {
	g := mem.NewGroup(2)
	reg := codec.NewRegistry()
	format := codec.FormatJSON
	ctx := context.Background()

	var mu sync.Mutex
	var processed []float64
	initCalled, cleanupCalled := false, false
	h := datasource.Handlers{
		Init: func() error { initCalled = true; return nil },
		Job: func(item any) (any, error) {
			mu.Lock()
			processed = append(processed, item.(float64))
			mu.Unlock()
			return item.(float64) * 10, nil
		},
		Cleanup: func() error { cleanupCalled = true; return nil },
	}
	w := New(g.Rank(1), h, Config{ControllerRank: 0, Format: format, Registry: reg, Logger: zap.NewNop()})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	fc := &fakeController{t: g.Rank(0), reg: reg}
	items := []float64{1, 2, 3}
	for _, it := range items {
		require.NoError(t, fc.dispatch(ctx, 1, it, format))
		result, errStr, err := fc.collect(ctx, 1)
		require.NoError(t, err)
		require.Empty(t, errStr)
		require.Equal(t, it*10, result)
	}
	require.NoError(t, fc.terminate(ctx, 1))

	require.NoError(t, <-done)
	require.True(t, initCalled)
	require.True(t, cleanupCalled)
	require.Equal(t, items, processed)
}

func TestWorkerReportsJobError(t *testing.T) {
	g := mem.NewGroup(2)
	reg := codec.NewRegistry()
	format := codec.FormatJSON
	ctx := context.Background()

	h := datasource.Handlers{
		Job: func(item any) (any, error) {
			return nil, fmt.Errorf("bad item: %v", item)
		},
	}
	w := New(g.Rank(1), h, Config{ControllerRank: 0, Format: format, Registry: reg, Logger: zap.NewNop()})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	fc := &fakeController{t: g.Rank(0), reg: reg}
	require.NoError(t, fc.dispatch(ctx, 1, "x", format))
	result, errStr, err := fc.collect(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, result)
	require.Contains(t, errStr, "bad item")

	require.NoError(t, fc.terminate(ctx, 1))
	require.NoError(t, <-done)
}

func TestWorkerReportsJobHandlerPanicAsError(t *testing.T) {
	g := mem.NewGroup(2)
	reg := codec.NewRegistry()
	format := codec.FormatJSON
	ctx := context.Background()

	h := datasource.Handlers{
		Job: func(item any) (any, error) {
			panic("job handler exploded")
		},
	}
	w := New(g.Rank(1), h, Config{ControllerRank: 0, Format: format, Registry: reg, Logger: zap.NewNop()})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	fc := &fakeController{t: g.Rank(0), reg: reg}
	require.NoError(t, fc.dispatch(ctx, 1, "x", format))
	result, errStr, err := fc.collect(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, result)
	require.Contains(t, errStr, "job handler exploded")

	require.NoError(t, fc.terminate(ctx, 1))
	require.NoError(t, <-done)
}

func TestWorkerImmediateTerminationSkipsJob(t *testing.T) {
	g := mem.NewGroup(2)
	reg := codec.NewRegistry()
	ctx := context.Background()

	jobCalled := false
	h := datasource.Handlers{
		Job: func(item any) (any, error) { jobCalled = true; return nil, nil },
	}
	w := New(g.Rank(1), h, Config{ControllerRank: 0, Format: codec.FormatJSON, Registry: reg, Logger: zap.NewNop()})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	fc := &fakeController{t: g.Rank(0), reg: reg}
	require.NoError(t, fc.terminate(ctx, 1))
	require.NoError(t, <-done)
	require.False(t, jobCalled)
}
