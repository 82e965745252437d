package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farmwire/jobfarm/internal/datasource"
	"github.com/farmwire/jobfarm/pkg/codec"
	"github.com/farmwire/jobfarm/pkg/transport/mem"
)

func TestRunElectsControllerAndWorkerByRank(t *testing.T) {
	g := mem.NewGroup(3)
	reg := codec.NewRegistry()

	items := make([]any, 9)
	for i := range items {
		items[i] = float64(i)
	}
	ds := datasource.FromSlice(items)

	var mu sync.Mutex
	var results []float64
	controllerHandlers := datasource.Handlers{
		Results: func(r any) {
			mu.Lock()
			results = append(results, r.(float64))
			mu.Unlock()
		},
	}
	workerHandlers := datasource.Handlers{
		Job: func(item any) (any, error) { return item.(float64) + 1, nil },
	}

	cfg := Config{ControllerRank: 0, Format: codec.FormatJSON, Registry: reg, Logger: zap.NewNop()}

	var wg sync.WaitGroup
	ctx := context.Background()
	for r := 1; r < 3; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			require.NoError(t, Run(ctx, g.Rank(r), nil, workerHandlers, cfg))
		}(r)
	}

	require.NoError(t, Run(ctx, g.Rank(0), ds, controllerHandlers, cfg))
	wg.Wait()

	require.Len(t, results, 9)
}

func TestRunSingleRankEmptySourceCompletes(t *testing.T) {
	g := mem.NewGroup(1)
	reg := codec.NewRegistry()
	ds := datasource.FromSlice([]any{})
	cfg := Config{ControllerRank: 0, Format: codec.FormatJSON, Registry: reg, Logger: zap.NewNop()}

	require.NoError(t, Run(context.Background(), g.Rank(0), ds, datasource.Handlers{}, cfg))
}
