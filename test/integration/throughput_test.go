package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

type benchLV struct{}

func (benchLV) HasCanceledExtents() bool { return false }
func (benchLV) NumberOfExtents() int     { return 1 }

// BenchmarkVolumeThroughput measures dispatch of volume work items across
// eight round-robin queues.
func BenchmarkVolumeThroughput(b *testing.B) {
	s := startServer(b, "bb01", journalDir(b), 0, nil)

	const queues = 8
	for i := 0; i < queues; i++ {
		key := types.LVKey{Connection: "bench", UUID: fmt.Sprintf("lv-%d", i)}
		require.NoError(b, s.mgr.AddWrkQ(wrkqmgr.Held{}, key, benchLV{}, uint64(i), false))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := types.LVKey{Connection: "bench", UUID: fmt.Sprintf("lv-%d", i%queues)}
		require.NoError(b, s.mgr.AddWorkItem(types.WorkID{Key: key, Tag: uint64(i)}))
	}
	deadline := time.Now().Add(time.Minute)
	for s.mgr.SizeOfAllWorkQueues() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	b.StopTimer()
	require.Zero(b, s.mgr.SizeOfAllWorkQueues())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(b, s.mgr.ProcessAllOutstandingHPRequests(ctx, wrkqmgr.Held{}))
}
