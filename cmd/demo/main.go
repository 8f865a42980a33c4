package main

// Demo: two bbqueue servers share one async request journal. Each drains its
// own volume queues while requests appended by one are executed by the other.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/internal/worker"
	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

type demoLV struct{ extents int }

func (demoLV) HasCanceledExtents() bool { return false }
func (l demoLV) NumberOfExtents() int   { return l.extents }

type node struct {
	name string
	mgr  *wrkqmgr.Manager
	pool *worker.Pool
}

func startNode(ctx context.Context, name, dir string) (*node, error) {
	store, err := journal.Open(journal.Options{Dir: dir})
	if err != nil {
		return nil, err
	}
	cfg := wrkqmgr.DefaultConfig()
	cfg.Hostname = name
	cfg.ThrottleInterval = 50 * time.Millisecond
	cfg.AsyncRequestReadInterval = 200 * time.Millisecond
	mgr, err := wrkqmgr.New(ctx, cfg, store)
	if err != nil {
		return nil, err
	}
	mgr.Start(ctx)

	transfer := worker.TransferFunc(func(ctx context.Context, w types.WorkID) error {
		time.Sleep(time.Duration(w.Extent.Length/1024) * time.Millisecond)
		return nil
	})
	handler := worker.AsyncHandlerFunc(func(_ context.Context, req journal.AsyncRequest, cmd journal.Command) error {
		fmt.Printf("  [%s] executing %q from %s\n", name, cmd.String(), req.Hostname)
		return nil
	})
	pool := worker.NewPool(mgr, transfer, handler, 256)
	if err := pool.Start(ctx, 4); err != nil {
		return nil, err
	}
	go func() {
		for range pool.Results() {
		}
	}()
	return &node{name: name, mgr: mgr, pool: pool}, nil
}

func (n *node) stop() {
	n.pool.Stop()
	n.mgr.Stop()
}

func main() {
	log.SetLevel(log.WarnLevel)

	dir, err := os.MkdirTemp("", "bbqueue-demo")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)
	journalDir := filepath.Join(dir, "async")
	if err := os.MkdirAll(journalDir, 0o755); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := startNode(ctx, "bb01", journalDir)
	if err != nil {
		log.Fatal(err)
	}
	defer a.stop()
	b, err := startNode(ctx, "bb02", journalDir)
	if err != nil {
		log.Fatal(err)
	}
	defer b.stop()
	fmt.Printf("✓ Started %s and %s sharing %s\n", a.name, b.name, journalDir)

	// Three volumes on bb01, the last one throttled to 2 MiB/s.
	for i := 1; i <= 3; i++ {
		key := types.LVKey{Connection: "demo", UUID: fmt.Sprintf("lv-%d", i)}
		if err := a.mgr.AddWrkQ(wrkqmgr.Held{}, key, demoLV{extents: 20}, uint64(100+i), false); err != nil {
			log.Fatal(err)
		}
		for tag := 0; tag < 20; tag++ {
			w := types.WorkID{Key: key, Tag: uint64(tag), Extent: types.ExtentInfo{Handle: uint64(i), ContribID: uint32(tag), Length: 64 << 10}}
			if err := a.mgr.AddWorkItem(w); err != nil {
				log.Fatal(err)
			}
		}
	}
	if err := a.mgr.SetThrottleRate(types.LVKey{Connection: "demo", UUID: "lv-3"}, 2<<20); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("✓ Queued %d extents on %s\n", a.mgr.SizeOfAllWorkQueues(), a.name)

	// bb02 asks every server to cancel job 102.
	pos, err := b.mgr.AppendCommand(ctx, journal.Command{Verb: journal.VerbCancel, JobID: 102})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("✓ %s appended a cancel at %s\n", b.name, pos)

	for i := 0; i < 40 && a.mgr.SizeOfAllWorkQueues() > 0; i++ {
		time.Sleep(100 * time.Millisecond)
	}

	for _, n := range []*node{a, b} {
		if err := n.mgr.ProcessAllOutstandingHPRequests(ctx, wrkqmgr.Held{}); err != nil {
			log.Fatal(err)
		}
		st := n.mgr.Status()
		fmt.Printf("\n📊 %s: processed=%d hp_processed=%d next=%s\n",
			n.name, st.Processed, st.HP.Processed, n.mgr.NextOffsetToProcess())
		for _, q := range st.Queues {
			fmt.Printf("  %s job=%d size=%d rate=%d processed=%d\n", q.UUID, q.JobID, q.Size, q.Rate, q.Processed)
		}
	}
}
