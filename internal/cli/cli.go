// ============================================================================
// bbqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面，啟動 WRKQMGR 伺服器並提供管理工具
//
// Command Structure:
//   bbqueue                        # Root command
//   ├── run                        # 啟動 manager、worker pool、gRPC 與 metrics
//   ├── append                     # 追加一筆 async request
//   │   └── --server              # 經由執行中的伺服器追加
//   ├── status                     # 顯示 manager 狀態（gRPC 或快照檔）
//   ├── verify                     # 驗證 journal 檔案
//   │   └── --dump <seq>          # 輸出某個檔案的全部記錄
//   ├── --config, -c               # YAML 設定檔
//   └── --version
//
// run Command:
//   1. 載入設定並設定 logrus 等級，安裝 flight log hook
//   2. 開啟並驗證 journal（StartServer maintenance）
//   3. 建立 WRKQMGR（Prometheus collector、快照 sink）並啟動 timer
//   4. 啟動 worker pool 與 gRPC 伺服器
//   5. 收到 SIGINT / SIGTERM 後：停止 gRPC、等待已讀取的 async request
//      完成、停止 worker、寫入最後一份快照
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/bbqueue/internal/flightlog"
	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/internal/metrics"
	"github.com/ChuLiYu/bbqueue/internal/server"
	"github.com/ChuLiYu/bbqueue/internal/snapshot"
	"github.com/ChuLiYu/bbqueue/internal/worker"
	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
	"github.com/ChuLiYu/bbqueue/pkg/types"
)

// drainTimeout bounds the wait for outstanding async requests at shutdown.
const drainTimeout = 30 * time.Second

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "bbqueue",
		Short: "bbqueue: burst buffer work queue manager",
		Long: `bbqueue schedules burst buffer transfers with:
- per-volume work queues with round-robin and throttled selection
- a high priority queue fed by a cross-server async request journal
- cancel-first draining and per-server heartbeats`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand(&configFile))
	rootCmd.AddCommand(buildAppendCommand(&configFile))
	rootCmd.AddCommand(buildStatusCommand(&configFile))
	rootCmd.AddCommand(buildVerifyCommand(&configFile))

	return rootCmd
}

func dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	return conn, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the work queue manager",
		Long:  "Start the work queue manager, its workers, the gRPC service and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

// backupSink writes status snapshots keeping older copies.
type backupSink struct {
	snap *snapshot.Manager
	keep int
}

func (s backupSink) Write(st wrkqmgr.Status) error {
	return s.snap.WriteWithBackup(st, s.keep)
}

// logTransfer stands in for the burst buffer transfer engine.
func logTransfer(_ context.Context, w types.WorkID) error {
	log.WithFields(log.Fields{
		"key":    w.Key.String(),
		"tag":    w.Tag,
		"handle": w.Extent.Handle,
		"length": w.Extent.Length,
	}).Debug("extent transferred")
	return nil
}

func logAsyncRequest(_ context.Context, req journal.AsyncRequest, cmd journal.Command) error {
	log.WithFields(log.Fields{"host": req.Hostname, "request": cmd.String()}).Info("async request executed")
	return nil
}

// runServer runs until ctx is done, then shuts down in order.
func runServer(ctx context.Context, cfg *Config) error {
	lvl, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	formatter, err := cfg.Formatter()
	if err != nil {
		return err
	}
	logger := log.StandardLogger()
	logger.SetLevel(lvl)
	logger.SetFormatter(formatter)
	flightlog.Install(logger, flightlog.Default)

	store, err := journal.Open(cfg.JournalOptions())
	if err != nil {
		return err
	}
	defer store.Close()
	if _, err := store.Verify(ctx, journal.StartServer); err != nil {
		return errors.Wrap(err, "failed to verify async request journal")
	}

	collector := metrics.NewCollector()
	mcfg := cfg.ManagerConfig()
	mcfg.Logger = logger
	mcfg.Metrics = collector
	var snap *snapshot.Manager
	if cfg.Snapshot.Path != "" {
		snap = snapshot.NewManager(cfg.Snapshot.Path)
		mcfg.StatusSink = backupSink{snap: snap, keep: cfg.Snapshot.RetentionCount}
	}

	// Workers and the manager outlive ctx so outstanding requests can drain.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	mgr, err := wrkqmgr.New(runCtx, mcfg, store)
	if err != nil {
		return errors.Wrap(err, "failed to create work queue manager")
	}
	mgr.Start(runCtx)
	defer mgr.Stop()

	pool := worker.NewPool(mgr, worker.TransferFunc(logTransfer), worker.AsyncHandlerFunc(logAsyncRequest), cfg.Worker.BufferSize)
	if err := pool.Start(runCtx, cfg.Worker.WorkerCount); err != nil {
		return errors.Wrap(err, "failed to start worker pool")
	}
	go func() {
		for res := range pool.Results() {
			collector.RecordWorkItem(res.HP, res.Duration, res.Error != nil)
			if res.Error != nil {
				log.WithError(res.Error).WithField("work", res.Work.String()).Warn("work item failed")
			}
		}
	}()

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		pool.Stop()
		return errors.Wrapf(err, "failed to listen on %s", cfg.Server.Addr)
	}
	srv := server.NewServer(mgr)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.WithError(err).Error("gRPC server stopped")
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			log.WithField("addr", cfg.Metrics.Addr).Info("starting metrics server")
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				log.WithError(err).Error("metrics server error")
			}
		}()
	}

	log.WithFields(log.Fields{
		"hostname": cfg.Hostname,
		"journal":  cfg.Journal.Dir,
		"workers":  cfg.Worker.WorkerCount,
		"addr":     lis.Addr().String(),
	}).Info("bbqueue started")

	<-ctx.Done()
	log.Info("received shutdown signal, stopping gracefully")

	srv.Stop()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	if err := mgr.ProcessAllOutstandingHPRequests(drainCtx, wrkqmgr.Held{}); err != nil {
		log.WithError(err).Warn("outstanding async requests not drained")
	}
	cancelDrain()
	if err := pool.Stop(); err != nil {
		log.WithError(err).Warn("worker pool stop")
	}
	mgr.Stop()
	mgr.Dump(log.InfoLevel, " at shutdown", wrkqmgr.DumpAlways)

	if snap != nil {
		if err := snap.Write(mgr.Status()); err != nil {
			return errors.Wrap(err, "failed to write final snapshot")
		}
	}
	log.Info("bbqueue stopped")
	return nil
}

// ============================================================================
// append
// ============================================================================

func buildAppendCommand(configFile *string) *cobra.Command {
	var (
		serverAddr string
		cmdArgs    journal.Command
	)

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an async request to the journal",
		Long:  "Append an async request for every server to process. Use --server to append through a running bbqueue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmdArgs.Verb == "" {
				return errors.New("verb is required (use --verb)")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var pos journal.Position
			var err error
			if serverAddr != "" {
				pos, err = appendRemote(ctx, serverAddr, cmdArgs)
			} else {
				pos, err = appendLocal(ctx, *configFile, cmdArgs)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "appended %s at %s\n", cmdArgs.String(), pos)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&serverAddr, "server", "", "bbqueue gRPC address (e.g. localhost:50051)")
	f.StringVar(&cmdArgs.Verb, "verb", "", "request verb, e.g. cancel or stoprequest")
	f.Uint64Var(&cmdArgs.JobID, "job-id", 0, "job id")
	f.Uint64Var(&cmdArgs.JobStepID, "job-step-id", 0, "job step id")
	f.Uint64Var(&cmdArgs.Handle, "handle", 0, "transfer handle")
	f.Uint32Var(&cmdArgs.ContribID, "contrib-id", 0, "contributor id")
	f.Uint64Var(&cmdArgs.CancelScope, "cancel-scope", 0, "cancel scope")
	f.StringVar(&cmdArgs.Str1, "str1", "", "first string argument")
	f.StringVar(&cmdArgs.Str2, "str2", "", "second string argument")
	cmd.MarkFlagRequired("verb")

	return cmd
}

func appendRemote(ctx context.Context, addr string, c journal.Command) (journal.Position, error) {
	conn, err := dial(addr)
	if err != nil {
		return journal.Position{}, err
	}
	defer conn.Close()
	return server.NewClient(conn).AppendRequest(ctx, c)
}

func appendLocal(ctx context.Context, configFile string, c journal.Command) (journal.Position, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return journal.Position{}, err
	}
	store, err := journal.Open(cfg.JournalOptions())
	if err != nil {
		return journal.Position{}, err
	}
	defer store.Close()
	return store.Append(ctx, journal.NewAsyncRequest(cfg.Hostname, c))
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(configFile *string) *cobra.Command {
	var (
		serverAddr string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show work queue manager status",
		Long:  "Display queue, async request and heartbeat state from a running server (--server) or from the last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, source, err := fetchStatus(ctx, *configFile, serverAddr)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(out, source, st)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverAddr, "server", "", "bbqueue gRPC address; reads the snapshot file when empty")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func fetchStatus(ctx context.Context, configFile, serverAddr string) (wrkqmgr.Status, string, error) {
	if serverAddr != "" {
		conn, err := dial(serverAddr)
		if err != nil {
			return wrkqmgr.Status{}, "", err
		}
		defer conn.Close()
		st, err := server.NewClient(conn).GetStatus(ctx)
		return st, serverAddr, err
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return wrkqmgr.Status{}, "", err
	}
	if cfg.Snapshot.Path == "" {
		return wrkqmgr.Status{}, "", errors.New("no snapshot path configured (use --server)")
	}
	doc, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	if err != nil {
		return wrkqmgr.Status{}, "", err
	}
	return doc.Status, cfg.Snapshot.Path, nil
}

func printStatus(w io.Writer, source string, st wrkqmgr.Status) {
	fmt.Fprintf(w, "Work queue manager on %s (%s, from %s)\n", st.Hostname, st.Time.Format(time.RFC3339), source)
	fmt.Fprintf(w, "  throttle mode: %t  turbo factor: %g  processed: %d  semaphore: %d\n",
		st.ThrottleMode, st.TurboFactor, st.Processed, st.Semaphore)

	last := "none"
	if st.HP.LastProcessed.Offset != wrkqmgr.StartAtOffsetZero {
		last = st.HP.LastProcessed.String()
	}
	fmt.Fprintf(w, "  HP: size=%d enqueued=%d processed=%d inflight=%d hp=%d cancel=%d next_read=%s last_done=%s\n",
		st.HP.Size, st.HP.Enqueued, st.HP.Processed, st.HP.Inflight,
		st.HP.ConcurrentHP, st.HP.ConcurrentCancel, st.HP.ReadCursor, last)
	if len(st.HP.OutOfOrder) > 0 {
		fmt.Fprintf(w, "  out of order: %v\n", st.HP.OutOfOrder)
	}

	fmt.Fprintf(w, "  %d volume queue(s)\n", len(st.Queues))
	for _, q := range st.Queues {
		flags := ""
		if q.Suspended {
			flags += " suspended"
		}
		if q.Canceled {
			flags += " canceled"
		}
		fmt.Fprintf(w, "    %s:%s job=%d size=%d rate=%d bucket=%d processed=%d%s\n",
			q.Connection, q.UUID, q.JobID, q.Size, q.Rate, q.Bucket, q.Processed, flags)
	}
	for host, hb := range st.Heartbeats {
		fmt.Fprintf(w, "  heartbeat %s: count=%d server_time=%s\n", host, hb.Count, hb.ServerTime)
	}
}

// ============================================================================
// verify
// ============================================================================

func buildVerifyCommand(configFile *string) *cobra.Command {
	var (
		maintenance string
		dumpSeq     int
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the async request journal",
		Long:  "Verify the async request files, report per-file statistics and any damaged records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			opt, err := parseMaintenance(maintenance)
			if err != nil {
				return err
			}
			return verifyJournal(cmd.Context(), cmd.OutOrStdout(), cfg, opt, dumpSeq)
		},
	}
	cmd.Flags().StringVar(&maintenance, "maintenance", "none", "maintenance to apply: none, minimal, full, create_new_file")
	cmd.Flags().IntVar(&dumpSeq, "dump", 0, "dump every record of this file sequence number")
	return cmd
}

func parseMaintenance(s string) (journal.MaintenanceOption, error) {
	for _, o := range []journal.MaintenanceOption{
		journal.NoMaintenance, journal.MinimalMaintenance, journal.FullMaintenance, journal.CreateNewFile,
	} {
		if o.String() == s {
			return o, nil
		}
	}
	return journal.NoMaintenance, errors.Errorf("unknown maintenance option %q", s)
}

func verifyJournal(ctx context.Context, w io.Writer, cfg *Config, opt journal.MaintenanceOption, dumpSeq int) error {
	store, err := journal.Open(cfg.JournalOptions())
	if err != nil {
		return err
	}
	defer store.Close()

	seq, err := store.Verify(ctx, opt)
	if err != nil {
		return err
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "journal %s: newest file %d, record size %d\n", store.Dir(), seq, store.RecordSize())
	for _, st := range stats {
		torn := ""
		if st.Torn {
			torn = " TORN"
		}
		fmt.Fprintf(w, "  %s_%d: size=%d records=%d empty=%d%s\n", journal.BaseFileName, st.Seq, st.Size, st.Records, st.Empty, torn)
	}

	if dumpSeq > 0 {
		if err := store.DumpJournal(ctx, dumpSeq, w); err != nil {
			return errors.Wrapf(err, "failed to dump file %d", dumpSeq)
		}
	}

	problems, err := store.ValidateJournal(ctx)
	if err != nil {
		return err
	}
	for _, p := range problems {
		fmt.Fprintf(w, "  problem: %s\n", p)
	}
	if len(problems) > 0 {
		return errors.Errorf("%d problem(s) found", len(problems))
	}
	fmt.Fprintln(w, "journal OK")
	return nil
}

// Execute runs the root command, exiting non-zero on error.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
