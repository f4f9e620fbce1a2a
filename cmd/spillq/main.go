package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/spillq/internal/config"
	"github.com/rzbill/spillq/internal/spill"
	pebblestore "github.com/rzbill/spillq/internal/storage/pebble"
	logpkg "github.com/rzbill/spillq/pkg/log"
	"github.com/rzbill/spillq/pkg/queue"
)

func main() {
	cfg := cfgpkg.Default()
	cfgpkg.FromEnv(&cfg)

	level, err := logpkg.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logpkg.InfoLevel
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if cfg.LogFormat == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(formatter),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "spillq",
		Short: "spillq queue tools",
		Long:  "spillq is an embedded persistent work queue. This CLI inspects and exercises queue directories.",
	}
	rootCmd.PersistentFlags().String("data-dir", cfg.DataDir, "Directory holding queue stores")
	rootCmd.PersistentFlags().String("queue", "default", "Queue name")

	// stat
	statCmd := &cobra.Command{
		Use:   "stat",
		Short: "Show spill store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			fmt.Printf("entries:  %d\n", st.Size())
			fmt.Printf("last seq: %d\n", st.LastSeq())
			if seq, _, ok, err := st.PeekFrom(0); err == nil && ok {
				fmt.Printf("oldest:   %d\n", seq)
			} else {
				fmt.Printf("oldest:   -\n")
			}
			return nil
		},
	}
	rootCmd.AddCommand(statCmd)

	// peek
	peekCmd := &cobra.Command{
		Use:   "peek",
		Short: "Print the oldest spilled entries without removing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			st, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			var cursor uint64
			for printed := 0; printed < limit; printed++ {
				seq, payload, ok, err := st.PeekFrom(cursor)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				env, err := spill.DecodeEnvelope(payload)
				if err != nil {
					fmt.Printf("seq=%d  <corrupt: %v>\n", seq, err)
				} else {
					fmt.Printf("seq=%d  tries=%d  bytes=%d  %s\n",
						seq, env.TryCount, len(env.Payload), preview(env.Payload))
				}
				cursor = seq + 1
			}
			return nil
		},
	}
	peekCmd.Flags().Int("limit", 10, "Maximum entries to print")
	rootCmd.AddCommand(peekCmd)

	// drain
	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Remove every spilled entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("drain deletes all entries; re-run with --yes")
			}
			st, closeFn, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := context.Background()
			var removed uint64
			var cursor uint64
			for {
				seq, _, ok, err := st.PeekFrom(cursor)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				if err := st.Remove(ctx, seq); err != nil {
					return err
				}
				removed++
				cursor = seq + 1
			}
			fmt.Printf("removed %d entries\n", removed)
			return nil
		},
	}
	drainCmd.Flags().Bool("yes", false, "Confirm deletion")
	rootCmd.AddCommand(drainCmd)

	// bench
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a throughput benchmark with a no-op consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, name, err := storePath(cmd)
			if err != nil {
				return err
			}
			count, _ := cmd.Flags().GetInt("count")
			workers, _ := cmd.Flags().GetInt("workers")

			var consumed atomic.Int64
			done := make(chan struct{})
			q := queue.New[benchRecord]()
			err = q.Start(queue.Config[benchRecord]{
				Name:    name,
				Path:    dataDir,
				Workers: workers,
				Fsync:   fsyncMode(cfg),
				Logger:  logger,
				Consumer: queue.ConsumerFunc[benchRecord](func(d queue.Delivery[benchRecord]) queue.Verdict {
					if consumed.Add(1) == int64(count) {
						close(done)
					}
					return queue.Success
				}),
			})
			if err != nil {
				return err
			}
			defer func() { _ = q.Stop() }()

			start := time.Now()
			for i := 0; i < count; i++ {
				if err := q.SubmitWait(context.Background(), benchRecord{Seq: i}, time.Minute); err != nil {
					return fmt.Errorf("submit %d: %w", i, err)
				}
			}
			<-done
			elapsed := time.Since(start)
			fmt.Printf("records: %d\nelapsed: %v\nrate:    %.0f/s\n",
				count, elapsed.Round(time.Millisecond), float64(count)/elapsed.Seconds())
			return nil
		},
	}
	benchCmd.Flags().Int("count", 10000, "Records to push")
	benchCmd.Flags().Int("workers", 0, "Worker count (0 = NumCPU)")
	rootCmd.AddCommand(benchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type benchRecord struct {
	Seq int `json:"seq"`
}

func storePath(cmd *cobra.Command) (string, string, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	name, _ := cmd.Flags().GetString("queue")
	if dataDir == "" {
		return "", "", fmt.Errorf("--data-dir is required (or set SPILLQ_DATA_DIR)")
	}
	return dataDir, name, nil
}

func openStore(cmd *cobra.Command) (*spill.Store, func(), error) {
	dataDir, name, err := storePath(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(dataDir, name),
		Fsync:   pebblestore.FsyncModeAlways,
	})
	if err != nil {
		return nil, nil, err
	}
	st, err := spill.Open(db, name)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return st, func() { _ = db.Close() }, nil
}

func fsyncMode(cfg cfgpkg.Config) pebblestore.FsyncMode {
	switch cfg.FsyncMode {
	case "never":
		return pebblestore.FsyncModeNever
	case "interval":
		return pebblestore.FsyncModeInterval
	default:
		return pebblestore.FsyncModeAlways
	}
}

func preview(b []byte) string {
	const max = 48
	if len(b) > max {
		b = b[:max]
	}
	out := make([]byte, len(b))
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		out[i] = c
	}
	return string(out)
}
