// Command chronicle-bench drives internal/producer.Submit concurrently and
// reports append+apply latency percentiles, grounded on the teacher's
// HdrHistogram-go require (bench/bench_test.go in the retrieval pack
// exercises raft's own StoreLogs benchmark harness instead of this
// dependency's actual API, so this tool is the first real caller of it in
// the module; see DESIGN.md).
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/chronicle/chronicle/internal/boot"
	"github.com/chronicle/chronicle/internal/codec"
	"github.com/chronicle/chronicle/internal/config"
)

func main() {
	var (
		configPath  string
		duration    time.Duration
		concurrency int
		entrySize   int
		dbName      string
		tableName   string
	)

	root := &cobra.Command{
		Use:   "chronicle-bench",
		Short: "load-generate against a running Chronicle producer path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, duration, concurrency, entrySize, dbName, tableName)
		},
	}
	root.Flags().StringVar(&configPath, "config", "chronicle.yaml", "path to chronicle.yaml")
	root.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to generate load")
	root.Flags().IntVar(&concurrency, "concurrency", 8, "number of concurrent submitters")
	root.Flags().IntVar(&entrySize, "entry-size", 64, "bytes of random payload per entry's \"v\" field")
	root.Flags().StringVar(&dbName, "db", "bench", "target db_name for generated entries")
	root.Flags().StringVar(&tableName, "table", "bench_rows", "target table_name for generated entries")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, duration time.Duration, concurrency, entrySize int, dbName, tableName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.NewNopLogger()
	sys, err := boot.Boot(context.Background(), cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("booting: %w", err)
	}
	defer sys.Close()

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	hist := hdrhistogram.New(1, 10_000_000, 3) // microseconds, 1us..10s
	var histMu sync.Mutex
	var submitted, failed int64

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(worker) + time.Now().UnixNano()))
			for i := 0; ; i++ {
				select {
				case <-ctx.Done():
					return
				default:
				}

				entry := codec.Entry{
					DBName:    dbName,
					TableName: tableName,
					Operation: codec.OpUpsert,
					Data: map[string]codec.Value{
						"id": codec.StringValue(fmt.Sprintf("%d-%d", worker, i)),
						"v":  codec.StringValue(randomString(rng, entrySize)),
					},
				}

				start := time.Now()
				_, err := sys.Producer.SubmitEntry(ctx, entry)
				elapsedMicros := time.Since(start).Microseconds()

				if err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&submitted, 1)
				histMu.Lock()
				_ = hist.RecordValue(elapsedMicros)
				histMu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	fmt.Printf("submitted=%d failed=%d\n", submitted, failed)
	fmt.Printf("p50=%dus p95=%dus p99=%dus max=%dus\n",
		hist.ValueAtQuantile(50), hist.ValueAtQuantile(95), hist.ValueAtQuantile(99), hist.Max())
	return nil
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}
