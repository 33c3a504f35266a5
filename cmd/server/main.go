package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"starlane.gg/internal/netstats"
	"starlane.gg/internal/persistence/indexdb"
	persistlog "starlane.gg/internal/persistence/log"
	"starlane.gg/internal/sim/consensus"
	"starlane.gg/internal/sim/phys"
	"starlane.gg/internal/sim/replication"
	"starlane.gg/internal/sim/tuning"
	"starlane.gg/internal/sim/world"
	"starlane.gg/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite read-model index")
		seedBodies = flag.Int("seed_bodies", 8, "number of server-owned orbital bodies to spawn at startup")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Default()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	stats := netstats.New()
	validator := consensus.NewValidator(consensus.Config{
		Quorum:         tune.Consensus.Quorum,
		ValidityWindow: time.Duration(tune.Consensus.ValidityWindowMs) * time.Millisecond,
		Shards:         tune.Consensus.Shards,
	})
	repl := replication.NewManager(tune.Replication.StalenessWeight, stats, logger)
	w := world.New(tune, validator, repl, stats, logger)

	// Optional: read-model index (does not affect sim determinism).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.RecordTuning(tune); err != nil {
			logger.Printf("index: record tuning: %v", err)
		}
	}

	tickLog := persistlog.NewTickLogger(*dataDir)
	auditLog := persistlog.NewAuditLogger(*dataDir)
	defer tickLog.Close()
	defer auditLog.Close()

	w.SetTickSink(func(e world.TickLogEntry) {
		if err := tickLog.WriteTick(e); err != nil {
			logger.Printf("tick log: %v", err)
		}
		if idx != nil {
			_ = idx.WriteTick(e)
		}
	})
	w.SetResolutionSink(func(r world.Resolution) {
		if idx != nil {
			idx.RecordResolution(r)
		}
	})
	w.SetDisagreementSink(func(d consensus.Disagreement) {
		if err := auditLog.WriteDisagreement(d); err != nil {
			logger.Printf("audit log: %v", err)
		}
		if idx != nil {
			idx.RecordDisagreement(d)
		}
	})

	seedWorld(w, *seedBodies, logger)

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/stats", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			Tick  uint64          `json:"tick"`
			Stats netstats.Export `json:"stats"`
		}{
			Tick:  w.Tick(),
			Stats: stats.Export(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		e := stats.Export()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP starlane_world_tick Current world tick.\n")
		fmt.Fprintf(rw, "# TYPE starlane_world_tick gauge\n")
		fmt.Fprintf(rw, "starlane_world_tick %d\n", w.Tick())

		fmt.Fprintf(rw, "# HELP starlane_latency_ms Rolling average round-trip latency.\n")
		fmt.Fprintf(rw, "# TYPE starlane_latency_ms gauge\n")
		fmt.Fprintf(rw, "starlane_latency_ms %.3f\n", e.LatencyMs)

		fmt.Fprintf(rw, "# HELP starlane_packet_loss_ratio Smoothed packet loss estimate.\n")
		fmt.Fprintf(rw, "# TYPE starlane_packet_loss_ratio gauge\n")
		fmt.Fprintf(rw, "starlane_packet_loss_ratio %.6f\n", e.PacketLossRatio)

		fmt.Fprintf(rw, "# HELP starlane_bytes_sent_total Total replication bytes sent.\n")
		fmt.Fprintf(rw, "# TYPE starlane_bytes_sent_total counter\n")
		fmt.Fprintf(rw, "starlane_bytes_sent_total %d\n", e.BytesSent)

		fmt.Fprintf(rw, "# HELP starlane_compression_ratio Compressed over raw payload bytes.\n")
		fmt.Fprintf(rw, "# TYPE starlane_compression_ratio gauge\n")
		fmt.Fprintf(rw, "starlane_compression_ratio %.6f\n", e.CompressionRatio)

		fmt.Fprintf(rw, "# HELP starlane_reconciliations_total Client reconciliation events.\n")
		fmt.Fprintf(rw, "# TYPE starlane_reconciliations_total counter\n")
		fmt.Fprintf(rw, "starlane_reconciliations_total %d\n", e.ReconciliationCount)
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(w, stats, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// seedWorld spawns server-owned bodies so the replication stream has
// content before any client spawns a ship: a ring of orbital bodies
// plus a beacon at the origin.
func seedWorld(w *world.World, n int, logger *log.Logger) {
	if _, err := w.SpawnDirect(phys.KindBeacon, phys.Vec3{}, phys.QuatIdentity(), 5); err != nil {
		logger.Printf("seed beacon: %v", err)
	}
	for i := 0; i < n; i++ {
		angle := 2 * math.Pi * float64(i) / float64(n)
		pos := phys.Vec3{
			X: 2000 * math.Cos(angle),
			Y: 0,
			Z: 2000 * math.Sin(angle),
		}
		if _, err := w.SpawnDirect(phys.KindOrbital, pos, phys.QuatIdentity(), 1); err != nil {
			logger.Printf("seed orbital %d: %v", i, err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
