// Command bot is a headless predicted client: it spawns a ship, sends
// inputs at the tick rate while predicting locally, and reconciles
// against the snapshot stream. Useful for soaking the server and for
// watching reconciliation behavior under real latency.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"starlane.gg/internal/netstats"
	"starlane.gg/internal/protocol"
	"starlane.gg/internal/sim/phys"
	"starlane.gg/internal/sim/prediction"
	"starlane.gg/internal/sim/replication"
)

func main() {
	var (
		url  = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name = flag.String("name", "bot", "client name")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	welcome := awaitWelcome(conn, logger)
	logger.Printf("WELCOME session=%s tick_rate=%d quorum=%d", welcome.SessionID, welcome.TickRateHz, welcome.Quorum)

	spawn := protocol.SpawnMsg{
		Type:            protocol.TypeSpawn,
		ProtocolVersion: protocol.Version,
		Kind:            phys.KindShip,
		Location:        [3]float64{0, 0, 0},
		Rotation:        [4]float64{1, 0, 0, 0},
	}
	if err := conn.WriteJSON(spawn); err != nil {
		logger.Fatalf("send SPAWN: %v", err)
	}

	stats := netstats.New()
	dt := 1.0 / float64(welcome.TickRateHz)
	pred := prediction.New(phys.NewState(phys.Vec3{}, phys.QuatIdentity()), prediction.Config{
		Dt:    dt,
		Stats: stats,
	})

	var entityID atomic.Uint64
	resyncs := make(chan protocol.ResyncMsg, 4)
	go readLoop(conn, logger, pred, stats, &entityID, resyncs)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	ticker := time.NewTicker(time.Second / time.Duration(welcome.TickRateHz))
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var tick uint64
	for {
		select {
		case <-stop:
			return
		case rs := <-resyncs:
			pred.Resync(phys.State{
				Pos:    phys.V3(rs.Position),
				Vel:    phys.V3(rs.Velocity),
				Orient: phys.Q4(rs.Orientation),
				AngVel: phys.V3(rs.AngularVelocity),
			}, rs.LastProcessedSeq)
			logger.Printf("RESYNC tick=%d seq=%d", rs.Tick, rs.LastProcessedSeq)
		case <-ticker.C:
			tick++
			pred.DrainCorrections()
			if pred.ResyncNeeded() {
				_ = conn.WriteJSON(protocol.ResyncReqMsg{
					Type:            protocol.TypeResyncReq,
					ProtocolVersion: protocol.Version,
				})
			}

			in := wander(rng, tick)
			seq := pred.ApplyInput(in)
			msg := protocol.InputMsg{
				Type:            protocol.TypeInput,
				ProtocolVersion: protocol.Version,
				Seq:             seq,
				Thrust:          in.Thrust.Arr(),
				Torque:          in.Torque.Arr(),
				Brake:           in.Brake,
				TimestampMs:     time.Now().UnixMilli(),
			}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Printf("send INPUT: %v", err)
				return
			}

			if tick%300 == 0 {
				e := stats.Export()
				logger.Printf("tick=%d pos=%+v pending=%d reconciliations=%d avg_err=%.3f hard_snaps=%d",
					tick, pred.State().Pos, pred.PendingInputs(), e.ReconciliationCount, e.AveragePredictionError, e.HardSnaps)
			}
		}
	}
}

func awaitWelcome(conn *websocket.Conn, logger *log.Logger) protocol.WelcomeMsg {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Fatalf("await WELCOME: %v", err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeWelcome {
			continue
		}
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			logger.Fatalf("decode WELCOME: %v", err)
		}
		return w
	}
}

// readLoop ingests snapshots and feeds corrections for the bot's own
// entity into the predictor. Rows for other entities are decoded and
// dropped; the bot has no scene to update.
func readLoop(conn *websocket.Conn, logger *log.Logger, pred *prediction.Predictor, stats *netstats.Stats, entityID *atomic.Uint64, resyncs chan protocol.ResyncMsg) {
	var authoritative phys.State
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v", err)
			return
		}
		stats.AddBytesReceived(len(msg))

		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeSpawned:
			var sp protocol.SpawnedMsg
			if err := json.Unmarshal(msg, &sp); err != nil {
				continue
			}
			if sp.Code != "" {
				logger.Fatalf("SPAWNED rejected: %s %s", sp.Code, sp.Message)
			}
			entityID.Store(sp.EntityID)
			logger.Printf("SPAWNED entity=%d", sp.EntityID)

		case protocol.TypeSnapshot:
			var snap protocol.SnapshotMsg
			if err := json.Unmarshal(msg, &snap); err != nil {
				continue
			}
			myID := entityID.Load()
			for _, enc := range snap.Rows {
				comp, err := base64.StdEncoding.DecodeString(enc)
				if err != nil {
					continue
				}
				raw, err := replication.Decompress(comp)
				if err != nil {
					continue
				}
				row, err := replication.DecodeRow(raw)
				if err != nil {
					continue
				}
				if row.EntityID != myID || !row.HasInputSeq {
					continue
				}
				authoritative = row.Apply(authoritative)
				pred.EnqueueCorrection(prediction.Correction{
					State:            authoritative,
					LastProcessedSeq: row.LastProcessedSeq,
					Tick:             snap.Tick,
				})
			}

		case protocol.TypeResync:
			var rs protocol.ResyncMsg
			if err := json.Unmarshal(msg, &rs); err != nil {
				continue
			}
			select {
			case resyncs <- rs:
			default:
			}

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("ERROR %s: %s", e.Code, e.Message)
		}
	}
}

// wander produces a gentle figure-eight so reconciliation has real
// motion to chew on.
func wander(rng *rand.Rand, tick uint64) phys.Input {
	t := float64(tick) * 0.05
	in := phys.Input{
		Thrust: phys.Vec3{X: 20 * math.Cos(t), Y: 0, Z: 20 * math.Sin(2 * t)},
		Torque: phys.Vec3{Y: 0.5 * math.Sin(t)},
	}
	if rng.Intn(200) == 0 {
		in.Brake = true
	}
	return in
}
