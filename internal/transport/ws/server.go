// Package ws is the websocket session server. The handshake and reader/
// writer split mirror one connection per client: the reader dispatches
// INPUT and control messages into the world's channel inboxes, while
// OBSERVATION submissions go straight into the consensus validator on the
// reader goroutine — many connections submitting concurrently is the
// normal case the validator is built for.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"starlane.gg/internal/netstats"
	"starlane.gg/internal/protocol"
	"starlane.gg/internal/sim/consensus"
	"starlane.gg/internal/sim/phys"
	"starlane.gg/internal/sim/world"
)

type Server struct {
	world *world.World
	stats *netstats.Stats
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, stats *netstats.Stats, logger *log.Logger) *Server {
	return &Server{
		world: w,
		stats: stats,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			if s.stats != nil {
				s.stats.AddBytesReceived(len(msg))
			}
			s.dispatch(sessionID, out, msg)
		}

		s.world.Leave() <- sessionID
	}
}

func (s *Server) dispatch(sessionID string, out chan []byte, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.sendError(out, protocol.ErrProtoBadRequest, "unparseable message")
		return
	}
	if base.ProtocolVersion != protocol.Version {
		s.sendError(out, protocol.ErrProtoBadRequest, "bad protocol_version")
		return
	}

	switch base.Type {
	case protocol.TypeInput:
		var in protocol.InputMsg
		if err := json.Unmarshal(msg, &in); err != nil {
			s.sendError(out, protocol.ErrProtoBadRequest, "bad INPUT")
			return
		}
		if s.stats != nil && in.TimestampMs > 0 {
			// One-way estimate from the client's send timestamp.
			if d := time.Now().UnixMilli() - in.TimestampMs; d >= 0 {
				s.stats.ObserveLatency(float64(d))
			}
		}
		s.world.Inbox() <- world.InputEnvelope{
			SessionID: sessionID,
			Seq:       in.Seq,
			Input: phys.Input{
				Thrust: phys.V3(in.Thrust),
				Torque: phys.V3(in.Torque),
				Brake:  in.Brake,
			},
		}

	case protocol.TypeSpawn:
		var sp protocol.SpawnMsg
		if err := json.Unmarshal(msg, &sp); err != nil {
			s.sendError(out, protocol.ErrProtoBadRequest, "bad SPAWN")
			return
		}
		s.handleSpawn(sessionID, out, sp)

	case protocol.TypeObs:
		var obs protocol.ObsMsg
		if err := json.Unmarshal(msg, &obs); err != nil {
			s.sendError(out, protocol.ErrProtoBadRequest, "bad OBSERVATION")
			return
		}
		s.handleObservation(out, obs)

	case protocol.TypeResyncReq:
		s.world.ResyncReqs() <- sessionID

	default:
		s.sendError(out, protocol.ErrProtoBadRequest, "unknown type "+base.Type)
	}
}

func (s *Server) handleSpawn(sessionID string, out chan []byte, sp protocol.SpawnMsg) {
	if !phys.KnownKind(sp.Kind) {
		s.sendJSON(out, protocol.SpawnedMsg{
			Type:            protocol.TypeSpawned,
			ProtocolVersion: protocol.Version,
			Code:            protocol.ErrUnknownKind,
			Message:         "unknown kind " + sp.Kind,
		})
		return
	}
	resp := make(chan world.SpawnResponse, 1)
	s.world.Spawns() <- world.SpawnRequest{
		SessionID: sessionID,
		Kind:      sp.Kind,
		Pos:       phys.V3(sp.Location),
		Orient:    phys.Q4(sp.Rotation),
		Resp:      resp,
	}
	r := <-resp
	msg := protocol.SpawnedMsg{
		Type:            protocol.TypeSpawned,
		ProtocolVersion: protocol.Version,
		EntityID:        r.EntityID,
	}
	if r.Err != nil {
		msg.Code = protocol.ErrUnknownKind
		msg.Message = r.Err.Error()
	}
	s.sendJSON(out, msg)
}

// handleObservation runs on the reader goroutine. Submissions for the
// same target from different connections race here by design; atomicity
// lives inside the validator.
func (s *Server) handleObservation(out chan []byte, obs protocol.ObsMsg) {
	m := consensus.Measurement{
		ObserverID: obs.ObserverID,
		TargetID:   obs.TargetID,
		Origin:     phys.V3(obs.Origin),
		Dir:        phys.V3(obs.Direction),
		Distance:   obs.Distance,
		Scale:      obs.ScaleFactor,
		At:         time.UnixMilli(obs.TimestampMs),
	}
	res, err := s.world.Validator().Submit(m)

	reply := protocol.ObsResultMsg{
		Type:            protocol.TypeObsResult,
		ProtocolVersion: protocol.Version,
		TargetID:        obs.TargetID,
	}
	var rej *consensus.RejectedError
	switch {
	case errors.As(err, &rej):
		reply.Status = "rejected"
		reply.Code = protocol.ErrMeasurementRejected
		reply.Message = string(rej.Reason)
	case err != nil:
		reply.Status = "rejected"
		reply.Code = protocol.ErrInternal
		reply.Message = err.Error()
	case res.Status == consensus.Resolved:
		reply.Status = "resolved"
		reply.Distinct = res.Distinct
		pos := res.Position.Arr()
		reply.Position = &pos
		reply.Confidence = res.Confidence
	default:
		// Quorum pending: the normal state, reported with the code so
		// callers can tell it apart from rejection without parsing text.
		reply.Status = "collecting"
		reply.Distinct = res.Distinct
		reply.Code = protocol.ErrInsufficientQuorum
	}
	s.sendJSON(out, reply)
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}

	sessionID = uuid.NewString()
	out = make(chan []byte, 32)

	respCh := make(chan world.JoinResponse, 1)
	s.world.Join() <- world.JoinRequest{SessionID: sessionID, Out: out, Resp: respCh}
	resp := <-respCh

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		TickRateHz:      resp.TickRateHz,
		Quorum:          resp.Quorum,
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.world.Leave() <- sessionID
		return "", nil
	}
	return sessionID, out
}

func (s *Server) sendError(out chan []byte, code, message string) {
	s.sendJSON(out, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
}

func (s *Server) sendJSON(out chan []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		if s.log != nil {
			s.log.Printf("marshal outbound: %v", err)
		}
		return
	}
	select {
	case out <- b:
	default:
		// Slow client: drop the frame rather than stall the reader.
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
