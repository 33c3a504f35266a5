package replication

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"starlane.gg/internal/sim/phys"
)

// Delta wire layout: uvarint entity id, uvarint tick, one mask byte, then
// the masked field groups as little-endian float32 components. A full row
// carries pos[3] vel[3] orient[4] angvel[3].
const (
	maskPos    = 1 << 0
	maskVel    = 1 << 1
	maskOrient = 1 << 2
	maskAngVel = 1 << 3
	maskInput  = 1 << 6 // trailing uvarint last_processed_input_seq
	maskFull   = 1 << 7
)

// EncodeDelta serializes the difference between e.State and e.LastSent.
// A nil LastSent produces a full row. An unchanged state produces a
// header-only heartbeat row, which still refreshes the receiver's
// staleness view of the entity.
func EncodeDelta(e *Entity, tick uint64) ([]byte, error) {
	if !e.State.Finite() {
		return nil, fmt.Errorf("entity %d: non-finite state", e.ID)
	}

	var mask byte
	if e.LastSent == nil {
		mask = maskFull | maskPos | maskVel | maskOrient | maskAngVel
	} else {
		if e.State.Pos != e.LastSent.Pos {
			mask |= maskPos
		}
		if e.State.Vel != e.LastSent.Vel {
			mask |= maskVel
		}
		if e.State.Orient != e.LastSent.Orient {
			mask |= maskOrient
		}
		if e.State.AngVel != e.LastSent.AngVel {
			mask |= maskAngVel
		}
	}
	if e.ControlledBy != "" {
		mask |= maskInput
	}

	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], e.ID)
	buf.Write(tmp[:n])
	n = binary.PutUvarint(tmp[:], tick)
	buf.Write(tmp[:n])
	buf.WriteByte(mask)

	if mask&maskPos != 0 {
		writeVec3(&buf, e.State.Pos)
	}
	if mask&maskVel != 0 {
		writeVec3(&buf, e.State.Vel)
	}
	if mask&maskOrient != 0 {
		writeQuat(&buf, e.State.Orient)
	}
	if mask&maskAngVel != 0 {
		writeVec3(&buf, e.State.AngVel)
	}
	if mask&maskInput != 0 {
		n = binary.PutUvarint(tmp[:], uint64(e.LastProcessedInputSeq))
		buf.Write(tmp[:n])
	}
	return buf.Bytes(), nil
}

// Row is one decoded delta.
type Row struct {
	EntityID uint64
	Tick     uint64
	Mask     byte

	Pos    phys.Vec3
	Vel    phys.Vec3
	Orient phys.Quat
	AngVel phys.Vec3

	HasInputSeq      bool
	LastProcessedSeq uint32
}

func (r Row) Full() bool { return r.Mask&maskFull != 0 }

// Apply folds the row onto the receiver's previous view of the entity.
func (r Row) Apply(prev phys.State) phys.State {
	s := prev
	if r.Mask&maskPos != 0 {
		s.Pos = r.Pos
	}
	if r.Mask&maskVel != 0 {
		s.Vel = r.Vel
	}
	if r.Mask&maskOrient != 0 {
		s.Orient = r.Orient
	}
	if r.Mask&maskAngVel != 0 {
		s.AngVel = r.AngVel
	}
	return s
}

func DecodeRow(raw []byte) (Row, error) {
	var r Row
	rd := bytes.NewReader(raw)

	id, err := binary.ReadUvarint(rd)
	if err != nil {
		return r, fmt.Errorf("entity id: %w", err)
	}
	tick, err := binary.ReadUvarint(rd)
	if err != nil {
		return r, fmt.Errorf("tick: %w", err)
	}
	mask, err := rd.ReadByte()
	if err != nil {
		return r, fmt.Errorf("mask: %w", err)
	}
	r.EntityID, r.Tick, r.Mask = id, tick, mask

	if mask&maskPos != 0 {
		if r.Pos, err = readVec3(rd); err != nil {
			return r, err
		}
	}
	if mask&maskVel != 0 {
		if r.Vel, err = readVec3(rd); err != nil {
			return r, err
		}
	}
	if mask&maskOrient != 0 {
		if r.Orient, err = readQuat(rd); err != nil {
			return r, err
		}
	}
	if mask&maskAngVel != 0 {
		if r.AngVel, err = readVec3(rd); err != nil {
			return r, err
		}
	}
	if mask&maskInput != 0 {
		seq, err := binary.ReadUvarint(rd)
		if err != nil {
			return r, fmt.Errorf("input seq: %w", err)
		}
		r.HasInputSeq = true
		r.LastProcessedSeq = uint32(seq)
	}
	return r, nil
}

func writeVec3(buf *bytes.Buffer, v phys.Vec3) {
	writeF32(buf, v.X)
	writeF32(buf, v.Y)
	writeF32(buf, v.Z)
}

func writeQuat(buf *bytes.Buffer, q phys.Quat) {
	writeF32(buf, q.W)
	writeF32(buf, q.X)
	writeF32(buf, q.Y)
	writeF32(buf, q.Z)
}

func writeF32(buf *bytes.Buffer, f float64) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(f)))
	buf.Write(b[:])
}

func readVec3(rd *bytes.Reader) (phys.Vec3, error) {
	x, err := readF32(rd)
	if err != nil {
		return phys.Vec3{}, err
	}
	y, err := readF32(rd)
	if err != nil {
		return phys.Vec3{}, err
	}
	z, err := readF32(rd)
	if err != nil {
		return phys.Vec3{}, err
	}
	return phys.Vec3{X: x, Y: y, Z: z}, nil
}

func readQuat(rd *bytes.Reader) (phys.Quat, error) {
	w, err := readF32(rd)
	if err != nil {
		return phys.Quat{}, err
	}
	x, err := readF32(rd)
	if err != nil {
		return phys.Quat{}, err
	}
	y, err := readF32(rd)
	if err != nil {
		return phys.Quat{}, err
	}
	z, err := readF32(rd)
	if err != nil {
		return phys.Quat{}, err
	}
	return phys.Quat{W: w, X: x, Y: y, Z: z}, nil
}

func readF32(rd *bytes.Reader) (float64, error) {
	var b [4]byte
	if _, err := io.ReadFull(rd, b[:]); err != nil {
		return 0, fmt.Errorf("short row: %w", err)
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[:]))), nil
}

// Shared zstd codec. EncodeAll/DecodeAll on nil-stream coders is the
// stateless-compression pattern from the klauspost docs.
var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ = zstd.NewReader(nil)
)

// Compress is a pure function of its input.
func Compress(raw []byte) []byte { return zenc.EncodeAll(raw, nil) }

func Decompress(b []byte) ([]byte, error) { return zdec.DecodeAll(b, nil) }
