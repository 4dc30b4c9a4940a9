package rtp

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"

	"github.com/vango-go/vai-call/pkg/core/audio"
)

// ReceiverConfig sizes inbound chunking.
type ReceiverConfig struct {
	MinChunk      time.Duration
	FlushInterval time.Duration
}

func (c ReceiverConfig) withDefaults() ReceiverConfig {
	if c.MinChunk <= 0 {
		c.MinChunk = 40 * time.Millisecond
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	return c
}

// AudioSink receives inbound μ-law chunks. It is called from the receive path
// and must not block.
type AudioSink func(chunk []byte)

// receiver accumulates inbound RTP payload into chunks of at least minChunk bytes.
type receiver struct {
	callID   string
	logger   *slog.Logger
	minChunk int

	mu      sync.Mutex
	buf     []byte
	sink    AudioSink
	haveSeq bool
	lastSeq uint16
	ssrc    uint32

	packets       atomic.Uint64
	bytes         atomic.Uint64
	gaps          atomic.Uint64
	lost          atomic.Uint64
	late          atomic.Uint64
	restarts      atomic.Uint64
	malformed     atomic.Uint64
	ignored       atomic.Uint64
	rtcpPackets   atomic.Uint64
	byeReceived   atomic.Bool
	chunksFlushed atomic.Uint64
	chunksDropped atomic.Uint64
	lastPacketAt  atomic.Int64
}

func newReceiver(callID string, cfg ReceiverConfig, logger *slog.Logger) *receiver {
	cfg = cfg.withDefaults()
	return &receiver{
		callID:   callID,
		logger:   logger,
		minChunk: audio.MulawBytes(cfg.MinChunk),
	}
}

func (r *receiver) setSink(s AudioSink) {
	r.mu.Lock()
	r.sink = s
	r.mu.Unlock()
}

// isRTCP distinguishes RTCP from RTP on a multiplexed port by the packet type
// octet (RFC 5761).
func isRTCP(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return b[1] >= 192 && b[1] <= 223
}

// handleDatagram processes one UDP datagram at time now.
func (r *receiver) handleDatagram(b []byte, now time.Time) {
	if isRTCP(b) {
		r.handleRTCP(b)
		return
	}
	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		r.malformed.Add(1)
		r.logger.Debug("drop malformed rtp packet", "call_id", r.callID, "error", err)
		return
	}
	r.packets.Add(1)
	r.lastPacketAt.Store(now.UnixNano())
	if pkt.PayloadType != audio.PayloadTypePCMU {
		// telephone-event and comfort noise are not audio for the AI.
		r.ignored.Add(1)
		return
	}
	if len(pkt.Payload) == 0 {
		return
	}
	r.bytes.Add(uint64(len(pkt.Payload)))

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.trackSequenceLocked(pkt.SSRC, pkt.SequenceNumber) {
		return
	}
	r.buf = append(r.buf, pkt.Payload...)
	if len(r.buf) >= r.minChunk {
		r.flushLocked()
	}
}

// maxMisorder is how far back a sequence number may be and still count as a
// late packet of the same stream. A larger jump back is a restarted stream.
const maxMisorder = 100

// trackSequenceLocked records gaps and reports whether the packet should be
// used. Late or duplicate packets are dropped since their audio slot has passed.
// A new SSRC or a large backward jump restarts tracking at the new sequence.
func (r *receiver) trackSequenceLocked(ssrc uint32, seq uint16) bool {
	if !r.haveSeq {
		r.haveSeq = true
		r.ssrc = ssrc
		r.lastSeq = seq
		return true
	}
	// Signed distance handles 16-bit wraparound.
	delta := int16(seq - r.lastSeq)
	if ssrc != r.ssrc || delta < -maxMisorder {
		r.restarts.Add(1)
		r.logger.Info("rtp stream restarted",
			"call_id", r.callID,
			"ssrc", ssrc,
			"previous_ssrc", r.ssrc,
			"seq", seq,
		)
		r.ssrc = ssrc
		r.lastSeq = seq
		return true
	}
	switch {
	case delta == 1:
	case delta > 1:
		missing := uint64(delta - 1)
		r.gaps.Add(1)
		r.lost.Add(missing)
		r.logger.Debug("rtp sequence gap",
			"call_id", r.callID,
			"expected", r.lastSeq+1,
			"got", seq,
			"missing", missing,
		)
	default:
		r.late.Add(1)
		return false
	}
	r.lastSeq = seq
	return true
}

func (r *receiver) handleRTCP(b []byte) {
	pkts, err := rtcp.Unmarshal(b)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Debug("drop malformed rtcp packet", "call_id", r.callID, "error", err)
		return
	}
	r.rtcpPackets.Add(uint64(len(pkts)))
	for _, p := range pkts {
		if bye, ok := p.(*rtcp.Goodbye); ok {
			r.byeReceived.Store(true)
			r.logger.Info("rtcp bye received", "call_id", r.callID, "reason", bye.Reason)
		}
	}
}

// flush releases any partial chunk.
func (r *receiver) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) > 0 {
		r.flushLocked()
	}
}

func (r *receiver) flushLocked() {
	chunk := make([]byte, len(r.buf))
	copy(chunk, r.buf)
	r.buf = r.buf[:0]
	if r.sink == nil {
		r.chunksDropped.Add(1)
		return
	}
	r.chunksFlushed.Add(1)
	r.sink(chunk)
}

// readLoop reads datagrams until the socket fails or is closed. learn is called
// with the source of every RTP packet.
func (r *receiver) readLoop(conn *net.UDPConn, learn func(*net.UDPAddr), now func() time.Time) error {
	buf := make([]byte, 1500)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if !isRTCP(buf[:n]) && learn != nil {
			learn(addr)
		}
		r.handleDatagram(buf[:n], now())
	}
}

// flushLoop force-flushes partial chunks every interval until stop is closed.
func (r *receiver) flushLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}
