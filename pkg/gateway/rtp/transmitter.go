package rtp

import (
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"

	"github.com/vango-go/vai-call/pkg/core/audio"
)

// mulawSilence is the μ-law code for a zero sample.
const mulawSilence byte = 0xFF

type packetWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// TransmitterConfig sizes the outbound pacing buffer.
type TransmitterConfig struct {
	Frame     time.Duration
	LowWater  time.Duration
	HighWater time.Duration
	// MaxBuffered caps the buffer; audio beyond it is trimmed oldest first.
	MaxBuffered time.Duration
}

func (c TransmitterConfig) withDefaults() TransmitterConfig {
	if c.Frame <= 0 {
		c.Frame = audio.FrameDuration
	}
	if c.LowWater <= 0 {
		c.LowWater = 40 * time.Millisecond
	}
	if c.HighWater <= 0 {
		c.HighWater = 160 * time.Millisecond
	}
	if c.HighWater < c.LowWater {
		c.HighWater = c.LowWater
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 4 * c.HighWater
	}
	if c.MaxBuffered < c.HighWater {
		c.MaxBuffered = c.HighWater
	}
	return c
}

// Transmitter paces μ-law audio back to the telephony gateway as one RTP frame
// per tick. The pacing clock never waits on the producer: a tick with too little
// audio sends what it has, padded with silence, and records an underrun.
type Transmitter struct {
	callID string
	logger *slog.Logger
	conn   packetWriter

	frameBytes  int
	lowWater    int
	highWater   int
	maxBuffered int
	frame       time.Duration

	mu        sync.Mutex
	buf       []byte
	remote    *net.UDPAddr
	playing   bool
	draining  bool
	starved   bool
	marker    bool
	seq       uint16
	timestamp uint32
	ssrc      uint32

	framesSent   atomic.Uint64
	bytesSent    atomic.Uint64
	underruns    atomic.Uint64
	trimmedBytes atomic.Uint64
	sendErrors   atomic.Uint64
}

func newTransmitter(callID string, conn packetWriter, cfg TransmitterConfig, logger *slog.Logger) *Transmitter {
	cfg = cfg.withDefaults()
	return &Transmitter{
		callID:      callID,
		logger:      logger,
		conn:        conn,
		frame:       cfg.Frame,
		frameBytes:  audio.MulawBytes(cfg.Frame),
		lowWater:    audio.MulawBytes(cfg.LowWater),
		highWater:   audio.MulawBytes(cfg.HighWater),
		maxBuffered: audio.MulawBytes(cfg.MaxBuffered),
		marker:      true,
		seq:         uint16(rand.Uint32()),
		timestamp:   rand.Uint32(),
		ssrc:        rand.Uint32(),
	}
}

// Write queues μ-law audio for playback. It never blocks.
func (t *Transmitter) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.maxBuffered; over > 0 {
		n := copy(t.buf, t.buf[over:])
		t.buf = t.buf[:n]
		t.trimmedBytes.Add(uint64(over))
		t.logger.Warn("transmit buffer over cap, trimmed oldest audio",
			"call_id", t.callID,
			"trimmed_bytes", over,
		)
	}
	t.draining = false
	if !t.playing && len(t.buf) >= t.lowWater {
		t.playing = true
	}
}

// EndOfStream marks the current utterance complete so audio below the
// low-water mark is played out instead of waiting for more.
func (t *Transmitter) EndOfStream() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buf) > 0 {
		t.draining = true
		t.playing = true
	}
}

// Clear drops all buffered audio.
func (t *Transmitter) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.buf)
	t.buf = t.buf[:0]
	t.playing = false
	t.draining = false
	t.starved = false
	t.marker = true
	return n
}

// Backlogged reports whether the buffer is above the high-water mark.
func (t *Transmitter) Backlogged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf) > t.highWater
}

// Buffered returns the duration of audio waiting to be sent.
func (t *Transmitter) Buffered() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.MulawDuration(len(t.buf))
}

// SetRemote sets the destination. A nil addr is ignored.
func (t *Transmitter) SetRemote(addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	t.mu.Lock()
	t.remote = addr
	t.mu.Unlock()
}

// learnRemote sets the destination only if none is known yet.
func (t *Transmitter) learnRemote(addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote != nil {
		return false
	}
	cp := *addr
	t.remote = &cp
	return true
}

func (t *Transmitter) Remote() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// run drives the pacing clock until stop is closed.
func (t *Transmitter) run(stop <-chan struct{}) {
	ticker := time.NewTicker(t.frame)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

// tick emits at most one frame.
func (t *Transmitter) tick() {
	t.mu.Lock()
	if !t.playing {
		t.mu.Unlock()
		return
	}
	frameSamples := uint32(t.frameBytes)
	if len(t.buf) < t.lowWater && !t.draining {
		t.underruns.Add(1)
		if !t.starved {
			t.starved = true
			t.logger.Warn("transmit buffer underrun",
				"call_id", t.callID,
				"buffered_ms", audio.MulawDuration(len(t.buf)).Milliseconds(),
			)
		}
	} else {
		t.starved = false
	}
	if len(t.buf) == 0 {
		// Keep the media clock moving across the gap.
		t.timestamp += frameSamples
		t.marker = true
		if t.draining {
			t.playing = false
			t.draining = false
		}
		t.mu.Unlock()
		return
	}

	payload := make([]byte, t.frameBytes)
	n := copy(payload, t.buf)
	for i := n; i < len(payload); i++ {
		payload[i] = mulawSilence
	}
	rest := copy(t.buf, t.buf[n:])
	t.buf = t.buf[:rest]

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         t.marker,
			PayloadType:    audio.PayloadTypePCMU,
			SequenceNumber: t.seq,
			Timestamp:      t.timestamp,
			SSRC:           t.ssrc,
		},
		Payload: payload,
	}
	t.seq++
	t.timestamp += frameSamples
	t.marker = false
	remote := t.remote
	if len(t.buf) == 0 && t.draining {
		t.playing = false
		t.draining = false
		t.marker = true
	}
	t.mu.Unlock()

	if remote == nil {
		return
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.logger.Error("marshal rtp packet", "call_id", t.callID, "error", err)
		return
	}
	if _, err := t.conn.WriteToUDP(raw, remote); err != nil {
		t.sendErrors.Add(1)
		t.logger.Debug("rtp send failed", "call_id", t.callID, "remote", remote.String(), "error", err)
		return
	}
	t.framesSent.Add(1)
	t.bytesSent.Add(uint64(len(payload)))
}

// sendBye tells the remote side this stream has ended.
func (t *Transmitter) sendBye() {
	t.mu.Lock()
	remote := t.remote
	ssrc := t.ssrc
	t.mu.Unlock()
	if remote == nil {
		return
	}
	raw, err := rtcp.Marshal([]rtcp.Packet{&rtcp.Goodbye{Sources: []uint32{ssrc}, Reason: "call ended"}})
	if err != nil {
		t.logger.Debug("marshal rtcp bye", "call_id", t.callID, "error", err)
		return
	}
	if _, err := t.conn.WriteToUDP(raw, remote); err != nil {
		t.logger.Debug("send rtcp bye", "call_id", t.callID, "error", err)
	}
}

// SSRC returns the synchronization source of the outbound stream.
func (t *Transmitter) SSRC() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ssrc
}
