package rtp

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rtpDatagram(t *testing.T, seq uint16, pt uint8, payload []byte) []byte {
	t.Helper()
	return rtpDatagramFrom(t, 0x1234, seq, pt, payload)
}

func rtpDatagramFrom(t *testing.T, ssrc uint32, seq uint16, pt uint8, payload []byte) []byte {
	t.Helper()
	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func frame(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

type chunkRecorder struct {
	chunks [][]byte
}

func (c *chunkRecorder) sink(chunk []byte) { c.chunks = append(c.chunks, chunk) }

func TestReceiver_FlushesAtMinChunk(t *testing.T) {
	r := newReceiver("c1", ReceiverConfig{}, discardLogger())
	rec := &chunkRecorder{}
	r.setSink(rec.sink)
	now := time.Unix(0, 0)

	r.handleDatagram(rtpDatagram(t, 10, 0, frame(160, 1)), now)
	if len(rec.chunks) != 0 {
		t.Fatalf("flushed below min chunk")
	}
	r.handleDatagram(rtpDatagram(t, 11, 0, frame(160, 2)), now)
	if len(rec.chunks) != 1 || len(rec.chunks[0]) != 320 {
		t.Fatalf("chunks=%d", len(rec.chunks))
	}
	if rec.chunks[0][0] != 1 || rec.chunks[0][319] != 2 {
		t.Fatalf("chunk payload out of order")
	}
}

func TestReceiver_TimerFlushesPartial(t *testing.T) {
	r := newReceiver("c1", ReceiverConfig{}, discardLogger())
	rec := &chunkRecorder{}
	r.setSink(rec.sink)
	r.handleDatagram(rtpDatagram(t, 1, 0, frame(80, 7)), time.Unix(0, 0))
	r.flush()
	if len(rec.chunks) != 1 || len(rec.chunks[0]) != 80 {
		t.Fatalf("partial flush chunks=%v", len(rec.chunks))
	}
	r.flush()
	if len(rec.chunks) != 1 {
		t.Fatalf("empty buffer flushed")
	}
}

func TestReceiver_SequenceGapsAndWraparound(t *testing.T) {
	r := newReceiver("c1", ReceiverConfig{}, discardLogger())
	rec := &chunkRecorder{}
	r.setSink(rec.sink)
	now := time.Unix(0, 0)

	for _, seq := range []uint16{65534, 65535, 0, 1} {
		r.handleDatagram(rtpDatagram(t, seq, 0, frame(160, 1)), now)
	}
	if r.gaps.Load() != 0 {
		t.Fatalf("wraparound counted as gap")
	}

	r.handleDatagram(rtpDatagram(t, 5, 0, frame(160, 1)), now)
	if r.gaps.Load() != 1 || r.lost.Load() != 3 {
		t.Fatalf("gaps=%d lost=%d", r.gaps.Load(), r.lost.Load())
	}

	before := r.bytes.Load()
	r.handleDatagram(rtpDatagram(t, 3, 0, frame(160, 1)), now)
	if r.late.Load() != 1 {
		t.Fatalf("late=%d", r.late.Load())
	}
	if got := len(rec.chunks); got != 2 {
		t.Fatalf("chunks=%d, late packet reached the sink", got)
	}
	if r.bytes.Load() != before+160 {
		t.Fatalf("bytes not counted for late packet")
	}
}

func TestReceiver_StreamRestartDoesNotBlockAudio(t *testing.T) {
	cases := []struct {
		name string
		ssrc uint32
	}{
		{name: "sequence reset", ssrc: 0x1234},
		{name: "new ssrc", ssrc: 0x9999},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newReceiver("c1", ReceiverConfig{}, discardLogger())
			rec := &chunkRecorder{}
			r.setSink(rec.sink)
			now := time.Unix(0, 0)

			for i := uint16(0); i < 10; i++ {
				r.handleDatagram(rtpDatagram(t, 5000+i, 0, frame(160, 1)), now)
			}
			before := len(rec.chunks)
			for i := uint16(0); i < 500; i++ {
				r.handleDatagram(rtpDatagramFrom(t, tc.ssrc, 100+i, 0, frame(160, 2)), now)
			}
			if got := len(rec.chunks) - before; got != 250 {
				t.Fatalf("chunks after restart=%d, want 250", got)
			}
			if r.late.Load() != 0 || r.restarts.Load() != 1 {
				t.Fatalf("late=%d restarts=%d", r.late.Load(), r.restarts.Load())
			}
		})
	}
}

func TestReceiver_SmallBackwardJumpIsLate(t *testing.T) {
	r := newReceiver("c1", ReceiverConfig{}, discardLogger())
	now := time.Unix(0, 0)
	r.handleDatagram(rtpDatagram(t, 500, 0, frame(160, 1)), now)
	r.handleDatagram(rtpDatagram(t, 500-maxMisorder, 0, frame(160, 1)), now)
	if r.late.Load() != 1 || r.restarts.Load() != 0 {
		t.Fatalf("late=%d restarts=%d", r.late.Load(), r.restarts.Load())
	}
}

func TestReceiver_RTCPIsCountedNotForwarded(t *testing.T) {
	r := newReceiver("c1", ReceiverConfig{}, discardLogger())
	rec := &chunkRecorder{}
	r.setSink(rec.sink)

	raw, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 1},
		&rtcp.Goodbye{Sources: []uint32{1}},
	})
	if err != nil {
		t.Fatalf("marshal rtcp: %v", err)
	}
	r.handleDatagram(raw, time.Unix(0, 0))
	r.flush()
	if r.rtcpPackets.Load() != 2 || !r.byeReceived.Load() {
		t.Fatalf("rtcp=%d bye=%v", r.rtcpPackets.Load(), r.byeReceived.Load())
	}
	if r.packets.Load() != 0 || len(rec.chunks) != 0 {
		t.Fatalf("rtcp treated as audio")
	}
}

func TestReceiver_IgnoresNonPCMUAndMalformed(t *testing.T) {
	r := newReceiver("c1", ReceiverConfig{}, discardLogger())
	rec := &chunkRecorder{}
	r.setSink(rec.sink)
	r.handleDatagram(rtpDatagram(t, 1, 101, []byte{1, 2, 3, 4}), time.Unix(0, 0))
	r.handleDatagram([]byte{0x80}, time.Unix(0, 0))
	r.flush()
	if r.ignored.Load() != 1 || r.malformed.Load() != 1 || len(rec.chunks) != 0 {
		t.Fatalf("ignored=%d malformed=%d chunks=%d", r.ignored.Load(), r.malformed.Load(), len(rec.chunks))
	}
}

func TestReceiver_NoSinkDropsChunks(t *testing.T) {
	r := newReceiver("c1", ReceiverConfig{MinChunk: 20 * time.Millisecond}, discardLogger())
	r.handleDatagram(rtpDatagram(t, 1, 0, frame(160, 1)), time.Unix(0, 0))
	if r.chunksDropped.Load() != 1 {
		t.Fatalf("dropped=%d", r.chunksDropped.Load())
	}
}
