// Package rtp owns the per-call UDP audio endpoints: an inbound receiver that
// chunks caller audio and an outbound transmitter that paces AI audio back to
// the telephony gateway, both sharing one socket per call.
package rtp

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Config tunes every listener a Manager starts.
type Config struct {
	BindIP      string
	Receiver    ReceiverConfig
	Transmitter TransmitterConfig
}

// Listener is the receiver/transmitter pair of one call.
type Listener struct {
	CallID    string
	ChannelID string
	Port      int
	StartedAt time.Time

	conn   *net.UDPConn
	recv   *receiver
	tx     *Transmitter
	logger *slog.Logger

	flushInterval time.Duration

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func newListener(conn *net.UDPConn, port int, callID, channelID string, cfg Config, logger *slog.Logger, now time.Time) *Listener {
	logger = logger.With("call_id", callID, "port", port)
	rc := cfg.Receiver.withDefaults()
	return &Listener{
		CallID:        callID,
		ChannelID:     channelID,
		Port:          port,
		StartedAt:     now,
		conn:          conn,
		recv:          newReceiver(callID, rc, logger),
		tx:            newTransmitter(callID, conn, cfg.Transmitter, logger),
		logger:        logger,
		flushInterval: rc.FlushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// run starts the receive, flush and pacing goroutines. onFailure is called once
// if the socket fails while the listener is still open.
func (l *Listener) run(onFailure func(*Listener, error)) {
	l.wg.Add(3)
	go func() {
		err := l.recv.readLoop(l.conn, l.learnRemote, time.Now)
		// Released before onFailure, which may Close the listener.
		l.wg.Done()
		select {
		case <-l.stop:
			return
		default:
		}
		l.setErr(err)
		l.logger.Error("rtp socket failed", "error", err)
		if onFailure != nil {
			onFailure(l, err)
		}
	}()
	go func() {
		defer l.wg.Done()
		l.recv.flushLoop(l.flushInterval, l.stop)
	}()
	go func() {
		defer l.wg.Done()
		l.tx.run(l.stop)
	}()
}

func (l *Listener) learnRemote(addr *net.UDPAddr) {
	if l.tx.learnRemote(addr) {
		l.logger.Info("learned remote rtp address", "remote", addr.String())
	}
}

// SetAudioSink directs inbound chunks to sink. Chunks flushed before a sink is
// set are dropped.
func (l *Listener) SetAudioSink(sink AudioSink) {
	l.recv.setSink(sink)
}

// SetRemote overrides the destination learned from inbound packets.
func (l *Listener) SetRemote(addr *net.UDPAddr) {
	l.tx.SetRemote(addr)
}

// Transmitter returns the outbound side.
func (l *Listener) Transmitter() *Transmitter {
	return l.tx
}

// Done is closed once the listener has shut down.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the socket error that tore the listener down, if any.
func (l *Listener) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Listener) setErr(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
}

// Close flushes pending inbound audio, sends an RTCP BYE and closes the socket.
// It is safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stop)
		l.recv.flush()
		l.tx.sendBye()
		err = l.conn.Close()
		l.wg.Wait()
		close(l.done)
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// ListenerStats is a point-in-time view of one listener.
type ListenerStats struct {
	CallID     string    `json:"call_id"`
	ChannelID  string    `json:"channel_id"`
	Port       int       `json:"port"`
	StartedAt  time.Time `json:"started_at"`
	RemoteAddr string    `json:"remote_addr,omitempty"`

	PacketsReceived  uint64     `json:"packets_received"`
	BytesReceived    uint64     `json:"bytes_received"`
	SequenceGaps     uint64     `json:"sequence_gaps"`
	PacketsLost      uint64     `json:"packets_lost"`
	LatePackets      uint64     `json:"late_packets"`
	StreamRestarts   uint64     `json:"stream_restarts"`
	MalformedPackets uint64     `json:"malformed_packets"`
	IgnoredPackets   uint64     `json:"ignored_packets"`
	RTCPPackets      uint64     `json:"rtcp_packets"`
	ByeReceived      bool       `json:"bye_received"`
	ChunksFlushed    uint64     `json:"chunks_flushed"`
	ChunksDropped    uint64     `json:"chunks_dropped"`
	LastPacketAt     *time.Time `json:"last_packet_at,omitempty"`

	FramesSent   uint64 `json:"frames_sent"`
	BytesSent    uint64 `json:"bytes_sent"`
	Underruns    uint64 `json:"underruns"`
	TrimmedBytes uint64 `json:"trimmed_bytes"`
	SendErrors   uint64 `json:"send_errors"`
	BufferedMS   int64  `json:"buffered_ms"`
	Backlogged   bool   `json:"backlogged"`
}

func (l *Listener) Stats() ListenerStats {
	s := ListenerStats{
		CallID:           l.CallID,
		ChannelID:        l.ChannelID,
		Port:             l.Port,
		StartedAt:        l.StartedAt,
		PacketsReceived:  l.recv.packets.Load(),
		BytesReceived:    l.recv.bytes.Load(),
		SequenceGaps:     l.recv.gaps.Load(),
		PacketsLost:      l.recv.lost.Load(),
		LatePackets:      l.recv.late.Load(),
		StreamRestarts:   l.recv.restarts.Load(),
		MalformedPackets: l.recv.malformed.Load(),
		IgnoredPackets:   l.recv.ignored.Load(),
		RTCPPackets:      l.recv.rtcpPackets.Load(),
		ByeReceived:      l.recv.byeReceived.Load(),
		ChunksFlushed:    l.recv.chunksFlushed.Load(),
		ChunksDropped:    l.recv.chunksDropped.Load(),
		FramesSent:       l.tx.framesSent.Load(),
		BytesSent:        l.tx.bytesSent.Load(),
		Underruns:        l.tx.underruns.Load(),
		TrimmedBytes:     l.tx.trimmedBytes.Load(),
		SendErrors:       l.tx.sendErrors.Load(),
		Backlogged:       l.tx.Backlogged(),
	}
	s.BufferedMS = l.tx.Buffered().Milliseconds()
	if remote := l.tx.Remote(); remote != nil {
		s.RemoteAddr = remote.String()
	}
	if ns := l.recv.lastPacketAt.Load(); ns != 0 {
		at := time.Unix(0, ns)
		s.LastPacketAt = &at
	}
	return s
}
