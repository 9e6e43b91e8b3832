// Package smallwebrtc is a peer-to-peer WebRTC transport for a single
// browser client. Signalling is a plain offer/answer exchange done by the
// caller (see pkg/server); this package owns the peer connection, the
// inbound audio track and the outbound Opus track.
package smallwebrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/teslashibe/go-sonicbot/internal/log"
)

// Sentinel errors for the transport package.
var (
	ErrNotInitialized     = errors.New("smallwebrtc: connection not initialized")
	ErrAlreadyInitialized = errors.New("smallwebrtc: connection already initialized")
	ErrConnectionClosed   = errors.New("smallwebrtc: connection closed")
	ErrInvalidSDPType     = errors.New("smallwebrtc: only offers can be answered")
)

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// rtpMTU bounds a single inbound RTP packet.
const rtpMTU = 1500

// ConnectionEvent is a peer connection lifecycle event.
type ConnectionEvent string

const (
	EventConnected    ConnectionEvent = "connected"
	EventDisconnected ConnectionEvent = "disconnected"
	EventClosed       ConnectionEvent = "closed"
)

// Answer is the SDP answer returned to the client.
type Answer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id"`
}

// Peer is the view of a client connection used by the transport.
type Peer interface {
	// PCID identifies the peer connection.
	PCID() string

	// On registers fn for a lifecycle event.
	On(event ConnectionEvent, fn func())

	// IsConnected reports whether media can flow.
	IsConnected() bool

	// ReadAudio blocks until the next inbound Opus packet.
	ReadAudio(ctx context.Context) ([]byte, error)

	// WriteAudio sends one Opus packet lasting d.
	WriteAudio(packet []byte, d time.Duration) error

	// Close tears the connection down.
	Close() error
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithICEServers sets the STUN/TURN server URLs.
func WithICEServers(urls ...string) ConnectionOption {
	return func(c *Connection) {
		c.iceServers = urls
	}
}

// WithPCID overrides the generated peer connection id.
func WithPCID(id string) ConnectionOption {
	return func(c *Connection) {
		c.pcID = id
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.log = l
	}
}

// Connection wraps a pion PeerConnection. A restart replaces the
// underlying peer connection but keeps the Connection and its handlers.
type Connection struct {
	pcID       string
	iceServers []string
	log        *slog.Logger

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	outTrack   *webrtc.TrackLocalStaticSample
	remote     *webrtc.TrackRemote
	trackReady chan struct{}
	connected  bool

	handlersMu sync.RWMutex
	handlers   map[ConnectionEvent][]func()

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewConnection creates an uninitialized connection with a fresh pc_id.
func NewConnection(opts ...ConnectionOption) *Connection {
	c := &Connection{
		pcID:       uuid.NewString(),
		iceServers: DefaultICEServers,
		trackReady: make(chan struct{}),
		handlers:   make(map[ConnectionEvent][]func()),
		closedCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = log.Component("smallwebrtc").With("pc_id", c.pcID)
	}
	return c
}

// PCID implements Peer.
func (c *Connection) PCID() string { return c.pcID }

// On implements Peer.
func (c *Connection) On(event ConnectionEvent, fn func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *Connection) emit(event ConnectionEvent) {
	c.handlersMu.RLock()
	fns := append([]func(){}, c.handlers[event]...)
	c.handlersMu.RUnlock()

	c.log.Debug("connection event", "event", event)
	for _, fn := range fns {
		fn()
	}
}

// IsConnected implements Peer.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

// Closed returns a channel closed when the connection closes.
func (c *Connection) Closed() <-chan struct{} { return c.closedCh }

// Initialize applies the client's offer and prepares the answer.
func (c *Connection) Initialize(sdp, sdpType string) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	c.mu.Lock()
	if c.pc != nil {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	pc, err := c.newPeerConnection()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	return c.negotiate(pc, sdp, sdpType)
}

// Renegotiate applies a new offer from the same client. With restart the
// peer connection is rebuilt from scratch.
func (c *Connection) Renegotiate(sdp, sdpType string, restart bool) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	pc := c.pc
	if pc == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if restart {
		c.log.Info("restarting peer connection")
		old := pc
		c.remote = nil
		c.trackReady = make(chan struct{})
		c.connected = false
		var err error
		pc, err = c.newPeerConnection()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()
		if err := old.Close(); err != nil {
			c.log.Warn("closing replaced peer connection", "error", err)
		}
	} else {
		c.mu.Unlock()
	}

	return c.negotiate(pc, sdp, sdpType)
}

// newPeerConnection builds a peer connection with an outbound Opus track.
// Callers hold mu.
func (c *Connection) newPeerConnection() (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(c.iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.iceServers}}
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("smallwebrtc: create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"sonicbot-"+c.pcID,
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("smallwebrtc: create audio track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("smallwebrtc: add audio track: %w", err)
	}

	// RTCP must be read for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info("remote track", "kind", remote.Kind().String(), "codec", remote.Codec().MimeType)
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pc != pc || c.remote != nil {
			return
		}
		c.remote = remote
		close(c.trackReady)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		current := c.pc == pc
		c.mu.Unlock()
		if current {
			c.handleState(state)
		}
	})

	c.pc = pc
	c.outTrack = track
	return pc, nil
}

func (c *Connection) negotiate(pc *webrtc.PeerConnection, sdp, sdpType string) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdpType), SDP: sdp}
	if desc.Type != webrtc.SDPTypeOffer {
		return ErrInvalidSDPType
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("smallwebrtc: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("smallwebrtc: create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("smallwebrtc: set local description: %w", err)
	}
	<-gathered
	return nil
}

func (c *Connection) handleState(state webrtc.PeerConnectionState) {
	c.log.Info("peer connection state", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.setConnected(true)
		c.emit(EventConnected)
	case webrtc.PeerConnectionStateDisconnected:
		c.setConnected(false)
		c.emit(EventDisconnected)
	case webrtc.PeerConnectionStateFailed:
		c.setConnected(false)
		go func() {
			if err := c.Close(); err != nil {
				c.log.Warn("closing failed connection", "error", err)
			}
		}()
	case webrtc.PeerConnectionStateClosed:
		c.setConnected(false)
		go func() { _ = c.Close() }()
	}
}

func (c *Connection) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// Answer returns the local description produced by the last negotiation.
func (c *Connection) Answer() (Answer, error) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return Answer{}, ErrNotInitialized
	}
	local := pc.LocalDescription()
	if local == nil {
		return Answer{}, ErrNotInitialized
	}
	return Answer{SDP: local.SDP, Type: local.Type.String(), PCID: c.pcID}, nil
}

// ReadAudio implements Peer.
func (c *Connection) ReadAudio(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		remote, ready := c.remote, c.trackReady
		c.mu.Unlock()

		if remote == nil {
			select {
			case <-ready:
				continue
			case <-c.closedCh:
				return nil, ErrConnectionClosed
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		buf := make([]byte, rtpMTU)
		n, _, err := remote.Read(buf)
		if err != nil {
			if c.IsClosed() {
				return nil, ErrConnectionClosed
			}
			c.mu.Lock()
			replaced := c.remote != remote
			c.mu.Unlock()
			if replaced {
				continue
			}
			return nil, fmt.Errorf("smallwebrtc: read rtp: %w", err)
		}
		payload, err := rtpPayload(buf[:n])
		if err != nil {
			c.log.Debug("dropping malformed rtp packet", "error", err)
			continue
		}
		if len(payload) == 0 {
			continue
		}
		return payload, nil
	}
}

// rtpPayload returns the media payload of one raw RTP packet, without
// padding.
func rtpPayload(raw []byte) ([]byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

// WriteAudio implements Peer.
func (c *Connection) WriteAudio(packet []byte, d time.Duration) error {
	c.mu.Lock()
	track := c.outTrack
	c.mu.Unlock()
	if track == nil {
		return ErrNotInitialized
	}
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	return track.WriteSample(media.Sample{Data: packet, Duration: d})
}

// Close implements Peer. The closed event fires exactly once.
func (c *Connection) Close() error {
	var (
		err   error
		first bool
	)
	c.closeOnce.Do(func() {
		first = true
		close(c.closedCh)
		c.mu.Lock()
		pc := c.pc
		c.connected = false
		c.mu.Unlock()
		if pc != nil {
			if cerr := pc.Close(); cerr != nil {
				err = fmt.Errorf("smallwebrtc: close peer connection: %w", cerr)
			}
		}
	})
	if first {
		c.emit(EventClosed)
	}
	return err
}
