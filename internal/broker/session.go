package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/marketdna/dna-pipeline/internal/logger"
	"github.com/marketdna/dna-pipeline/internal/types"
	"github.com/marketdna/dna-pipeline/internal/version"
	pkgerrors "github.com/marketdna/dna-pipeline/pkg/errors"
	"go.uber.org/zap"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateHandshaking   State = "HANDSHAKING"
	StateReady         State = "READY"
	StateDegraded      State = "DEGRADED"
	StateDisconnecting State = "DISCONNECTING"
)

// Conn is the framed transport under the session. The production
// implementation rides gorilla/websocket; tests substitute a scripted fake.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(frame Frame) error
	Close() error
}

// Dialer opens a Conn against an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Config parameterizes the broker session.
type Config struct {
	Endpoint string `yaml:"endpoint" validate:"required"`
	ClientID string `yaml:"client_id" validate:"required"`
	// Source stamps every ingested bar with the broker dialect name.
	Source            string         `yaml:"source"`
	KeepaliveInterval types.Duration `yaml:"keepalive_interval" validate:"gt=0"`
	ProbeTimeout      types.Duration `yaml:"probe_timeout" validate:"gt=0"`
	// DegradedThreshold is the number of consecutive request timeouts that
	// flips the session to DEGRADED and triggers a reconnect.
	DegradedThreshold int            `yaml:"degraded_threshold" validate:"gt=0"`
	ReconnectBase     types.Duration `yaml:"reconnect_base" validate:"gt=0"`
	ReconnectCap      types.Duration `yaml:"reconnect_cap" validate:"gt=0"`
}

// DefaultConfig returns the standard session tuning.
func DefaultConfig() Config {
	return Config{
		Endpoint:          "",
		ClientID:          "",
		Source:            "broker",
		KeepaliveInterval: types.Duration(15 * time.Second),
		ProbeTimeout:      types.Duration(10 * time.Second),
		DegradedThreshold: 3,
		ReconnectBase:     types.Duration(2 * time.Second),
		ReconnectCap:      types.Duration(30 * time.Second),
	}
}

// Session owns one broker connection. Connections are released on every
// exit path; requests are correlated to responses by a session-scoped
// monotonic id.
type Session struct {
	config Config
	dialer Dialer
	logger *logger.Logger

	nextID atomic.Uint64

	mu                  sync.Mutex
	state               State
	conn                Conn
	pending             map[uint64]chan Frame
	consecutiveTimeouts int
	reconnecting        bool
	sessionID           string
	readerGen           int
}

// NewSession creates a session using the websocket transport.
func NewSession(config Config, log *logger.Logger) *Session {
	return NewSessionWithDialer(config, wsDialer{}, log)
}

// NewSessionWithDialer creates a session over a custom transport.
func NewSessionWithDialer(config Config, dialer Dialer, log *logger.Logger) *Session {
	return &Session{
		config:              config,
		dialer:              dialer,
		logger:              log,
		nextID:              atomic.Uint64{},
		mu:                  sync.Mutex{},
		state:               StateDisconnected,
		conn:                nil,
		pending:             make(map[uint64]chan Frame),
		consecutiveTimeouts: 0,
		reconnecting:        false,
		sessionID:           "",
		readerGen:           0,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Connect dials, authenticates and probes the broker. The handshake moves
// the session to READY so the account probe can be dispatched; Connect
// succeeds only if the probe succeeds within the probe timeout, otherwise
// the session is torn down to DISCONNECTED.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected && s.state != StateDegraded {
		s.mu.Unlock()

		return pkgerrors.Newf(pkgerrors.ErrCodeSessionUnavailable, "connect called in state %s", s.state)
	}

	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.establish(ctx); err != nil {
		s.setState(StateDisconnected)

		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout.Std())
	defer cancel()

	if _, err := s.Dispatch(probeCtx, types.Request{
		ID:           "",
		Kind:         types.RequestKindAccount,
		Priority:     types.PriorityCritical,
		Payload:      types.AccountInfoPayload{},
		AttemptCount: 0,
		FirstSeenAt:  time.Now().UTC(),
		Status:       types.RequestStatusInFlight,
	}); err != nil {
		s.teardown()
		s.setState(StateDisconnected)

		return pkgerrors.Wrap(pkgerrors.ErrCodeProbeFailed, "account probe failed, session not ready", err)
	}

	s.logger.Info("broker session ready",
		zap.String("endpoint", s.config.Endpoint),
		zap.String("client_id", s.config.ClientID),
		zap.String("session_id", s.sessionID),
	)

	return nil
}

// establish dials and performs the auth handshake, then starts the reader
// and keepalive loops.
func (s *Session) establish(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx, s.config.Endpoint)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.ErrCodeSessionUnavailable, "failed to dial broker", err)
	}

	s.setState(StateHandshaking)

	auth, err := json.Marshal(AuthPayload{
		ClientID:        s.config.ClientID,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		conn.Close()

		return pkgerrors.Wrap(pkgerrors.ErrCodeInternalInvariant, "failed to encode auth payload", err)
	}

	if err := conn.WriteFrame(Frame{Type: FrameAuth, Payload: auth}); err != nil {
		conn.Close()

		return pkgerrors.Wrap(pkgerrors.ErrCodeHandshakeFailed, "failed to send auth", err)
	}

	ack, err := conn.ReadFrame()
	if err != nil {
		conn.Close()

		return pkgerrors.Wrap(pkgerrors.ErrCodeHandshakeFailed, "failed to read auth ack", err)
	}

	if ack.Type == FrameError {
		conn.Close()

		return pkgerrors.Wrap(pkgerrors.ErrCodeAuthenticationFail, "broker rejected authentication", mapWireError(ack))
	}

	if ack.Type != FrameAuthAck {
		conn.Close()

		return pkgerrors.Newf(pkgerrors.ErrCodeHandshakeFailed, "unexpected frame %s during handshake", ack.Type)
	}

	var ackPayload AuthAckPayload
	if err := json.Unmarshal(ack.Payload, &ackPayload); err != nil {
		conn.Close()

		return pkgerrors.Wrap(pkgerrors.ErrCodeHandshakeFailed, "malformed auth ack", err)
	}

	if err := version.CheckProtocolCompatibility(ProtocolVersion, ackPayload.ServerVersion); err != nil {
		conn.Close()

		return pkgerrors.Wrap(pkgerrors.ErrCodeProtocolMismatch, "broker protocol incompatible", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateReady
	s.consecutiveTimeouts = 0
	s.sessionID = ackPayload.SessionID
	s.readerGen++
	gen := s.readerGen
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	go s.keepaliveLoop(conn, gen)

	return nil
}

// Disconnect tears the session down. Outstanding requests fail with
// SessionUnavailable.
func (s *Session) Disconnect() {
	s.setState(StateDisconnecting)
	s.teardown()
	s.setState(StateDisconnected)
}

// Dispatch implements the governor's dispatcher: sends one request and
// consumes its response stream. A missing terminator surfaces as the
// caller's ctx deadline, mapped to a transient timeout.
func (s *Session) Dispatch(ctx context.Context, request types.Request) (any, error) {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || state != StateReady {
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeSessionDegraded, "session not ready (state %s)", state)
	}

	correlationID := s.nextID.Add(1)
	respCh := make(chan Frame, 1024)

	s.mu.Lock()
	s.pending[correlationID] = respCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, correlationID)
		s.mu.Unlock()
	}()

	frame, err := s.requestFrame(correlationID, request)
	if err != nil {
		return nil, err
	}

	if err := conn.WriteFrame(frame); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrCodeSessionDegraded, "failed to send request", err)
	}

	switch request.Kind {
	case types.RequestKindHistorical:
		return s.collectBars(ctx, conn, correlationID, respCh)
	case types.RequestKindAccount:
		return s.collectAccountInfo(ctx, conn, correlationID, respCh)
	case types.RequestKindMarket:
		return s.stream(ctx, correlationID, respCh), nil
	default:
		return nil, pkgerrors.Newf(pkgerrors.ErrCodeMalformedRequest, "unsupported request kind %s", request.Kind)
	}
}

// requestFrame encodes a request into its wire frame.
func (s *Session) requestFrame(correlationID uint64, request types.Request) (Frame, error) {
	var (
		verb    Verb
		payload any
	)

	switch p := request.Payload.(type) {
	case types.HistoricalBarsPayload:
		verb = VerbHistoricalBars
		payload = HistoricalBarsRequest{
			Symbol:     p.Symbol,
			BarSize:    string(p.Timeframe),
			Start:      p.Range.Start.UTC().Format(time.RFC3339),
			End:        p.Range.End.UTC().Format(time.RFC3339),
			WhatToShow: p.WhatToShow,
		}
	case types.MarketDataPayload:
		verb = VerbMarketData
		payload = MarketDataRequest{Symbol: p.Symbol}
	case types.AccountInfoPayload:
		verb = VerbAccountInfo
		payload = struct{}{}
	default:
		return Frame{}, pkgerrors.Newf(pkgerrors.ErrCodeMalformedRequest, "unsupported payload %T", request.Payload)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, pkgerrors.Wrap(pkgerrors.ErrCodeInternalInvariant, "failed to encode request payload", err)
	}

	return Frame{
		Type:          FrameRequest,
		CorrelationID: correlationID,
		Verb:          verb,
		Payload:       encoded,
	}, nil
}

// collectBars consumes data frames until the terminator.
func (s *Session) collectBars(ctx context.Context, conn Conn, correlationID uint64, respCh chan Frame) ([]types.Bar, error) {
	var bars []types.Bar

	for {
		select {
		case frame, ok := <-respCh:
			if !ok {
				return nil, pkgerrors.New(pkgerrors.ErrCodeSessionDegraded, "connection lost mid-response")
			}

			switch frame.Type {
			case FrameData:
				var msg BarMessage
				if err := json.Unmarshal(frame.Payload, &msg); err != nil {
					return nil, pkgerrors.Wrap(pkgerrors.ErrCodeMalformedRequest, "malformed bar message", err)
				}

				bars = append(bars, msg.ToBar(s.config.Source, time.Now().UTC()))
			case FrameEnd:
				s.noteSuccess()

				return bars, nil
			case FrameError:
				return nil, mapWireError(frame)
			}
		case <-ctx.Done():
			return nil, s.abort(ctx, conn, correlationID)
		}
	}
}

// collectAccountInfo consumes the single-part account response.
func (s *Session) collectAccountInfo(ctx context.Context, conn Conn, correlationID uint64, respCh chan Frame) (AccountInfo, error) {
	var info AccountInfo

	gotData := false

	for {
		select {
		case frame, ok := <-respCh:
			if !ok {
				return AccountInfo{}, pkgerrors.New(pkgerrors.ErrCodeSessionDegraded, "connection lost mid-response")
			}

			switch frame.Type {
			case FrameData:
				if err := json.Unmarshal(frame.Payload, &info); err != nil {
					return AccountInfo{}, pkgerrors.Wrap(pkgerrors.ErrCodeMalformedRequest, "malformed account info", err)
				}

				gotData = true
			case FrameEnd:
				if !gotData {
					return AccountInfo{}, pkgerrors.New(pkgerrors.ErrCodeResponseUncorrelated, "account response ended without data")
				}

				s.noteSuccess()

				return info, nil
			case FrameError:
				return AccountInfo{}, mapWireError(frame)
			}
		case <-ctx.Done():
			return AccountInfo{}, s.abort(ctx, conn, correlationID)
		}
	}
}

// stream yields market-data bars until the context ends or the broker
// terminates the subscription.
func (s *Session) stream(ctx context.Context, correlationID uint64, respCh chan Frame) iter.Seq2[types.Bar, error] {
	return func(yield func(types.Bar, error) bool) {
		for {
			select {
			case frame, ok := <-respCh:
				if !ok {
					yield(types.Bar{}, pkgerrors.New(pkgerrors.ErrCodeSessionDegraded, "connection lost mid-stream"))

					return
				}

				switch frame.Type {
				case FrameData:
					var msg BarMessage
					if err := json.Unmarshal(frame.Payload, &msg); err != nil {
						if !yield(types.Bar{}, pkgerrors.Wrap(pkgerrors.ErrCodeMalformedRequest, "malformed bar message", err)) {
							return
						}

						continue
					}

					if !yield(msg.ToBar(s.config.Source, time.Now().UTC()), nil) {
						return
					}
				case FrameEnd:
					return
				case FrameError:
					yield(types.Bar{}, mapWireError(frame))

					return
				}
			case <-ctx.Done():
				_ = s.abort(ctx, s.currentConn(), correlationID)

				return
			}
		}
	}
}

// abort sends a best-effort cancel for the correlation id and maps the
// context error: deadline is transient, cancellation is user-initiated.
func (s *Session) abort(ctx context.Context, conn Conn, correlationID uint64) error {
	if conn != nil {
		payload, err := json.Marshal(CancelRequest{CorrelationID: correlationID})
		if err == nil {
			writeErr := conn.WriteFrame(Frame{
				Type:          FrameRequest,
				CorrelationID: correlationID,
				Verb:          VerbCancel,
				Payload:       payload,
			})
			if writeErr != nil {
				s.logger.Debug("cancel frame not delivered", zap.Uint64("correlation_id", correlationID), zap.Error(writeErr))
			}
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		s.noteTimeout()

		return pkgerrors.Newf(pkgerrors.ErrCodeRequestTimeout, "response terminator missing for correlation id %d", correlationID)
	}

	return pkgerrors.Wrap(pkgerrors.ErrCodeCancelled, "request aborted", ctx.Err())
}

// readLoop routes incoming frames to their pending channels.
func (s *Session) readLoop(conn Conn, gen int) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			s.handleReadError(gen, err)

			return
		}

		switch frame.Type {
		case FramePong:
			continue
		case FramePing:
			if err := conn.WriteFrame(Frame{Type: FramePong}); err != nil {
				s.handleReadError(gen, err)

				return
			}
		default:
			s.mu.Lock()
			ch, ok := s.pending[frame.CorrelationID]
			s.mu.Unlock()

			if !ok {
				s.logger.Debug("dropping uncorrelated frame",
					zap.Uint64("correlation_id", frame.CorrelationID),
					zap.String("type", string(frame.Type)),
				)

				continue
			}

			// Block briefly when the consumer lags; drop only if the
			// dispatcher stopped reading (abandoned request).
			select {
			case ch <- frame:
			case <-time.After(5 * time.Second):
				s.logger.Warn("response channel stalled, dropping frame", zap.Uint64("correlation_id", frame.CorrelationID))
			}
		}
	}
}

// keepaliveLoop pings the broker; a failed write counts as keepalive loss.
func (s *Session) keepaliveLoop(conn Conn, gen int) {
	ticker := time.NewTicker(s.config.KeepaliveInterval.Std())
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		stale := gen != s.readerGen
		s.mu.Unlock()

		if stale {
			return
		}

		if err := conn.WriteFrame(Frame{Type: FramePing}); err != nil {
			s.handleReadError(gen, err)

			return
		}
	}
}

// handleReadError drops the connection and, unless the session is being
// torn down, flips to DEGRADED and starts the reconnect loop.
func (s *Session) handleReadError(gen int, cause error) {
	s.mu.Lock()

	if gen != s.readerGen || s.state == StateDisconnecting || s.state == StateDisconnected {
		s.mu.Unlock()

		return
	}

	s.state = StateDegraded
	s.readerGen++
	conn := s.conn
	s.conn = nil
	s.failPendingLocked()
	alreadyReconnecting := s.reconnecting
	s.reconnecting = true
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	s.logger.Warn("broker connection lost, session degraded", zap.Error(cause))

	if !alreadyReconnecting {
		go s.reconnectLoop()
	}
}

// noteTimeout counts consecutive request timeouts; past the threshold the
// session degrades and reconnects with the same client id.
func (s *Session) noteTimeout() {
	s.mu.Lock()
	s.consecutiveTimeouts++
	over := s.consecutiveTimeouts >= s.config.DegradedThreshold && s.state == StateReady
	s.mu.Unlock()

	if over {
		s.handleReadError(s.currentGen(), fmt.Errorf("%d consecutive request timeouts", s.config.DegradedThreshold))
	}
}

func (s *Session) noteSuccess() {
	s.mu.Lock()
	s.consecutiveTimeouts = 0
	s.mu.Unlock()
}

// reconnectLoop re-establishes the session with exponential backoff,
// reusing the same client id.
func (s *Session) reconnectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.ReconnectBase.Std()
	bo.MaxInterval = s.config.ReconnectCap.Std()
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		s.mu.Lock()
		if s.state != StateDegraded {
			s.reconnecting = false
			s.mu.Unlock()

			return
		}
		s.mu.Unlock()

		delay := bo.NextBackOff()
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), s.config.ReconnectCap.Std())
		err := s.establish(ctx)

		cancel()

		if err == nil {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()

			s.logger.Info("broker session reconnected", zap.String("client_id", s.config.ClientID))

			return
		}

		s.logger.Warn("reconnect attempt failed", zap.Duration("next_delay", delay), zap.Error(err))
	}
}

// teardown closes the connection and fails all pending requests.
func (s *Session) teardown() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.readerGen++
	s.failPendingLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// failPendingLocked closes every pending response channel so waiting
// dispatches observe the loss.
func (s *Session) failPendingLocked() {
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn
}

func (s *Session) currentGen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readerGen
}

// wsConn adapts gorilla/websocket to the framed transport.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// ReadFrame reads and decodes one frame.
func (c *wsConn) ReadFrame() (Frame, error) {
	var frame Frame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return Frame{}, err
	}

	return frame, nil
}

// WriteFrame encodes and writes one frame. Gorilla connections support one
// concurrent writer, so writes are serialized.
func (c *wsConn) WriteFrame(frame Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	return c.conn.WriteJSON(frame)
}

// Close closes the underlying connection.
func (c *wsConn) Close() error {
	return c.conn.Close()
}

// wsDialer opens websocket transports.
type wsDialer struct{}

// Dial implements Dialer.
func (wsDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		return nil, err
	}

	return &wsConn{conn: conn, wmu: sync.Mutex{}}, nil
}
