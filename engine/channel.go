package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	maxFrameSize            = 1 << 20 // 1 MiB
)

// Handler consumes one inbound event frame.
type Handler func(frame domain.EventFrame)

// ChannelConfig configures a live channel connection.
type ChannelConfig struct {
	// BaseURL is the authority's root URL, without a trailing slash.
	BaseURL string
	// HandshakeTimeout bounds each connect attempt. An attempt that has
	// not produced a stream within it counts as a connect failure.
	HandshakeTimeout time.Duration
	Reconnect        ReconnectPolicy
	HTTPClient       *http.Client
	Clock            Clock
	Logger           *log.Logger
}

// Channel owns one persistent live connection to the authority: an SSE
// stream inbound and authenticated POSTs outbound, correlated by the
// channel ID.
type Channel struct {
	cfg ChannelConfig
	id  string
	log *log.Logger

	mu            sync.Mutex
	state         ConnState
	credential    string
	handlers      map[string][]Handler
	stateSubs     []func(ConnState)
	connectedSubs []func(reconnected bool)
	cancel        context.CancelFunc
	gen           int
	lastDial      time.Time
	lastErr       error
	closed        bool
}

// NewChannel creates a disconnected channel. Call Connect to bring it up.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.Reconnect = cfg.Reconnect.normalized()
	return &Channel{
		cfg:      cfg,
		id:       uuid.NewString(),
		log:      cfg.Logger,
		handlers: make(map[string][]Handler),
	}
}

// ID returns the channel identifier used to correlate outbound requests
// with the stream connection.
func (c *Channel) ID() string { return c.id }

// State returns the current connection state.
func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error that caused the most recent state change,
// if any.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// On registers a handler for an inbound event name.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnStateChange registers a connection-state observer.
func (c *Channel) OnStateChange(f func(ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSubs = append(c.stateSubs, f)
}

// OnConnected registers a callback invoked after every successful
// handshake. reconnected is false for the initial connection. Room
// membership does not survive a transport reconnection, so dependents use
// this hook to re-establish it.
func (c *Channel) OnConnected(f func(reconnected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectedSubs = append(c.connectedSubs, f)
}

// Connect establishes the live channel with the given credential. A
// credential rejection is returned immediately and is not retried; a
// transport failure is funneled into the reconnection state machine and
// Connect returns nil while retries continue in the background.
func (c *Channel) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return errors.New("channel: already connected")
	}
	c.closed = false
	c.credential = credential
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.setState(StateConnecting, nil)
	body, err := c.dial(ctx, gen)
	if err != nil {
		if KindOf(err) == KindAuth {
			c.setState(StateDisconnected, err)
			return err
		}
		if errors.Is(err, context.Canceled) {
			c.setState(StateDisconnected, err)
			return err
		}
		go c.reconnectLoop(gen)
		return nil
	}
	c.setState(StateConnected, nil)
	c.notifyConnected(false)
	go c.readLoop(gen, body)
	return nil
}

// Disconnect tears the channel down. It is idempotent and suppresses any
// pending reconnection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.setState(StateDisconnected, nil)
}

// Send posts an outbound event on the channel.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	credential := c.credential
	c.mu.Unlock()

	frame, err := domain.EncodeFrame(event, "", payload)
	if err != nil {
		return &Error{Kind: KindValidation, Err: err}
	}
	body, err := sonic.Marshal(frame)
	if err != nil {
		return &Error{Kind: KindValidation, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/channel", bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindValidation, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Channel-ID", c.id)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var envelope domain.Envelope
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	_ = sonic.Unmarshal(data, &envelope)
	return classifyStatus(resp.StatusCode, envelope.Error)
}

// dial performs one handshake attempt, honoring the minimum interval
// between attempts, and returns the event stream body on success.
func (c *Channel) dial(ctx context.Context, gen int) (io.ReadCloser, error) {
	c.mu.Lock()
	wait := c.cfg.Reconnect.MinInterval - c.cfg.Clock.Now().Sub(c.lastDial)
	credential := c.credential
	c.mu.Unlock()
	if wait > 0 {
		select {
		case <-c.cfg.Clock.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return nil, context.Canceled
	}
	c.lastDial = c.cfg.Clock.Now()
	reqCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	// Watchdog: a handshake that has not completed within the timeout is
	// treated as a connect failure.
	done := make(chan struct{})
	timedOut := make(chan struct{})
	go func() {
		select {
		case <-c.cfg.Clock.After(c.cfg.HandshakeTimeout):
			close(timedOut)
			cancel()
		case <-done:
		case <-ctx.Done():
			cancel()
		}
	}()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"/stream?channel="+c.id, nil)
	if err != nil {
		close(done)
		cancel()
		return nil, &Error{Kind: KindValidation, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	close(done)
	if err != nil {
		cancel()
		select {
		case <-timedOut:
			return nil, &Error{Kind: KindTransport, Message: "handshake timed out", Err: err}
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, classifyStatus(resp.StatusCode, &domain.ErrorBody{Message: strings.TrimSpace(string(data))})
	}
	return resp.Body, nil
}

// readLoop consumes SSE frames until the stream breaks, then hands off to
// the reconnection state machine.
func (c *Channel) readLoop(gen int, body io.ReadCloser) {
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	var data []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			if len(data) > 0 {
				c.dispatchRaw(data)
				data = nil
			}
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			data = append(data, rest...)
		}
	}
	c.handleDrop(gen, scanner.Err())
}

func (c *Channel) dispatchRaw(data []byte) {
	var frame domain.EventFrame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		c.log.WithError(err).Warn("live channel: dropping malformed frame")
		return
	}
	c.dispatch(frame)
}

func (c *Channel) dispatch(frame domain.EventFrame) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[frame.Event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(frame)
	}
}

func (c *Channel) handleDrop(gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err == nil {
		err = io.EOF
	}
	c.log.WithError(err).Warn("live channel dropped")
	c.setState(StateDisconnected, &Error{Kind: KindTransport, Err: err})
	go c.reconnectLoop(gen)
}

// reconnectLoop retries the handshake with exponential backoff until it
// succeeds, the retry ceiling is exhausted, or the credential is
// rejected.
func (c *Channel) reconnectLoop(gen int) {
	for attempt := 1; ; attempt++ {
		delay, ok := c.cfg.Reconnect.Delay(attempt)
		if !ok {
			err := &Error{Kind: KindTransport, Message: "reconnect attempts exhausted"}
			c.setState(StateGaveUp, err)
			c.emitChannelError(err.Message)
			return
		}
		c.setState(StateReconnecting, nil)
		<-c.cfg.Clock.After(delay)
		c.mu.Lock()
		stale := c.closed || gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		body, err := c.dial(context.Background(), gen)
		if err == nil {
			c.setState(StateConnected, nil)
			c.notifyConnected(true)
			go c.readLoop(gen, body)
			return
		}
		if KindOf(err) == KindAuth {
			c.setState(StateGaveUp, err)
			c.emitChannelError("credential rejected")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.WithError(err).WithField("attempt", attempt).Info("reconnect attempt failed")
	}
}

func (c *Channel) emitChannelError(message string) {
	frame, err := domain.EncodeFrame(domain.EventChannelError, "", domain.ChannelErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.dispatch(frame)
}

func (c *Channel) setState(state ConnState, err error) {
	c.mu.Lock()
	if c.state == state && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = state
	if err != nil {
		c.lastErr = err
	}
	subs := append(([]func(ConnState))(nil), c.stateSubs...)
	c.mu.Unlock()
	for _, f := range subs {
		f(state)
	}
}

func (c *Channel) notifyConnected(reconnected bool) {
	c.mu.Lock()
	subs := append(([]func(bool))(nil), c.connectedSubs...)
	c.mu.Unlock()
	for _, f := range subs {
		f(reconnected)
	}
}
