package realtime

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bernerdschaefer/eventsource"
)

// DefaultMaxAttempts is the number of consecutive session failures after
// which a [StreamClient] gives up and enters the terminal failed state.
const DefaultMaxAttempts = 10

// StreamHandlers receives decoded traffic and status changes from a
// [StreamClient]. Nil fields are skipped; events with no matching handler
// are logged and ignored.
type StreamHandlers struct {
	Snapshot func(StreamEvent)
	Upsert   func(StreamEvent)
	Progress func(StreamEvent)
	Counts   func(StreamEvent)

	// Connected is called with true when a session opens and false when it
	// drops. Failed is called once, with an error wrapping
	// [ErrReconnectFailed], when reconnect attempts are exhausted.
	Connected func(bool)
	Failed    func(error)
}

// StreamConfig configures a [StreamClient]. BaseURL is required.
type StreamConfig struct {
	BaseURL     string       // push channel endpoint, e.g. https://host/sse
	Token       string       // passed as a query parameter; the channel carries no custom headers
	Client      *http.Client // default http.DefaultClient
	Scope       Scope
	Backoff     Backoff
	MaxAttempts int // default 10
	Handlers    StreamHandlers
	Logs        io.Writer // default io.Discard
}

// StreamClient manages one logical push channel for a scope: it connects,
// decodes and dispatches events, records the resume cursor, and reconnects
// with bounded exponential backoff. A client is single-use: once closed or
// failed it stays that way.
type StreamClient struct {
	baseURL     string
	token       string
	client      *http.Client
	scope       Scope
	backoff     Backoff
	maxAttempts int
	handlers    StreamHandlers
	logger      *log.Logger
	dispatch    map[string]func(StreamEvent)

	mtx         sync.Mutex
	state       ConnState
	attempt     int
	lastEventID string
	timer       *time.Timer   // pending reconnect
	body        io.ReadCloser // live session's response body
	closed      bool
}

// NewStreamClient constructs a client in the idle state. Call Connect to
// start it.
func NewStreamClient(cfg StreamConfig) (*StreamClient, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("stream client: invalid base URL %q", cfg.BaseURL)
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	logs := cfg.Logs
	if logs == nil {
		logs = io.Discard
	}

	c := &StreamClient{
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		client:      client,
		scope:       cfg.Scope,
		backoff:     cfg.Backoff,
		maxAttempts: maxAttempts,
		handlers:    cfg.Handlers,
		logger:      log.New(logs, "realtime.StreamClient: ", log.Lmsgprefix),
		state:       StateIdle,
	}

	// Tagged dispatch by event type. Entity-qualified upsert/progress types
	// are routed by suffix in dispatchEvent; everything else lands here, and
	// unknown types fall through to a single default case.
	c.dispatch = map[string]func(StreamEvent){
		EventTypeSnapshot: cfg.Handlers.Snapshot,
		EventTypeCounts:   cfg.Handlers.Counts,
	}

	return c, nil
}

// Connect starts the connection state machine. It returns immediately; the
// session runs on its own goroutine. Connecting a closed, failed, or
// already-started client is a no-op.
func (c *StreamClient) Connect() {
	c.mtx.Lock()
	if c.closed || c.state != StateIdle {
		c.mtx.Unlock()
		return
	}
	c.state = StateConnecting
	c.mtx.Unlock()

	go c.session()
}

// Close tears the client down: it cancels any pending reconnect timer and
// closes the underlying channel. Close is idempotent and safe to call on a
// client in any state. No handler runs after Close returns its teardown.
func (c *StreamClient) Close() {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	body := c.body
	c.body = nil
	c.mtx.Unlock()

	if body != nil {
		body.Close()
	}
}

// State returns the current connection state.
func (c *StreamClient) State() ConnState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// LastEventID returns the resume cursor, or "" before the first event.
func (c *StreamClient) LastEventID() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lastEventID
}

// session runs one connection: request, read loop, and exit classification.
// Any failure, from the dial to a mid-stream read error, ends the session
// and hands control to the reconnect schedule.
func (c *StreamClient) session() {
	req, err := c.newRequest()
	if err != nil {
		c.sessionFailed(err)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.sessionFailed(fmt.Errorf("connect: %w", err))
		return
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		c.sessionFailed(fmt.Errorf("connect: endpoint returned %s", resp.Status))
		return
	}

	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		resp.Body.Close()
		return
	}
	c.body = resp.Body
	c.mtx.Unlock()

	c.markOpen()

	dec := eventsource.NewDecoder(resp.Body)
	for {
		var ev eventsource.Event
		if err := dec.Decode(&ev); err != nil {
			c.mtx.Lock()
			closed := c.closed
			c.body = nil
			c.mtx.Unlock()

			resp.Body.Close()

			if closed {
				return
			}
			c.sessionFailed(fmt.Errorf("read event: %w", err))
			return
		}

		se, err := decodeStreamEvent(ev)
		if err != nil {
			// Protocol error: drop the single event, keep the session.
			c.logger.Printf("%s: dropping malformed event id=%q type=%q: %v", c.scope, ev.ID, ev.Type, err)
			continue
		}

		if se.Type == EventTypeHeartbeat {
			continue
		}

		// The cursor is recorded before dispatch, so a reconciliation
		// failure cannot cause duplicate replay on reconnect.
		if !c.recordCursor(se.ID) {
			continue
		}

		c.dispatchEvent(se)
	}
}

// recordCursor advances the resume cursor. It reports false for an event
// whose cursor is older than one already processed this session; such
// events are never dispatched.
func (c *StreamClient) recordCursor(id string) bool {
	if id == "" {
		return true
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if cursorRegressed(c.lastEventID, id) {
		c.logger.Printf("%s: ignoring event with stale cursor %q (have %q)", c.scope, id, c.lastEventID)
		return false
	}
	c.lastEventID = id
	return true
}

// cursorRegressed reports whether next is strictly older than cur. Cursors
// are opaque; ordering is only enforced when both parse as integers.
func cursorRegressed(cur, next string) bool {
	if cur == "" {
		return false
	}
	a, errA := strconv.ParseUint(cur, 10, 64)
	b, errB := strconv.ParseUint(next, 10, 64)
	if errA != nil || errB != nil {
		return false
	}
	return b < a
}

func (c *StreamClient) dispatchEvent(se StreamEvent) {
	h := c.dispatch[se.Type]
	if h == nil && se.Entity != "" {
		switch {
		case strings.HasSuffix(se.Type, suffixUpsert):
			h = c.handlers.Upsert
		case strings.HasSuffix(se.Type, suffixProgress):
			h = c.handlers.Progress
		}
	}
	if h == nil {
		c.logger.Printf("%s: ignoring unknown event type %q (id=%q)", c.scope, se.Type, se.ID)
		return
	}
	h(se)
}

func (c *StreamClient) markOpen() {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return
	}
	c.state = StateOpen
	c.attempt = 0
	c.mtx.Unlock()

	c.logger.Printf("%s: connected", c.scope)
	if c.handlers.Connected != nil {
		c.handlers.Connected(true)
	}
}

// sessionFailed classifies a dropped session: schedule a reconnect with
// backoff, or give up after maxAttempts consecutive failures. The failure
// is counted before the delay for its retry is computed, so the first retry
// waits exactly the base delay.
func (c *StreamClient) sessionFailed(cause error) {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return
	}

	c.attempt++
	attempt := c.attempt

	if attempt >= c.maxAttempts {
		c.state = StateFailed
		c.mtx.Unlock()

		c.logger.Printf("%s: giving up after %d failures: %v", c.scope, attempt, cause)
		if c.handlers.Connected != nil {
			c.handlers.Connected(false)
		}
		if c.handlers.Failed != nil {
			c.handlers.Failed(fmt.Errorf("%w: %d consecutive failures, last: %v", ErrReconnectFailed, attempt, cause))
		}
		return
	}

	c.state = StateReconnecting
	delay := c.backoff.Reconnect(attempt - 1)
	c.timer = time.AfterFunc(delay, func() {
		c.mtx.Lock()
		if c.closed || c.state != StateReconnecting {
			c.mtx.Unlock()
			return
		}
		c.state = StateConnecting
		c.timer = nil
		c.mtx.Unlock()

		c.session()
	})
	c.mtx.Unlock()

	c.logger.Printf("%s: session ended (%v); reconnect %d/%d in %v", c.scope, cause, attempt, c.maxAttempts, delay)
	if c.handlers.Connected != nil {
		c.handlers.Connected(false)
	}
}

// newRequest builds the connection request. Scope, auth token, and the
// resume cursor all travel as query parameters: the channel transport does
// not support custom headers, and a held cursor lets the server replay
// missed events instead of sending a full snapshot.
func (c *StreamClient) newRequest() (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	q := u.Query()
	if c.token != "" {
		q.Set("token", c.token)
	}
	if c.scope.TenantID != "" {
		q.Set("tenant_id", c.scope.TenantID)
	}
	if c.scope.EnvID != "" {
		q.Set("env_id", c.scope.EnvID)
	}
	if c.scope.JobID != "" {
		q.Set("job_id", c.scope.JobID)
	}
	if c.scope.DeploymentID != "" {
		q.Set("deployment_id", c.scope.DeploymentID)
	}

	c.mtx.Lock()
	last := c.lastEventID
	c.mtx.Unlock()
	if last != "" {
		q.Set("lastEventId", last)
	}

	u.RawQuery = q.Encode()

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	return req, nil
}
