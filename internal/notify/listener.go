// Package notify listens for change notifications from the remote systems
// and triggers the matching targeted refresh: a metamodel lookup, a user
// pull, or a policy snapshot sync.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Reconnect backoff constants.
const (
	defaultMinBackoff = 1 * time.Second
	defaultMaxBackoff = 60 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25

	// maxMessageBytes bounds a single notification frame.
	maxMessageBytes = 1 << 20
)

// Handlers performs the refresh a notification asks for. Each method
// reports success; failures are logged by the implementation.
type Handlers interface {
	RefreshMetaModel(ctx context.Context, id string) bool
	PullUser(ctx context.Context, untiID int64) bool
	SynchronizePolicy(ctx context.Context) bool
}

// Config configures a Listener.
type Config struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	Handlers   Handlers
	Logger     *slog.Logger

	// MinBackoff and MaxBackoff bound the reconnect delay. Zero values use
	// 1s and 60s.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Listener holds a websocket connection to the notification stream,
// reconnecting with exponential backoff until its context is cancelled.
type Listener struct {
	url        string
	header     http.Header
	httpClient *http.Client
	handlers   Handlers
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	sleepFunc  func(ctx context.Context, d time.Duration) error
}

// New returns a Listener for cfg.
func New(cfg Config) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Listener{
		url:        cfg.URL,
		header:     cfg.Header,
		httpClient: cfg.HTTPClient,
		handlers:   cfg.Handlers,
		logger:     logger,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		sleepFunc:  timeSleep,
	}

	if l.minBackoff <= 0 {
		l.minBackoff = defaultMinBackoff
	}

	if l.maxBackoff < l.minBackoff {
		l.maxBackoff = max(defaultMaxBackoff, l.minBackoff)
	}

	return l
}

// Run connects and dispatches notifications until ctx is cancelled. It
// returns nil on cancellation; connection failures are logged and retried.
func (l *Listener) Run(ctx context.Context) error {
	if l.handlers == nil {
		return errors.New("notify: no handlers configured")
	}

	attempt := 0

	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if connected {
			attempt = 0
		}

		delay := l.calcBackoff(attempt)
		attempt++

		l.logger.Warn("notification stream interrupted, reconnecting",
			slog.String("url", l.url),
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)

		if err := l.sleepFunc(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one connection. connected reports whether the dial
// succeeded, so the caller can reset its backoff.
func (l *Listener) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{
		HTTPClient: l.httpClient,
		HTTPHeader: l.header,
	})
	if err != nil {
		return false, fmt.Errorf("notify: dialing %s: %w", l.url, err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(maxMessageBytes)

	l.logger.Info("notification stream connected", slog.String("url", l.url))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("notify: server closed the stream")
			}

			return true, fmt.Errorf("notify: reading: %w", err)
		}

		if typ != websocket.MessageText {
			l.logger.Debug("ignoring binary notification frame", slog.Int("bytes", len(data)))
			continue
		}

		l.dispatch(ctx, data)
	}
}

// dispatch handles one frame. Malformed or unknown messages are logged and
// dropped; they never end the session.
func (l *Listener) dispatch(ctx context.Context, data []byte) {
	msg, err := parseMessage(data)
	if err != nil {
		l.logger.Warn("dropping notification", slog.String("error", err.Error()))
		return
	}

	logger := l.logger.With(slog.String("type", msg.Type), slog.String("action", msg.Action))

	switch msg.Type {
	case typeModel:
		if !isUpsert(msg.Action) {
			logger.Debug("ignoring metamodel notification")
			return
		}

		id, err := msg.StringID()
		if err != nil {
			logger.Warn("dropping notification", slog.String("error", err.Error()))
			return
		}

		ok := l.handlers.RefreshMetaModel(ctx, id)
		logger.Info("metamodel refreshed", slog.String("id", id), slog.Bool("ok", ok))

	case typeUser:
		if !isUpsert(msg.Action) {
			logger.Debug("ignoring user notification")
			return
		}

		id, err := msg.IntID()
		if err != nil {
			logger.Warn("dropping notification", slog.String("error", err.Error()))
			return
		}

		ok := l.handlers.PullUser(ctx, id)
		logger.Info("user pulled", slog.Int64("unti_id", id), slog.Bool("ok", ok))

	case typeCasbinPolicy, typeCasbinModel:
		ok := l.handlers.SynchronizePolicy(ctx)
		logger.Info("policy snapshot synchronized", slog.Bool("ok", ok))

	default:
		logger.Debug("ignoring notification for unhandled type")
	}
}

func isUpsert(action string) bool {
	return action == actionCreate || action == actionUpdate
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (l *Listener) calcBackoff(attempt int) time.Duration {
	backoff := float64(l.minBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(l.maxBackoff) {
		backoff = float64(l.maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for d or until ctx is cancelled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
