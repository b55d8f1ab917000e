package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"

	"tandachain/core/types"
	"tandachain/native/tanda"
)

// Handler consumes decoded withdrawal requests.
type Handler interface {
	Process(ctx context.Context, req tanda.WithdrawalRequested) error
}

// Subscriber follows the node's notification stream and hands every
// withdrawal request to a Handler. It reconnects after stream errors.
type Subscriber struct {
	url     string
	token   string
	handler Handler
	backoff time.Duration
	logger  *slog.Logger
}

// NewSubscriber builds a subscriber for the stream at rawURL, narrowed to
// withdrawal requests.
func NewSubscriber(rawURL, token string, handler Handler, backoff time.Duration, logger *slog.Logger) (*Subscriber, error) {
	if handler == nil {
		return nil, errors.New("relayer: handler required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relayer: stream url: %w", err)
	}
	q := u.Query()
	q.Set("type", tanda.EventTypeWithdrawalRequested)
	u.RawQuery = q.Encode()
	if backoff <= 0 {
		backoff = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{url: u.String(), token: token, handler: handler, backoff: backoff, logger: logger}, nil
}

// Run consumes the stream until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("notification stream interrupted", slog.Any("error", err), slog.Duration("retry_in", s.backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.backoff):
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if s.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + s.token}}
	}
	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "relayer stopping")
	s.logger.Info("notification stream connected", slog.String("url", s.url))
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, data)
	}
}

func (s *Subscriber) dispatch(ctx context.Context, data []byte) {
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		s.logger.Warn("discarding malformed notification", slog.Any("error", err))
		return
	}
	if evt.Type != tanda.EventTypeWithdrawalRequested {
		return
	}
	req, err := tanda.ParseWithdrawalRequested(&evt)
	if err != nil {
		s.logger.Warn("discarding invalid withdrawal request", slog.Any("error", err))
		return
	}
	if err := s.handler.Process(ctx, req); err != nil {
		s.logger.Warn("withdrawal request not settled",
			slog.String("tanda", evt.Attr("id")),
			slog.Uint64("round", req.Round),
			slog.Any("error", err))
	}
}
