package relayer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"tandachain/native/tanda"
)

type handlerFunc func(ctx context.Context, req tanda.WithdrawalRequested) error

func (f handlerFunc) Process(ctx context.Context, req tanda.WithdrawalRequested) error {
	return f(ctx, req)
}

func TestSubscriberDispatchesWithdrawals(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("type")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := conn.CloseRead(r.Context())
		payload, _ := json.Marshal(withdrawal(4, 3000).Event())
		_ = conn.Write(ctx, websocket.MessageText, []byte("not json"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"tanda.round_advanced","attributes":{}}`))
		_ = conn.Write(ctx, websocket.MessageText, payload)
		<-ctx.Done()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var received []tanda.WithdrawalRequested
	handler := handlerFunc(func(_ context.Context, req tanda.WithdrawalRequested) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, req)
		return nil
	})
	sub, err := NewSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), "", handler, 10*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, tanda.EventTypeWithdrawalRequested, gotQuery)
	require.Equal(t, uint64(4), received[0].Round)
	require.Equal(t, testVault, received[0].Vault)
	require.Equal(t, int64(3000), received[0].Amount.Int64())
}

func TestNewSubscriberValidates(t *testing.T) {
	_, err := NewSubscriber("ws://127.0.0.1:1/ws", "", nil, 0, nil)
	require.Error(t, err)
	_, err = NewSubscriber("://bad", "", handlerFunc(nil), 0, nil)
	require.Error(t, err)
}
