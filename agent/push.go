package agent

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"fleetcontrol/service"
)

const (
	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// pushLoop keeps the push channel subscribed. The channel is
// best-effort: a dropped connection only means missed wakeups until
// the reconnect lands, never lost state, since unresolved commands
// stay queryable on the server.
func (a *Agent) pushLoop(ctx context.Context) {
	backoff := reconnectMin

	for {
		if ctx.Err() != nil {
			return
		}

		if err := a.listenPush(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[AGENT] Push channel lost: %v (reconnecting in %s)", err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// listenPush dials the push endpoint and handles envelopes until the
// connection breaks.
func (a *Agent) listenPush(ctx context.Context) error {
	target, err := a.pushURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[AGENT] Push channel connected")

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env service.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Printf("[AGENT] Dropping malformed push payload: %v", err)
			continue
		}
		a.handleEnvelope(ctx, env)
	}
}
