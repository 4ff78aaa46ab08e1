package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fleetcontrol/models"
	"fleetcontrol/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// pushConn is one device's live push channel.
type pushConn struct {
	hub     *PushHub
	conn    *websocket.Conn
	send    chan []byte
	address string
}

// PushHub implements service.PushSender over long-lived device
// websockets, keyed by the opaque push address the device reported at
// registration. Delivery is best-effort and at-most-once: an accepted
// enqueue says nothing about the device executing the command.
type PushHub struct {
	conns      map[string]*pushConn
	register   chan *pushConn
	unregister chan *pushConn
	mu         sync.RWMutex
}

func NewPushHub() *PushHub {
	return &PushHub{
		conns:      make(map[string]*pushConn),
		register:   make(chan *pushConn),
		unregister: make(chan *pushConn),
	}
}

func (h *PushHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			// Most recent connection for an address wins; a stale one
			// is closed so the device never has two live channels.
			if old, ok := h.conns[c.address]; ok {
				close(old.send)
			}
			h.conns[c.address] = c
			h.mu.Unlock()
			log.Printf("Push channel connected for %s (total: %d)", c.address, len(h.conns))

		case c := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.conns[c.address]; ok && current == c {
				delete(h.conns, c.address)
				close(c.send)
			}
			h.mu.Unlock()
			log.Printf("Push channel disconnected for %s (total: %d)", c.address, len(h.conns))
		}
	}
}

// Deliver hands a command envelope to the device's push channel. The
// enqueue itself never blocks waiting for the device: no connection on
// file is Unreachable, a full send queue is Rejected, an enqueue is
// Accepted. The context only matters when it has already run out
// before delivery starts.
func (h *PushHub) Deliver(ctx context.Context, device models.Device, env service.Envelope) service.DeliveryOutcome {
	if err := ctx.Err(); err != nil {
		return service.DeliveryOutcome{
			Status: service.DeliveryUnreachable,
			Reason: "push channel timed out",
		}
	}
	if device.PushAddress == "" {
		return service.DeliveryOutcome{
			Status: service.DeliveryUnreachable,
			Reason: "no push address on file",
		}
	}

	// Held across the send so Run cannot close the channel out from
	// under a concurrent delivery.
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conns[device.PushAddress]
	if !ok {
		return service.DeliveryOutcome{
			Status: service.DeliveryUnreachable,
			Reason: "device not connected to push channel",
		}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return service.DeliveryOutcome{
			Status: service.DeliveryRejected,
			Reason: "marshal envelope: " + err.Error(),
		}
	}

	select {
	case c.send <- payload:
		return service.DeliveryOutcome{Status: service.DeliveryAccepted}
	default:
		return service.DeliveryOutcome{
			Status: service.DeliveryRejected,
			Reason: "push send queue full",
		}
	}
}

// HandlePush upgrades a device's GET /push request. The device
// identifies its channel with the same push address token it reported
// at registration.
func HandlePush(hub *PushHub, c *gin.Context) {
	address := c.Query("token")
	if address == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("missing push token"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Push upgrade failed: %v", err)
		return
	}

	pc := &pushConn{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 16),
		address: address,
	}
	hub.register <- pc

	go pc.writePump()
	go pc.readPump()
}

// readPump exists only to run the pong handler and to notice the
// device going away; devices never send application data upstream on
// the push channel.
func (c *pushConn) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Push channel error for %s: %v", c.address, err)
			}
			break
		}
	}
}

func (c *pushConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
