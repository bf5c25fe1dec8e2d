// Package ws is the WebSocket transport (spec §4.K, §6). Every browser
// connection gets its own read/write pump; all of them funnel commands
// into a single Hub goroutine that owns the dispatcher, matching the
// protocol task's single-consumer requirement (spec §9: "all
// session/manager state is confined to the protocol task... no locks
// needed").
package ws

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/oi-gateway/canbridge/internal/dispatch"
	"github.com/oi-gateway/canbridge/internal/events"
)

// TickInterval is how often the hub drives the dispatcher's periodic
// work (discovery advance, spot-values, interval transmission) between
// commands.
const TickInterval = 5 * time.Millisecond

// Hub owns the dispatcher and fans its events out to connected clients.
// It is the only goroutine that ever calls into Dispatcher.
type Hub struct {
	log        *log.Entry
	dispatcher *dispatch.Dispatcher

	register   chan *client
	unregister chan *client
	commands   chan dispatch.Command
	stop       chan struct{}

	clients map[string]*client
}

func NewHub(d *dispatch.Dispatcher, logger *log.Entry) *Hub {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Hub{
		log:        logger,
		dispatcher: d,
		register:   make(chan *client),
		unregister: make(chan *client),
		commands:   make(chan dispatch.Command, 64),
		stop:       make(chan struct{}),
		clients:    make(map[string]*client),
	}
}

// Run is the protocol task's command loop. It must run in its own
// goroutine. Between commands it waits only on its own channels and the
// tick timer; Dispatch and Tick themselves block while they wait for SDO
// responses.
func (h *Hub) Run() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case c := <-h.register:
			h.clients[c.id] = c
		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; !ok {
				continue
			}
			delete(h.clients, c.id)
			close(c.send)
			disconnect := dispatch.Disconnect{}
			disconnect.ClientID = c.id
			h.deliver(h.dispatcher.Dispatch(disconnect))
		case cmd := <-h.commands:
			h.deliver(h.dispatcher.Dispatch(cmd))
		case now := <-ticker.C:
			h.deliver(h.dispatcher.Tick(now))
		}
	}
}

func (h *Hub) Stop() { close(h.stop) }

func (h *Hub) deliver(out []events.Event) {
	for _, ev := range out {
		raw, err := events.Marshal(ev)
		if err != nil {
			h.log.WithError(err).WithField("event", ev.Name).Error("marshal event")
			continue
		}
		if ev.Broadcast() {
			for _, c := range h.clients {
				c.enqueue(raw)
			}
			continue
		}
		if c, ok := h.clients[ev.ClientID]; ok {
			c.enqueue(raw)
		}
	}
}

func (h *Hub) submit(cmd dispatch.Command) {
	select {
	case h.commands <- cmd:
	case <-h.stop:
	}
}
