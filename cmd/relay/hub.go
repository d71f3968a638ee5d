package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// frame is one relayed message. Binary frames carry the CRDT sync protocol,
// text frames carry presence envelopes; the relay forwards both opaquely.
type frame struct {
	messageType int
	payload     []byte
	sender      chan<- frame // excluded from fan-out, nil for relay-originated frames
	fromRedis   bool         // already published, do not publish again
}

// hub fans frames out between the connections of one room. When redis is
// configured, frames are also published so that peers connected to other
// relay instances receive them.
type hub struct {
	room        string
	instanceID  uuid.UUID
	clients     map[chan<- frame]bool // set of active clients
	subscribe   chan chan<- frame
	unsubscribe chan chan<- frame
	broadcast   chan frame
	rdb         *redis.Client
	log         zerolog.Logger
}

func newHub(room string, rdb *redis.Client, log zerolog.Logger) *hub {
	h := &hub{
		room:        room,
		instanceID:  uuid.New(),
		clients:     make(map[chan<- frame]bool),
		subscribe:   make(chan chan<- frame),
		unsubscribe: make(chan chan<- frame),
		broadcast:   make(chan frame, 64),
		rdb:         rdb,
		log:         log.With().Str("room", room).Logger(),
	}
	go h.run()
	if rdb != nil {
		go h.runRedis()
	}
	return h
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.subscribe:
			h.clients[c] = true
		case c := <-h.unsubscribe:
			delete(h.clients, c)
			close(c)
		case msg := <-h.broadcast:
			for send := range h.clients {
				if send == msg.sender {
					continue
				}
				select {
				case send <- msg:
				default:
					// slow client; drop the frame rather than stall the room
				}
			}
			if h.rdb != nil && !msg.fromRedis {
				h.publish(msg)
			}
		}
	}
}

type redisFrame struct {
	Instance    string `json:"instance"`
	MessageType int    `json:"messageType"`
	Payload     []byte `json:"payload"`
}

func (h *hub) publish(msg frame) {
	b, err := json.Marshal(redisFrame{
		Instance:    h.instanceID.String(),
		MessageType: msg.messageType,
		Payload:     msg.payload,
	})
	if err != nil {
		return
	}
	if err := h.rdb.Publish(context.Background(), "room:"+h.room, b).Err(); err != nil {
		h.log.Warn().Err(err).Msg("redis publish failed")
	}
}

func (h *hub) runRedis() {
	sub := h.rdb.Subscribe(context.Background(), "room:"+h.room)
	defer sub.Close()

	for msg := range sub.Channel() {
		var rf redisFrame
		if err := json.Unmarshal([]byte(msg.Payload), &rf); err != nil {
			continue
		}
		if rf.Instance == h.instanceID.String() {
			// our own publication echoed back
			continue
		}
		h.broadcast <- frame{messageType: rf.MessageType, payload: rf.Payload, fromRedis: true}
	}
}

// hubs lazily materializes one hub per room.
type hubs struct {
	mu   sync.Mutex
	byID map[string]*hub
	rdb  *redis.Client
	log  zerolog.Logger
}

func newHubs(rdb *redis.Client, log zerolog.Logger) *hubs {
	return &hubs{byID: map[string]*hub{}, rdb: rdb, log: log}
}

func (hs *hubs) get(room string) *hub {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	h, ok := hs.byID[room]
	if !ok {
		h = newHub(room, hs.rdb, hs.log)
		hs.byID[room] = h
	}
	return h
}
