// Package messagehub implements the pub/sub fabric: four logical
// namespaces, broadcast and targeted delivery, and correlated
// request/response with a timeout. The default transport is an in-process
// bus; an optional Redis Pub/Sub transport adds cross-process delivery
// with reconnect, bounded backoff, and automatic re-subscribe.
package messagehub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Namespace is one of the four logical channels messages travel on.
type Namespace string

const (
	NamespaceDepot   Namespace = "depot"
	NamespaceRoute   Namespace = "route"
	NamespaceVehicle Namespace = "vehicle"
	NamespaceSystem  Namespace = "system"
)

// Message is the wire envelope every event carries.
type Message struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source"`
	Data          map[string]interface{} `json:"data"`
	Target        string                 `json:"target,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// Handler processes a delivered message. Handlers run synchronously inside
// Publish, one after another in subscription order; a panicking handler is
// recovered and logged and does not stop delivery to the others.
type Handler func(msg Message)

type subscriberKey struct {
	namespace Namespace
	eventType string
}

// Hub is the pub/sub fabric. Zero value is not usable; construct with New.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[subscriberKey][]subscriberEntry

	waitMu  sync.Mutex
	waiting map[string]chan Message // correlation_id -> response channel

	redis       *redis.Client
	redisCancel context.CancelFunc
	source      string
}

type subscriberEntry struct {
	id string
	fn Handler
}

// New constructs a Hub. redisClient may be nil, in which case the hub runs
// entirely in-process (the default/fast path used by unit tests and
// single-process runs). source stamps every message published through this
// hub and must be unique per process — the remote bridge uses it to tell
// its own Redis echoes apart from peer traffic.
func New(source string, redisClient *redis.Client) *Hub {
	return &Hub{
		subscribers: make(map[subscriberKey][]subscriberEntry),
		waiting:     make(map[string]chan Message),
		redis:       redisClient,
		source:      source,
	}
}

// Subscribe registers fn for messages of eventType on namespace under
// subscriberID, the id Unsubscribe takes. subscriberID is also the Target
// for messages addressed specifically to this subscriber.
func (h *Hub) Subscribe(namespace Namespace, eventType, subscriberID string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := subscriberKey{namespace: namespace, eventType: eventType}
	h.subscribers[key] = append(h.subscribers[key], subscriberEntry{id: subscriberID, fn: fn})
}

// Unsubscribe removes subscriberID's handler for (namespace, eventType).
func (h *Hub) Unsubscribe(namespace Namespace, eventType, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := subscriberKey{namespace: namespace, eventType: eventType}
	entries := h.subscribers[key]
	filtered := entries[:0]
	for _, e := range entries {
		if e.id != subscriberID {
			filtered = append(filtered, e)
		}
	}
	h.subscribers[key] = filtered
}

// Publish broadcasts msg to every subscriber of (namespace, msg.Type), or,
// if msg.Target is set, only to the subscriber with that id.
func (h *Hub) Publish(namespace Namespace, msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Source == "" {
		msg.Source = h.source
	}

	h.deliverLocal(namespace, msg)

	if h.redis != nil {
		h.publishRemote(namespace, msg)
	}
}

func (h *Hub) deliverLocal(namespace Namespace, msg Message) {
	h.mu.RLock()
	entries := h.subscribers[subscriberKey{namespace: namespace, eventType: msg.Type}]
	h.mu.RUnlock()

	for _, e := range entries {
		if msg.Target != "" && msg.Target != e.id {
			continue
		}
		safeInvoke(e.fn, msg)
	}

	// Only replies complete a pending Request — the request itself carries
	// the same correlation id and must not satisfy its own wait.
	if msg.CorrelationID != "" && strings.HasSuffix(msg.Type, ":response") {
		h.waitMu.Lock()
		ch, ok := h.waiting[msg.CorrelationID]
		h.waitMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

func safeInvoke(fn Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[hub] subscriber panic on %s: %v", msg.Type, r)
		}
	}()
	fn(msg)
}

// Request publishes msg with a fresh correlation id and blocks until a
// matching response arrives or the context deadline elapses.
func (h *Hub) Request(ctx context.Context, namespace Namespace, msg Message) (Message, error) {
	correlationID := uuid.NewString()
	msg.CorrelationID = correlationID

	ch := make(chan Message, 1)
	h.waitMu.Lock()
	h.waiting[correlationID] = ch
	h.waitMu.Unlock()

	defer func() {
		h.waitMu.Lock()
		delete(h.waiting, correlationID)
		h.waitMu.Unlock()
	}()

	h.Publish(namespace, msg)

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Message{}, fmt.Errorf("messagehub: request %s timed out: %w", correlationID, ctx.Err())
	}
}

// Respond publishes a response carrying the same correlation id as req, so
// the original Requester's wait channel picks it up.
func (h *Hub) Respond(namespace Namespace, req Message, resp Message) {
	resp.CorrelationID = req.CorrelationID
	resp.Type = req.Type + ":response"
	h.Publish(namespace, resp)
}

func redisChannel(namespace Namespace) string {
	return "commuter:" + string(namespace)
}

func (h *Hub) publishRemote(namespace Namespace, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[hub] marshal error: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.redis.Publish(ctx, redisChannel(namespace), payload).Err(); err != nil {
		log.Printf("[hub] redis publish error on %s: %v", namespace, err)
	}
}

// RunRemoteBridge subscribes to the Redis channel for namespace and
// re-delivers every message it receives to local subscribers, with
// exponential backoff (bounded at 30s) and unbounded retries on
// disconnect, re-subscribing automatically on reconnect. Messages this
// process published itself are dropped — Publish already delivered them
// locally, and re-delivering the Redis echo would break at-most-once
// delivery within the process. Missed events during a disconnect are
// lost — subscribers must be idempotent.
func (h *Hub) RunRemoteBridge(ctx context.Context, namespace Namespace) {
	if h.redis == nil {
		return
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sub := h.redis.Subscribe(ctx, redisChannel(namespace))
		ch := sub.Channel()
		log.Printf("[hub] subscribed to redis channel %s", redisChannel(namespace))

	receiveLoop:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case rmsg, ok := <-ch:
				if !ok {
					break receiveLoop
				}
				// A delivered message proves the subscription healthy again.
				backoff = time.Second
				var m Message
				if err := json.Unmarshal([]byte(rmsg.Payload), &m); err != nil {
					log.Printf("[hub] unmarshal error: %v", err)
					continue
				}
				if m.Source == h.source {
					continue
				}
				h.deliverLocal(namespace, m)
			}
		}

		sub.Close()
		log.Printf("[hub] redis subscription to %s dropped, retrying in %s", namespace, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}
