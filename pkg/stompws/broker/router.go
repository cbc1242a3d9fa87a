package broker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/tsarna/stompws/pkg/stompws"
)

type matcher func(destination string) bool

// makeMatcher returns an exact matcher unless pattern contains MQTT-style
// wildcards.
func makeMatcher(pattern string) matcher {
	if !strings.ContainsAny(pattern, "+#") {
		return func(destination string) bool {
			return destination == pattern
		}
	}

	return func(destination string) bool {
		return mqttpattern.Matches(pattern, destination)
	}
}

// subscription is one client subscription held by the broker.
type subscription struct {
	id          string
	destination string
	ackMode     string
	match       matcher

	// message ids awaiting ACK/NACK, oldest first
	unacked []string
}

// settle removes ackID from the unacked list. In client mode every older
// message is settled too.
func (s *subscription) settle(ackID string) bool {
	for i, id := range s.unacked {
		if id != ackID {
			continue
		}
		if s.ackMode == stompws.AckClient {
			s.unacked = s.unacked[i+1:]
		} else {
			s.unacked = append(s.unacked[:i], s.unacked[i+1:]...)
		}
		return true
	}
	return false
}

// router delivers SEND frames to matching subscriptions across connections.
type router struct {
	mu        sync.RWMutex
	routes    map[*connection]map[string]*subscription
	messageID atomic.Int64
}

func newRouter() *router {
	return &router{routes: make(map[*connection]map[string]*subscription)}
}

func (r *router) add(conn *connection, sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.routes[conn]
	if !ok {
		subs = make(map[string]*subscription)
		r.routes[conn] = subs
	}
	subs[sub.id] = sub
}

func (r *router) remove(conn *connection, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.routes[conn]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.routes, conn)
		}
	}
}

func (r *router) removeAll(conn *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, conn)
}

// publish sends a MESSAGE to every subscription matching destination and
// returns the number of deliveries.
func (r *router) publish(ctx context.Context, destination string, header stompws.Header, body []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for conn, subs := range r.routes {
		for _, sub := range subs {
			if !sub.match(destination) {
				continue
			}

			messageID := strconv.FormatInt(r.messageID.Add(1), 10)
			if conn.deliver(ctx, sub, messageID, destination, header, body) {
				delivered++
			}
		}
	}
	return delivered
}
