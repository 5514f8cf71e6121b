package metrics

import "sync"

const subscriberBuffer = 16

// hub fans events out to subscribers. Delivery is best-effort: a subscriber
// that falls behind loses events instead of blocking the recording path.
type hub struct {
	mu     sync.RWMutex
	closed bool
	subs   map[EventKind]map[int]chan Event
	rt     map[int]chan Realtime
	nextID int
}

func newHub() *hub {
	return &hub{
		subs: make(map[EventKind]map[int]chan Event),
		rt:   make(map[int]chan Realtime),
	}
}

func (h *hub) subscribe(kind EventKind) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	if h.subs[kind] == nil {
		h.subs[kind] = make(map[int]chan Event)
	}
	h.subs[kind][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[kind][id]; ok {
			delete(h.subs[kind], id)
			close(sub)
		}
	}
	return ch, cancel
}

func (h *hub) subscribeRealtime() (<-chan Realtime, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Realtime, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.rt[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.rt[id]; ok {
			delete(h.rt, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (h *hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs[ev.Kind] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) publishRealtime(rt Realtime) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.rt {
		select {
		case ch <- rt:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, kindSubs := range h.subs {
		for id, ch := range kindSubs {
			delete(kindSubs, id)
			close(ch)
		}
	}
	for id, ch := range h.rt {
		delete(h.rt, id)
		close(ch)
	}
}
