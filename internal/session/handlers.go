package session

import (
	"errors"
	"fmt"
	"sync"

	"venuesync/internal/models"
)

// ErrHandlerPanic wraps a value recovered from a panicking handler.
var ErrHandlerPanic = errors.New("handler panicked")

// Handler consumes one decoded server frame. A returned error is logged
// and does not stop other handlers.
type Handler func(msg models.ServerMessage) error

// HandlerID identifies a registration for Off. Zero is never issued.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

type registry struct {
	mu        sync.RWMutex
	next      HandlerID
	byType    map[models.MessageType][]handlerEntry
	onFailure func(msgType models.MessageType, id HandlerID, err error)
}

func newRegistry(onFailure func(models.MessageType, HandlerID, error)) *registry {
	return &registry{
		byType:    make(map[models.MessageType][]handlerEntry),
		onFailure: onFailure,
	}
}

func (r *registry) add(msgType models.MessageType, h Handler) HandlerID {
	if h == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.byType[msgType] = append(r.byType[msgType], handlerEntry{id: r.next, fn: h})
	return r.next
}

func (r *registry) remove(id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for t, entries := range r.byType {
		for i, e := range entries {
			if e.id != id {
				continue
			}
			next := make([]handlerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(r.byType, t)
			} else {
				r.byType[t] = next
			}
			return true
		}
	}
	return false
}

func (r *registry) count(msgType models.MessageType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType[msgType])
}

// dispatch runs every handler registered for msg.Type in registration order.
func (r *registry) dispatch(msg models.ServerMessage) {
	r.mu.RLock()
	entries := r.byType[msg.Type]
	r.mu.RUnlock()

	for _, e := range entries {
		if err := invoke(e.fn, msg); err != nil && r.onFailure != nil {
			r.onFailure(msg.Type, e.id, err)
		}
	}
}

func invoke(h Handler, msg models.ServerMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	return h(msg)
}
