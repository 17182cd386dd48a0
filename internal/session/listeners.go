package session

import (
	"fmt"
	"sync"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/metrics"
)

// Listener kinds, used as the metric label.
const (
	kindSession            = "session"
	kindReadyToInvalidate  = "ready_to_invalidate"
	kindAttribute          = "attribute"
	kindBinding            = "binding"
	kindApplicationSession = "application_session"
)

type listenerRegistry struct {
	mu         sync.RWMutex
	session    []SessionListener
	ready      []ReadyToInvalidateListener
	attribute  []AttributeListener
	appSession []ApplicationSessionListener
	logger     logging.Logger
}

func (r *listenerRegistry) add(l any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := false
	if sl, ok := l.(SessionListener); ok {
		r.session = append(r.session, sl)
		matched = true
	}
	if rl, ok := l.(ReadyToInvalidateListener); ok {
		r.ready = append(r.ready, rl)
		matched = true
	}
	if al, ok := l.(AttributeListener); ok {
		r.attribute = append(r.attribute, al)
		matched = true
	}
	if asl, ok := l.(ApplicationSessionListener); ok {
		r.appSession = append(r.appSession, asl)
		matched = true
	}
	if !matched {
		return fmt.Errorf("%w: %T implements no listener interface", ErrInvalidArgument, l)
	}
	return nil
}

// safeCall runs one listener callback. A panic is logged and counted and never reaches
// the caller, so the remaining listeners still run.
func (r *listenerRegistry) safeCall(kind string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Listener failed",
				logging.StringField("kind", kind),
				logging.Field{Key: "panic", Value: fmt.Sprint(rec)})
			metrics.RecordListenerFailure(kind)
		}
	}()
	fn()
}

func (r *listenerRegistry) sessionCreated(s *Session) {
	r.mu.RLock()
	ls := append([]SessionListener(nil), r.session...)
	r.mu.RUnlock()
	for _, l := range ls {
		r.safeCall(kindSession, func() { l.SessionCreated(s) })
	}
}

func (r *listenerRegistry) sessionDestroyed(s *Session) {
	r.mu.RLock()
	ls := append([]SessionListener(nil), r.session...)
	r.mu.RUnlock()
	for _, l := range ls {
		r.safeCall(kindSession, func() { l.SessionDestroyed(s) })
	}
}

func (r *listenerRegistry) readyToInvalidate(s *Session) {
	r.mu.RLock()
	ls := append([]ReadyToInvalidateListener(nil), r.ready...)
	r.mu.RUnlock()
	for _, l := range ls {
		r.safeCall(kindReadyToInvalidate, func() { l.SessionReadyToInvalidate(s) })
	}
}

func (r *listenerRegistry) attributeAdded(s *Session, name string, value any) {
	r.mu.RLock()
	ls := append([]AttributeListener(nil), r.attribute...)
	r.mu.RUnlock()
	for _, l := range ls {
		r.safeCall(kindAttribute, func() { l.AttributeAdded(s, name, value) })
	}
}

func (r *listenerRegistry) attributeRemoved(s *Session, name string, value any) {
	r.mu.RLock()
	ls := append([]AttributeListener(nil), r.attribute...)
	r.mu.RUnlock()
	for _, l := range ls {
		r.safeCall(kindAttribute, func() { l.AttributeRemoved(s, name, value) })
	}
}

func (r *listenerRegistry) attributeReplaced(s *Session, name string, old any) {
	r.mu.RLock()
	ls := append([]AttributeListener(nil), r.attribute...)
	r.mu.RUnlock()
	for _, l := range ls {
		r.safeCall(kindAttribute, func() { l.AttributeReplaced(s, name, old) })
	}
}

func (r *listenerRegistry) valueBound(s *Session, name string, value any) {
	if bl, ok := value.(BindingListener); ok {
		r.safeCall(kindBinding, func() { bl.ValueBound(s, name) })
	}
}

func (r *listenerRegistry) valueUnbound(s *Session, name string, value any) {
	if bl, ok := value.(BindingListener); ok {
		r.safeCall(kindBinding, func() { bl.ValueUnbound(s, name) })
	}
}

func (r *listenerRegistry) applicationSessionCreated(as *ApplicationSession) {
	r.mu.RLock()
	ls := append([]ApplicationSessionListener(nil), r.appSession...)
	r.mu.RUnlock()
	for _, l := range ls {
		r.safeCall(kindApplicationSession, func() { l.ApplicationSessionCreated(as) })
	}
}

func (r *listenerRegistry) applicationSessionDestroyed(as *ApplicationSession) {
	r.mu.RLock()
	ls := append([]ApplicationSessionListener(nil), r.appSession...)
	r.mu.RUnlock()
	for _, l := range ls {
		r.safeCall(kindApplicationSession, func() { l.ApplicationSessionDestroyed(as) })
	}
}
