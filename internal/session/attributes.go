package session

import (
	"fmt"
	"sort"
)

// GetAttribute returns a session attribute.
func (s *Session) GetAttribute(name string) (any, bool) {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	v, ok := s.attributes[name]
	return v, ok
}

// AttributeNames returns the names of all attributes, sorted.
func (s *Session) AttributeNames() []string {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	names := make([]string, 0, len(s.attributes))
	for name := range s.attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetAttribute binds value under name. Replacing a value unbinds the old one first.
// A nil value removes the attribute.
func (s *Session) SetAttribute(name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: attribute name is empty", ErrInvalidArgument)
	}
	if value == nil {
		return s.RemoveAttribute(name)
	}
	if !s.IsValid() {
		return fmt.Errorf("%w: session %s is invalid", ErrInvalidState, s.id)
	}

	s.attrMu.Lock()
	old, replaced := s.attributes[name]
	s.attributes[name] = value
	s.attrMu.Unlock()

	l := s.manager.listeners
	l.valueBound(s, name, value)
	if replaced {
		l.valueUnbound(s, name, old)
		l.attributeReplaced(s, name, old)
	} else {
		l.attributeAdded(s, name, value)
	}
	s.manager.replicate(s)
	return nil
}

// RemoveAttribute unbinds an attribute. Removing a missing attribute is not an error.
func (s *Session) RemoveAttribute(name string) error {
	if !s.IsValid() {
		return fmt.Errorf("%w: session %s is invalid", ErrInvalidState, s.id)
	}

	s.attrMu.Lock()
	old, ok := s.attributes[name]
	delete(s.attributes, name)
	s.attrMu.Unlock()

	if !ok {
		return nil
	}
	s.manager.listeners.valueUnbound(s, name, old)
	s.manager.listeners.attributeRemoved(s, name, old)
	s.manager.replicate(s)
	return nil
}

func (s *Session) copyAttributes() map[string]any {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	out := make(map[string]any, len(s.attributes))
	for k, v := range s.attributes {
		out[k] = v
	}
	return out
}
