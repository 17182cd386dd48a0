package session

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zurustar/sipsession/internal/message"
	"github.com/zurustar/sipsession/internal/metrics"
)

type bindingValue struct {
	mu     sync.Mutex
	events []string
}

func (b *bindingValue) ValueBound(_ *Session, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "bound:"+name)
}

func (b *bindingValue) ValueUnbound(_ *Session, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "unbound:"+name)
}

func (b *bindingValue) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

type attributeRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *attributeRecorder) add(e string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *attributeRecorder) AttributeAdded(_ *Session, name string, _ any)    { a.add("added:" + name) }
func (a *attributeRecorder) AttributeRemoved(_ *Session, name string, _ any)  { a.add("removed:" + name) }
func (a *attributeRecorder) AttributeReplaced(_ *Session, name string, _ any) { a.add("replaced:" + name) }

func (a *attributeRecorder) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func TestAttributes_Lifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	rec := &attributeRecorder{}
	require.NoError(t, m.AddListener(rec))
	s, _ := confirmedUAC(t, m)

	first, second := &bindingValue{}, &bindingValue{}
	require.NoError(t, s.SetAttribute("media", first))
	require.NoError(t, s.SetAttribute("media", second))
	require.NoError(t, s.SetAttribute("note", "x"))
	assert.Equal(t, []string{"media", "note"}, s.AttributeNames())

	require.NoError(t, s.RemoveAttribute("note"))
	require.NoError(t, s.RemoveAttribute("missing"))
	_, ok := s.GetAttribute("note")
	assert.False(t, ok)

	assert.Equal(t, []string{"bound:media", "unbound:media"}, first.Events())
	assert.Equal(t, []string{"bound:media"}, second.Events())

	require.NoError(t, s.Invalidate(false))
	assert.Equal(t, []string{"bound:media", "unbound:media"}, second.Events(), "invalidation unbinds")
	assert.Equal(t, []string{
		"added:media", "replaced:media", "added:note", "removed:note", "removed:media",
	}, rec.Events())
}

func TestAttributes_Validation(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := confirmedUAC(t, m)

	assert.ErrorIs(t, s.SetAttribute("", "v"), ErrInvalidArgument)
	require.NoError(t, s.SetAttribute("k", "v"))
	require.NoError(t, s.SetAttribute("k", nil))
	_, ok := s.GetAttribute("k")
	assert.False(t, ok)
}

type panickingListener struct{}

func (panickingListener) SessionCreated(*Session)   { panic("boom") }
func (panickingListener) SessionDestroyed(*Session) { panic("boom") }

type sessionCounter struct {
	mu               sync.Mutex
	created, removed int
}

func (c *sessionCounter) SessionCreated(*Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
}

func (c *sessionCounter) SessionDestroyed(*Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed++
}

func TestListeners_PanicIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	counter := &sessionCounter{}
	require.NoError(t, m.AddListener(panickingListener{}))
	require.NoError(t, m.AddListener(counter))

	failures := metrics.ListenerFailuresTotal.WithLabelValues("session")
	before := testutil.ToFloat64(failures)

	s, _ := newUACSession(t, m, message.MethodINVITE)
	require.NoError(t, s.Invalidate(false))

	assert.Equal(t, 1, counter.created)
	assert.Equal(t, 1, counter.removed)
	assert.Equal(t, before+2, testutil.ToFloat64(failures))
}

func TestAddListener_RejectsUnknownType(t *testing.T) {
	m, _ := newTestManager(t)
	assert.ErrorIs(t, m.AddListener(struct{}{}), ErrInvalidArgument)
}
