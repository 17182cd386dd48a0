package dialog

import (
	"testing"

	"github.com/zurustar/sipsession/internal/logging"
	"github.com/zurustar/sipsession/internal/message"
)

type mockLogger struct {
	debugs []string
}

func (l *mockLogger) Debug(msg string, fields ...logging.Field) { l.debugs = append(l.debugs, msg) }
func (l *mockLogger) Info(msg string, fields ...logging.Field)  {}
func (l *mockLogger) Warn(msg string, fields ...logging.Field)  {}
func (l *mockLogger) Error(msg string, fields ...logging.Field) {}

func TestDialogCreation(t *testing.T) {
	logger := &mockLogger{}
	dm := NewManager(logger)

	d := dm.Create("call-1@example.com", "<sip:alice@example.com>", "<sip:bob@example.com>", "a1", "b1", 1)

	if d == nil {
		t.Fatal("Dialog should not be nil")
	}
	if d.State() != StateEarly {
		t.Errorf("Expected state %s, got %s", StateEarly, d.State())
	}
	if d.LocalCSeq != 1 {
		t.Errorf("Expected local CSeq 1, got %d", d.LocalCSeq)
	}
	if len(logger.debugs) != 1 {
		t.Errorf("Expected one debug log, got %d", len(logger.debugs))
	}
	if dm.Count() != 1 {
		t.Errorf("Expected 1 dialog, got %d", dm.Count())
	}
}

func TestDialogLookup(t *testing.T) {
	dm := NewManager(&mockLogger{})
	created := dm.Create("call-1", "<sip:a@x>", "<sip:b@x>", "a1", "b1", 1)

	if dm.Find("call-1", "a1", "b1") != created {
		t.Error("Expected to find dialog by local/remote tag")
	}
	if dm.Find("call-1", "b1", "a1") != created {
		t.Error("Expected to find dialog with swapped tags")
	}
	if dm.Find("call-1", "a1", "zz") != nil {
		t.Error("Unexpected dialog for unknown tag")
	}
	if dm.Get(created.ID) != created {
		t.Error("Expected to get dialog by ID")
	}

	dm.Remove(created.ID)
	if dm.Find("call-1", "a1", "b1") != nil || dm.Count() != 0 {
		t.Error("Dialog should be removed")
	}
}

func TestDialogStateTransitions(t *testing.T) {
	dm := NewManager(&mockLogger{})
	d := dm.Create("call-1", "<sip:a@x>", "<sip:b@x>", "a1", "b1", 1)

	d.Confirm()
	if !d.IsConfirmed() {
		t.Error("Dialog should be confirmed")
	}

	dm.Terminate(d.ID)
	if !d.IsTerminated() {
		t.Error("Dialog should be terminated")
	}

	d.Confirm()
	if !d.IsTerminated() {
		t.Error("Terminated dialog must not be confirmed again")
	}
}

func TestDialogCSeq(t *testing.T) {
	dm := NewManager(&mockLogger{})
	d := dm.Create("call-1", "<sip:a@x>", "<sip:b@x>", "a1", "b1", 5)

	if got := d.NextLocalCSeq(); got != 6 {
		t.Errorf("Expected 6, got %d", got)
	}
	d.UpdateRemoteCSeq(3)
	d.UpdateRemoteCSeq(2)
	if d.RemoteCSeq != 3 {
		t.Errorf("Expected remote CSeq 3, got %d", d.RemoteCSeq)
	}
	d.SetLocalCSeq(4)
	if d.LocalCSeq != 6 {
		t.Errorf("Local CSeq must not go backwards, got %d", d.LocalCSeq)
	}
}

func TestDialogCreateRequest(t *testing.T) {
	dm := NewManager(&mockLogger{})
	d := dm.Create("call-1", `"Alice" <sip:alice@example.com>`, "<sip:bob@example.com>", "a1", "b1", 1)
	d.SetRemoteTarget("sip:bob@10.0.0.2:5060")
	d.SetRouteSet([]string{"<sip:p1.example.com;lr>", "<sip:p2.example.com;lr>"})

	bye := d.CreateRequest(message.MethodBYE)
	if bye.GetRequestURI() != "sip:bob@10.0.0.2:5060" {
		t.Errorf("Expected remote target as request URI, got %s", bye.GetRequestURI())
	}
	if bye.GetHeader(message.HeaderCSeq) != "2 BYE" {
		t.Errorf("Expected CSeq 2 BYE, got %s", bye.GetHeader(message.HeaderCSeq))
	}
	if bye.FromTag() != "a1" || bye.ToTag() != "b1" {
		t.Errorf("Unexpected tags %s/%s", bye.FromTag(), bye.ToTag())
	}
	if routes := bye.GetHeaders(message.HeaderRoute); len(routes) != 2 || routes[0] != "<sip:p1.example.com;lr>" {
		t.Errorf("Unexpected route set %v", routes)
	}

	ack := d.CreateRequest(message.MethodACK)
	if ack.GetHeader(message.HeaderCSeq) != "2 ACK" {
		t.Errorf("ACK must reuse the current CSeq, got %s", ack.GetHeader(message.HeaderCSeq))
	}
}

func TestDialogSnapshotRoundTrip(t *testing.T) {
	dm := NewManager(&mockLogger{})
	d := dm.Create("call-1", "<sip:a@x>", "<sip:b@x>", "a1", "b1", 1)
	d.Confirm()
	d.SetRouteSet([]string{"<sip:p1;lr>"})

	restored := FromSnapshot(d.Snapshot())
	if restored.ID != d.ID || !restored.IsConfirmed() || len(restored.RouteSet) != 1 {
		t.Errorf("Restored dialog differs: %+v", restored.Snapshot())
	}
}
