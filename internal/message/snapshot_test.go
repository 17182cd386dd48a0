package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_SurvivesJSON(t *testing.T) {
	req := newInvite()
	req.Body = []byte("v=0")
	req.Transport = "UDP"

	raw, err := json.Marshal(req.Snapshot())
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	got := FromSnapshot(snap)

	assert.True(t, got.IsRequest())
	assert.Equal(t, MethodINVITE, got.GetMethod())
	assert.Equal(t, req.GetRequestURI(), got.GetRequestURI())
	assert.Equal(t, req.Headers, got.Headers)
	assert.Equal(t, "v=0", string(got.Body))
	assert.Equal(t, "UDP", got.Transport)

	resp := NewResponse(req, StatusBusyHere, "", "b1")
	back := FromSnapshot(resp.Snapshot())
	assert.True(t, back.IsResponse())
	assert.Equal(t, StatusBusyHere, back.GetStatusCode())
	assert.Equal(t, "Busy Here", back.GetReasonPhrase())
	assert.Equal(t, "b1", back.ToTag())
}

func TestSnapshot_IsDetached(t *testing.T) {
	req := newInvite()
	snap := req.Snapshot()
	snap.Headers[HeaderCallID][0] = "changed"
	assert.Equal(t, "call-1@example.com", req.CallID())
}
