package message

// Snapshot is the serializable form of a SIPMessage. Source and destination addresses
// are not kept.
type Snapshot struct {
	Method       string              `json:"method,omitempty"`
	RequestURI   string              `json:"request_uri,omitempty"`
	StatusCode   int                 `json:"status_code,omitempty"`
	ReasonPhrase string              `json:"reason_phrase,omitempty"`
	Version      string              `json:"version,omitempty"`
	Headers      map[string][]string `json:"headers,omitempty"`
	Body         []byte              `json:"body,omitempty"`
	Transport    string              `json:"transport,omitempty"`
}

// Snapshot captures the message for persistence
func (m *SIPMessage) Snapshot() Snapshot {
	c := m.Clone()
	snap := Snapshot{Headers: c.Headers, Body: c.Body, Transport: c.Transport}
	switch sl := c.StartLine.(type) {
	case *RequestLine:
		snap.Method, snap.RequestURI, snap.Version = sl.Method, sl.RequestURI, sl.Version
	case *StatusLine:
		snap.StatusCode, snap.ReasonPhrase, snap.Version = sl.StatusCode, sl.ReasonPhrase, sl.Version
	}
	return snap
}

// FromSnapshot rebuilds a message from its snapshot.
func FromSnapshot(snap Snapshot) *SIPMessage {
	version := snap.Version
	if version == "" {
		version = SIPVersion
	}
	m := &SIPMessage{Headers: make(map[string][]string, len(snap.Headers)), Transport: snap.Transport}
	if snap.StatusCode != 0 {
		m.StartLine = &StatusLine{Version: version, StatusCode: snap.StatusCode, ReasonPhrase: snap.ReasonPhrase}
	} else {
		m.StartLine = &RequestLine{Method: snap.Method, RequestURI: snap.RequestURI, Version: version}
	}
	for name, values := range snap.Headers {
		m.Headers[name] = append([]string(nil), values...)
	}
	if snap.Body != nil {
		m.Body = append([]byte(nil), snap.Body...)
	}
	return m
}
