package message

import (
	"fmt"
	"net"
	"strconv"
)

// SIP Methods
const (
	MethodINVITE    = "INVITE"
	MethodACK       = "ACK"
	MethodBYE       = "BYE"
	MethodCANCEL    = "CANCEL"
	MethodREGISTER  = "REGISTER"
	MethodOPTIONS   = "OPTIONS"
	MethodINFO      = "INFO"
	MethodPRACK     = "PRACK"
	MethodUPDATE    = "UPDATE"
	MethodSUBSCRIBE = "SUBSCRIBE"
	MethodNOTIFY    = "NOTIFY"
	MethodREFER     = "REFER"
	MethodMESSAGE   = "MESSAGE"
	MethodPUBLISH   = "PUBLISH"
)

// SIP Response Codes used by the engine
const (
	StatusTrying              = 100
	StatusRinging             = 180
	StatusSessionProgress     = 183
	StatusOK                  = 200
	StatusMovedTemporarily    = 302
	StatusUnauthorized        = 401
	StatusNotFound            = 404
	StatusProxyAuthRequired   = 407
	StatusRequestTimeout      = 408
	StatusCallDoesNotExist    = 481
	StatusBusyHere            = 486
	StatusRequestTerminated   = 487
	StatusServerInternalError = 500
	StatusServiceUnavailable  = 503
	StatusDecline             = 603
)

var reasonPhrases = map[int]string{
	StatusTrying:              "Trying",
	StatusRinging:             "Ringing",
	StatusSessionProgress:     "Session Progress",
	StatusOK:                  "OK",
	StatusMovedTemporarily:    "Moved Temporarily",
	StatusUnauthorized:        "Unauthorized",
	StatusNotFound:            "Not Found",
	StatusProxyAuthRequired:   "Proxy Authentication Required",
	StatusRequestTimeout:      "Request Timeout",
	StatusCallDoesNotExist:    "Call/Transaction Does Not Exist",
	StatusBusyHere:            "Busy Here",
	StatusRequestTerminated:   "Request Terminated",
	StatusServerInternalError: "Server Internal Error",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusDecline:             "Decline",
}

// SIP Version
const SIPVersion = "SIP/2.0"

// Common SIP Headers
const (
	HeaderVia                = "Via"
	HeaderFrom               = "From"
	HeaderTo                 = "To"
	HeaderCallID             = "Call-ID"
	HeaderCSeq               = "CSeq"
	HeaderMaxForwards        = "Max-Forwards"
	HeaderContact            = "Contact"
	HeaderRoute              = "Route"
	HeaderRecordRoute        = "Record-Route"
	HeaderPath               = "Path"
	HeaderExpires            = "Expires"
	HeaderContentType        = "Content-Type"
	HeaderContentLength      = "Content-Length"
	HeaderUserAgent          = "User-Agent"
	HeaderAllow              = "Allow"
	HeaderSupported          = "Supported"
	HeaderRequire            = "Require"
	HeaderEvent              = "Event"
	HeaderSubscriptionState  = "Subscription-State"
	HeaderRSeq               = "RSeq"
	HeaderRAck               = "RAck"
	HeaderAuthorization      = "Authorization"
	HeaderProxyAuthorization = "Proxy-Authorization"
)

// DefaultMaxForwards is used when a request carries no Max-Forwards header.
const DefaultMaxForwards = 70

// SIPMessage represents a SIP request or response.
type SIPMessage struct {
	StartLine   StartLine
	Headers     map[string][]string
	Body        []byte
	Transport   string
	Source      net.Addr
	Destination net.Addr
}

// StartLine interface for request and status lines
type StartLine interface {
	String() string
	IsRequest() bool
}

// RequestLine represents a SIP request line
type RequestLine struct {
	Method     string
	RequestURI string
	Version    string
}

func (r *RequestLine) String() string {
	return r.Method + " " + r.RequestURI + " " + r.Version
}

func (r *RequestLine) IsRequest() bool {
	return true
}

// StatusLine represents a SIP status line
type StatusLine struct {
	Version      string
	StatusCode   int
	ReasonPhrase string
}

func (s *StatusLine) String() string {
	return s.Version + " " + strconv.Itoa(s.StatusCode) + " " + s.ReasonPhrase
}

func (s *StatusLine) IsRequest() bool {
	return false
}

// NewRequestMessage creates a new SIP request message
func NewRequestMessage(method, requestURI string) *SIPMessage {
	return &SIPMessage{
		StartLine: &RequestLine{Method: method, RequestURI: requestURI, Version: SIPVersion},
		Headers:   make(map[string][]string),
	}
}

// NewResponseMessage creates a new SIP response message
func NewResponseMessage(statusCode int, reasonPhrase string) *SIPMessage {
	if reasonPhrase == "" {
		reasonPhrase = GetReasonPhraseForCode(statusCode)
	}
	return &SIPMessage{
		StartLine: &StatusLine{Version: SIPVersion, StatusCode: statusCode, ReasonPhrase: reasonPhrase},
		Headers:   make(map[string][]string),
	}
}

// AddHeader appends a header value
func (m *SIPMessage) AddHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string][]string)
	}
	m.Headers[name] = append(m.Headers[name], value)
}

// PrependHeader inserts a header value before any existing values
func (m *SIPMessage) PrependHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string][]string)
	}
	m.Headers[name] = append([]string{value}, m.Headers[name]...)
}

// SetHeader sets a header value, replacing any existing values
func (m *SIPMessage) SetHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string][]string)
	}
	m.Headers[name] = []string{value}
}

// GetHeader returns the first value of a header
func (m *SIPMessage) GetHeader(name string) string {
	if values := m.Headers[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// GetHeaders returns all values of a header
func (m *SIPMessage) GetHeaders(name string) []string {
	return m.Headers[name]
}

// HasHeader checks if a header exists
func (m *SIPMessage) HasHeader(name string) bool {
	_, exists := m.Headers[name]
	return exists
}

// RemoveHeader removes a header from the message
func (m *SIPMessage) RemoveHeader(name string) {
	delete(m.Headers, name)
}

func (m *SIPMessage) IsRequest() bool {
	return m.StartLine != nil && m.StartLine.IsRequest()
}

func (m *SIPMessage) IsResponse() bool {
	return m.StartLine != nil && !m.StartLine.IsRequest()
}

// GetMethod returns the method for requests and the CSeq method for responses.
func (m *SIPMessage) GetMethod() string {
	if req, ok := m.StartLine.(*RequestLine); ok {
		return req.Method
	}
	_, method, _ := ParseCSeq(m.GetHeader(HeaderCSeq))
	return method
}

// SetMethod rewrites the request line method and the CSeq method.
func (m *SIPMessage) SetMethod(method string) {
	if req, ok := m.StartLine.(*RequestLine); ok {
		req.Method = method
	}
	if n, _, err := ParseCSeq(m.GetHeader(HeaderCSeq)); err == nil {
		m.SetHeader(HeaderCSeq, FormatCSeq(n, method))
	}
}

func (m *SIPMessage) GetStatusCode() int {
	if resp, ok := m.StartLine.(*StatusLine); ok {
		return resp.StatusCode
	}
	return 0
}

func (m *SIPMessage) GetReasonPhrase() string {
	if resp, ok := m.StartLine.(*StatusLine); ok {
		return resp.ReasonPhrase
	}
	return ""
}

func (m *SIPMessage) GetRequestURI() string {
	if req, ok := m.StartLine.(*RequestLine); ok {
		return req.RequestURI
	}
	return ""
}

// SetRequestURI replaces the request URI of a request
func (m *SIPMessage) SetRequestURI(uri string) {
	if req, ok := m.StartLine.(*RequestLine); ok {
		req.RequestURI = uri
	}
}

// CallID returns the Call-ID header value
func (m *SIPMessage) CallID() string {
	return m.GetHeader(HeaderCallID)
}

// FromTag returns the tag parameter of the From header
func (m *SIPMessage) FromTag() string {
	return ExtractTag(m.GetHeader(HeaderFrom))
}

// ToTag returns the tag parameter of the To header
func (m *SIPMessage) ToTag() string {
	return ExtractTag(m.GetHeader(HeaderTo))
}

// CSeq returns the sequence number and method of the CSeq header.
// A missing or malformed header yields zero values.
func (m *SIPMessage) CSeq() (uint32, string) {
	n, method, _ := ParseCSeq(m.GetHeader(HeaderCSeq))
	return n, method
}

// Branch returns the branch parameter of the top Via header
func (m *SIPMessage) Branch() string {
	return ViaBranch(m.GetHeader(HeaderVia))
}

// Clone creates a deep copy of the SIP message
func (m *SIPMessage) Clone() *SIPMessage {
	clone := &SIPMessage{
		Headers:     make(map[string][]string, len(m.Headers)),
		Transport:   m.Transport,
		Source:      m.Source,
		Destination: m.Destination,
	}
	if m.Body != nil {
		clone.Body = append([]byte(nil), m.Body...)
	}
	for name, values := range m.Headers {
		clone.Headers[name] = append([]string(nil), values...)
	}

	switch sl := m.StartLine.(type) {
	case *RequestLine:
		clone.StartLine = &RequestLine{Method: sl.Method, RequestURI: sl.RequestURI, Version: sl.Version}
	case *StatusLine:
		clone.StartLine = &StatusLine{Version: sl.Version, StatusCode: sl.StatusCode, ReasonPhrase: sl.ReasonPhrase}
	}
	return clone
}

// GetReasonPhraseForCode returns the standard reason phrase for a status code
func GetReasonPhraseForCode(code int) string {
	if phrase, ok := reasonPhrases[code]; ok {
		return phrase
	}
	return fmt.Sprintf("Status %d", code)
}

// IsValidMethod reports whether method is a syntactically valid SIP method token
// (RFC 3261 token characters). Extension methods are allowed.
func IsValidMethod(method string) bool {
	if method == "" {
		return false
	}
	for _, c := range method {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '!', c == '%', c == '*', c == '_', c == '+', c == '`', c == '\'', c == '~':
		default:
			return false
		}
	}
	return true
}

// IsValidStatusCode checks if a status code is valid
func IsValidStatusCode(code int) bool {
	return code >= 100 && code <= 699
}

// IsDialogCreating reports whether method can establish a dialog.
func IsDialogCreating(method string) bool {
	switch method {
	case MethodINVITE, MethodSUBSCRIBE, MethodREFER:
		return true
	}
	return false
}

// IsTargetRefresh reports whether method updates the remote target of a dialog.
func IsTargetRefresh(method string) bool {
	switch method {
	case MethodINVITE, MethodUPDATE, MethodSUBSCRIBE, MethodNOTIFY, MethodREFER:
		return true
	}
	return false
}
