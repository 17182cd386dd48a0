package message

import (
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BranchMagicCookie prefixes every RFC 3261 compliant branch.
const BranchMagicCookie = "z9hG4bK"

// HashApplicationName returns a short stable hash of an application name. It is embedded
// in branches, tags and self-referencing routes so they can be attributed to an application.
func HashApplicationName(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return strconv.FormatUint(uint64(h.Sum32()), 36)
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// GenerateBranch builds a fresh branch seeded with the application session id and the
// application name hash.
func GenerateBranch(appSessionID, appName string) string {
	seed := appSessionID
	if len(seed) > 8 {
		seed = seed[:8]
	}
	return BranchMagicCookie + "-" + seed + "_" + HashApplicationName(appName) + "_" + shortID()
}

// GenerateTag builds a From/To tag carrying the application name hash and the application
// session id, followed by a random suffix so several legs of one application session differ.
func GenerateTag(appName, appSessionID string) string {
	seed := appSessionID
	if len(seed) > 8 {
		seed = seed[:8]
	}
	return HashApplicationName(appName) + seed + "_" + shortID()[:8]
}

// GenerateCallID returns a new globally unique Call-ID
func GenerateCallID(host string) string {
	if host == "" {
		return uuid.NewString()
	}
	return uuid.NewString() + "@" + host
}

// NewResponse builds a response to req, copying the headers RFC 3261 §8.2.6.2 requires.
// A non-empty toTag is added to the To header if it has none.
func NewResponse(req *SIPMessage, statusCode int, reason string, toTag string) *SIPMessage {
	resp := NewResponseMessage(statusCode, reason)
	for _, via := range req.GetHeaders(HeaderVia) {
		resp.AddHeader(HeaderVia, via)
	}
	resp.SetHeader(HeaderFrom, req.GetHeader(HeaderFrom))
	to := req.GetHeader(HeaderTo)
	if toTag != "" && ExtractTag(to) == "" && statusCode != StatusTrying {
		to = SetTag(to, toTag)
	}
	resp.SetHeader(HeaderTo, to)
	resp.SetHeader(HeaderCallID, req.GetHeader(HeaderCallID))
	resp.SetHeader(HeaderCSeq, req.GetHeader(HeaderCSeq))
	for _, rr := range req.GetHeaders(HeaderRecordRoute) {
		if statusCode > StatusTrying && statusCode < 300 {
			resp.AddHeader(HeaderRecordRoute, rr)
		}
	}
	resp.SetHeader(HeaderContentLength, "0")
	resp.Transport = req.Transport
	resp.Destination = req.Source
	return resp
}

// NewCancel builds a CANCEL for a client INVITE (RFC 3261 §9.1).
func NewCancel(invite *SIPMessage) *SIPMessage {
	cancel := NewRequestMessage(MethodCANCEL, invite.GetRequestURI())
	if via := invite.GetHeader(HeaderVia); via != "" {
		cancel.SetHeader(HeaderVia, via)
	}
	for _, r := range invite.GetHeaders(HeaderRoute) {
		cancel.AddHeader(HeaderRoute, r)
	}
	cancel.SetHeader(HeaderFrom, invite.GetHeader(HeaderFrom))
	cancel.SetHeader(HeaderTo, invite.GetHeader(HeaderTo))
	cancel.SetHeader(HeaderCallID, invite.GetHeader(HeaderCallID))
	n, _ := invite.CSeq()
	cancel.SetHeader(HeaderCSeq, FormatCSeq(n, MethodCANCEL))
	cancel.SetHeader(HeaderMaxForwards, strconv.Itoa(DefaultMaxForwards))
	cancel.SetHeader(HeaderContentLength, "0")
	cancel.Transport = invite.Transport
	cancel.Destination = invite.Destination
	return cancel
}

// NewAck builds the ACK for a 2xx response to an INVITE, sent within the dialog.
func NewAck(invite, resp *SIPMessage, requestURI string) *SIPMessage {
	ack := NewRequestMessage(MethodACK, requestURI)
	ack.SetHeader(HeaderFrom, invite.GetHeader(HeaderFrom))
	ack.SetHeader(HeaderTo, resp.GetHeader(HeaderTo))
	ack.SetHeader(HeaderCallID, invite.GetHeader(HeaderCallID))
	n, _ := invite.CSeq()
	ack.SetHeader(HeaderCSeq, FormatCSeq(n, MethodACK))
	ack.SetHeader(HeaderMaxForwards, strconv.Itoa(DefaultMaxForwards))
	ack.SetHeader(HeaderContentLength, "0")
	return ack
}
