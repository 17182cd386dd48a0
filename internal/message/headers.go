package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Param is one ;key=value header or URI parameter. Flag parameters have an empty Value.
type Param struct {
	Key   string
	Value string
}

func (p Param) String() string {
	if p.Value == "" {
		return p.Key
	}
	return p.Key + "=" + p.Value
}

// ParseCSeq splits a CSeq header value into its number and method.
func ParseCSeq(value string) (uint32, string, error) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed CSeq header %q", value)
	}
	n, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("malformed CSeq number %q: %w", parts[0], err)
	}
	return uint32(n), parts[1], nil
}

// FormatCSeq builds a CSeq header value
func FormatCSeq(n uint32, method string) string {
	return strconv.FormatUint(uint64(n), 10) + " " + method
}

// splitNameAddr separates the address part of a From/To/Contact/Route value from its
// header parameters. For name-addr forms the URI parameters stay inside the brackets.
func splitNameAddr(value string) (addr string, params []Param) {
	value = strings.TrimSpace(value)
	var rest string
	if lt := strings.Index(value, "<"); lt != -1 {
		if gt := strings.Index(value[lt:], ">"); gt != -1 {
			addr = value[:lt+gt+1]
			rest = value[lt+gt+1:]
		} else {
			addr = value
		}
	} else if semi := strings.Index(value, ";"); semi != -1 {
		addr = value[:semi]
		rest = value[semi:]
	} else {
		addr = value
	}
	return strings.TrimSpace(addr), parseParams(rest)
}

func parseParams(s string) []Param {
	var params []Param
	for _, raw := range strings.Split(s, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if eq := strings.Index(raw, "="); eq != -1 {
			params = append(params, Param{Key: strings.TrimSpace(raw[:eq]), Value: strings.TrimSpace(raw[eq+1:])})
		} else {
			params = append(params, Param{Key: raw})
		}
	}
	return params
}

func joinNameAddr(addr string, params []Param) string {
	var b strings.Builder
	b.WriteString(addr)
	for _, p := range params {
		b.WriteByte(';')
		b.WriteString(p.String())
	}
	return b.String()
}

// NameAddr returns the address part of a From/To/Contact value without header parameters.
func NameAddr(value string) string {
	addr, _ := splitNameAddr(value)
	return addr
}

// HeaderParams returns the header parameters of a name-addr value, in order.
func HeaderParams(value string) []Param {
	_, params := splitNameAddr(value)
	return params
}

// HeaderParam returns one header parameter of a name-addr value.
func HeaderParam(value, key string) (string, bool) {
	for _, p := range HeaderParams(value) {
		if strings.EqualFold(p.Key, key) {
			return p.Value, true
		}
	}
	return "", false
}

// SetHeaderParam sets or replaces a header parameter. An empty val produces a flag parameter.
func SetHeaderParam(value, key, val string) string {
	addr, params := splitNameAddr(value)
	replaced := false
	for i := range params {
		if strings.EqualFold(params[i].Key, key) {
			params[i].Value = val
			replaced = true
		}
	}
	if !replaced {
		params = append(params, Param{Key: key, Value: val})
	}
	return joinNameAddr(addr, params)
}

// RemoveHeaderParam drops a header parameter
func RemoveHeaderParam(value, key string) string {
	addr, params := splitNameAddr(value)
	kept := params[:0]
	for _, p := range params {
		if !strings.EqualFold(p.Key, key) {
			kept = append(kept, p)
		}
	}
	return joinNameAddr(addr, kept)
}

// ExtractTag extracts the tag parameter from a From/To header
func ExtractTag(value string) string {
	tag, _ := HeaderParam(value, "tag")
	return tag
}

// SetTag sets the tag parameter of a From/To header
func SetTag(value, tag string) string {
	return SetHeaderParam(value, "tag", tag)
}

// StripTag removes the tag parameter of a From/To header
func StripTag(value string) string {
	return RemoveHeaderParam(value, "tag")
}

// ExtractURI extracts the URI from a From/To/Contact/Route header
func ExtractURI(value string) string {
	addr, _ := splitNameAddr(value)
	if lt := strings.Index(addr, "<"); lt != -1 {
		return strings.TrimSuffix(addr[lt+1:], ">")
	}
	return addr
}

// ReplaceURI swaps the URI of a name-addr value and keeps display name and parameters.
func ReplaceURI(value, uri string) string {
	addr, params := splitNameAddr(value)
	display := ""
	if lt := strings.Index(addr, "<"); lt != -1 {
		display = strings.TrimSpace(addr[:lt])
	}
	newAddr := "<" + uri + ">"
	if display != "" {
		newAddr = display + " " + newAddr
	}
	return joinNameAddr(newAddr, params)
}

// SIPURI is a decomposed sip/sips URI.
type SIPURI struct {
	Scheme string
	User   string
	Host   string
	Port   int
	Params []Param
}

// ParseURI splits a sip URI into its parts. Headers (?...) are discarded.
func ParseURI(uri string) (SIPURI, error) {
	var u SIPURI
	colon := strings.Index(uri, ":")
	if colon == -1 {
		return u, fmt.Errorf("uri %q has no scheme", uri)
	}
	u.Scheme = uri[:colon]
	rest := uri[colon+1:]
	if q := strings.Index(rest, "?"); q != -1 {
		rest = rest[:q]
	}
	if semi := strings.Index(rest, ";"); semi != -1 {
		u.Params = parseParams(rest[semi:])
		rest = rest[:semi]
	}
	if at := strings.LastIndex(rest, "@"); at != -1 {
		u.User = rest[:at]
		rest = rest[at+1:]
	}
	host := rest
	if c := strings.LastIndex(rest, ":"); c != -1 && !strings.HasSuffix(rest, "]") {
		port, err := strconv.Atoi(rest[c+1:])
		if err != nil {
			return u, fmt.Errorf("uri %q has invalid port: %w", uri, err)
		}
		u.Port = port
		host = rest[:c]
	}
	if host == "" {
		return u, fmt.Errorf("uri %q has no host", uri)
	}
	u.Host = host
	return u, nil
}

// String renders the URI
func (u SIPURI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteByte(':')
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	if u.Port > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	for _, p := range u.Params {
		b.WriteByte(';')
		b.WriteString(p.String())
	}
	return b.String()
}

// Param returns a URI parameter
func (u SIPURI) Param(key string) (string, bool) {
	for _, p := range u.Params {
		if strings.EqualFold(p.Key, key) {
			return p.Value, true
		}
	}
	return "", false
}

// ViaBranch extracts the branch parameter from a Via header
func ViaBranch(via string) string {
	for _, p := range parseParams(viaParams(via)) {
		if strings.EqualFold(p.Key, "branch") {
			return p.Value
		}
	}
	return ""
}

func viaParams(via string) string {
	if semi := strings.Index(via, ";"); semi != -1 {
		return via[semi:]
	}
	return ""
}

// NewVia builds a Via header value
func NewVia(transport, host string, port int, branch string) string {
	if transport == "" {
		transport = "UDP"
	}
	return fmt.Sprintf("%s/%s %s:%d;branch=%s", SIPVersion, strings.ToUpper(transport), host, port, branch)
}

// systemHeaders may only be written by the container.
var systemHeaders = map[string]bool{
	HeaderCallID:        true,
	HeaderFrom:          true,
	HeaderTo:            true,
	HeaderCSeq:          true,
	HeaderVia:           true,
	HeaderRecordRoute:   true,
	HeaderRoute:         true,
	HeaderPath:          true,
	HeaderContact:       true,
	HeaderMaxForwards:   true,
	HeaderContentLength: true,
	HeaderRSeq:          true,
	HeaderRAck:          true,
}

// IsSystemHeader reports whether name is managed by the container rather than the application.
func IsSystemHeader(name string) bool {
	return systemHeaders[name]
}

// DecrementMaxForwards lowers Max-Forwards by one, defaulting it when absent or malformed.
func DecrementMaxForwards(m *SIPMessage) int {
	mf := DefaultMaxForwards
	if v := m.GetHeader(HeaderMaxForwards); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			mf = n
		}
	}
	if mf > 0 {
		mf--
	}
	m.SetHeader(HeaderMaxForwards, strconv.Itoa(mf))
	return mf
}
