package session

import "strings"

// Key identifies one dialog leg. FromTag and ToTag are the tags of the initial request's
// From and To headers; ToTag stays empty until a response assigns it.
type Key struct {
	CallID               string
	FromTag              string
	ToTag                string
	ApplicationName      string
	ApplicationSessionID string
}

// Equal compares two keys. ToTag is only compared when both keys have one.
func (k Key) Equal(other Key) bool {
	if k.CallID != other.CallID ||
		k.FromTag != other.FromTag ||
		k.ApplicationName != other.ApplicationName ||
		k.ApplicationSessionID != other.ApplicationSessionID {
		return false
	}
	if k.ToTag != "" && other.ToTag != "" {
		return k.ToTag == other.ToTag
	}
	return true
}

// WithToTag returns a copy of the key with ToTag replaced.
func (k Key) WithToTag(tag string) Key {
	k.ToTag = tag
	return k
}

func (k Key) String() string {
	return strings.Join([]string{k.CallID, k.FromTag, k.ToTag, k.ApplicationName, k.ApplicationSessionID}, "|")
}

func dialogIndex(callID, tag string) string {
	return callID + "|" + tag
}
