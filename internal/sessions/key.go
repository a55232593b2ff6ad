// Package sessions builds conversant keys and tracks known conversants.
//
// Conversant keys identify one logical chat partner:
//
//	{channel}:direct:{chatId}
//	{channel}:group:{chatId}
//
// Examples:
//
//	telegram:direct:386246614
//	telegram:group:-100123456
//	discord:group:1181122334455
package sessions

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
)

// BuildConversantKey builds the canonical conversant key for a channel conversation.
func BuildConversantKey(channel string, kind bus.PeerKind, chatID string) string {
	if kind == "" {
		kind = bus.PeerDirect
	}
	return fmt.Sprintf("%s:%s:%s", channel, kind, chatID)
}

// ParseConversantKey splits a conversant key into its parts.
// Chat ids may themselves contain colons. ok is false for malformed keys.
func ParseConversantKey(key string) (channel string, kind bus.PeerKind, chatID string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", false
	}
	k := bus.PeerKind(parts[1])
	if k != bus.PeerDirect && k != bus.PeerGroup {
		return "", "", "", false
	}
	return parts[0], k, parts[2], true
}

// IsGroupKey reports whether key names a multi-party conversant.
func IsGroupKey(key string) bool {
	_, kind, _, ok := ParseConversantKey(key)
	return ok && kind == bus.PeerGroup
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) bus.PeerKind {
	if isGroup {
		return bus.PeerGroup
	}
	return bus.PeerDirect
}

// ChannelOf returns the channel part of a conversant key, or "" if there is none.
func ChannelOf(key string) string {
	if ch, _, _, ok := ParseConversantKey(key); ok {
		return ch
	}
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return ""
}
