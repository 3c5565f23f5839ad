package mqtt

import (
	"strings"
	"unicode"
)

// Topics builds the topic tree under one prefix.
type Topics struct {
	Prefix string
}

// Status carries online/offline presence, including the last will.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// ChannelState is the retained state topic for one relay channel.
func (t Topics) ChannelState(channel string) string {
	return t.Prefix + "/relays/" + Slug(channel) + "/state"
}

// Events carries non-retained run and update outcomes.
func (t Topics) Events(kind string) string {
	return t.Prefix + "/events/" + kind
}

// Slug lower-cases name and replaces anything outside [a-z0-9] with '-'.
// MQTT wildcards and separators can therefore never leak into a topic level.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
