package session

import "reflect"

// MediaField is the key whose presence marks an offer or answer as carrying
// a media description.
const MediaField = "sdp"

// Payload is an opaque session description (offer or answer).
type Payload map[string]any

// HasMedia reports whether the payload carries a non-empty media
// description.
func (p Payload) HasMedia() bool {
	switch v := p[MediaField].(type) {
	case string:
		return v != ""
	case []byte:
		return len(v) > 0
	default:
		return false
	}
}

// SDP returns the media description as a string.
func (p Payload) SDP() string {
	switch v := p[MediaField].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return Payload(cloneMap(p))
}

// mergePayload returns a new payload holding dst overlaid with src.
func mergePayload(dst, src Payload) Payload {
	if dst == nil && src == nil {
		return nil
	}
	return Payload(mergeMap(dst, src))
}

// mergeMap returns a new map with src keys winning over dst keys.
func mergeMap(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sameMap(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
