package stompws

import "sort"

// Standard STOMP header names.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderAck           = "ack"
	HeaderContentLength = "content-length"
	HeaderContentType   = "content-type"
	HeaderDestination   = "destination"
	HeaderHeartBeat     = "heart-beat"
	HeaderHost          = "host"
	HeaderID            = "id"
	HeaderLogin         = "login"
	HeaderMessage       = "message"
	HeaderMessageID     = "message-id"
	HeaderPasscode      = "passcode"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderServer        = "server"
	HeaderSession       = "session"
	HeaderSubscription  = "subscription"
	HeaderVersion       = "version"
)

// Ack modes accepted by SUBSCRIBE.
const (
	AckAuto             = "auto"
	AckClient           = "client"
	AckClientIndividual = "client-individual"
)

// ContentTypeText is applied by SendString when the caller did not set a content type.
const ContentTypeText = "text/plain;charset=utf-8"

// Header holds STOMP frame headers. Keys are case sensitive.
type Header map[string]string

// Get returns the value for key, or "" if the header is absent or h is nil.
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Clone returns a copy of h. A nil Header clones to an empty one.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Merge copies every entry of other into h, overwriting existing keys.
func (h Header) Merge(other Header) Header {
	if h == nil {
		h = make(Header, len(other))
	}
	for k, v := range other {
		h[k] = v
	}
	return h
}

// Keys returns the header names in sorted order.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
