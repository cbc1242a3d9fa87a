package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"

	stompframe "github.com/go-stomp/stomp/v3/frame"
	"github.com/tsarna/stompws/pkg/stompws"
)

// Protocol versions, oldest first.
const (
	V10 = "1.0"
	V11 = "1.1"
	V12 = "1.2"
)

var (
	SupportedVersions = []string{V10, V11, V12}

	// Subprotocols are offered during the WebSocket handshake, most preferred first.
	Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

	ErrUnsupportedVersion = errors.New("no supported protocol version")
)

// AcceptVersion is the accept-version header value sent by clients.
func AcceptVersion() string {
	return strings.Join(SupportedVersions, ",")
}

// NegotiateVersion picks the highest supported version from an
// accept-version header. A missing header means the peer only speaks 1.0.
func NegotiateVersion(accept string) (string, error) {
	if strings.TrimSpace(accept) == "" {
		return V10, nil
	}

	offered := make(map[string]bool)
	for _, v := range strings.Split(accept, ",") {
		offered[strings.TrimSpace(v)] = true
	}

	for i := len(SupportedVersions) - 1; i >= 0; i-- {
		if offered[SupportedVersions[i]] {
			return SupportedVersions[i], nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, accept)
}

// FormatHeartBeat renders hb as a heart-beat header value in milliseconds.
func FormatHeartBeat(hb stompws.HeartBeat) string {
	return fmt.Sprintf("%d,%d", hb.Outgoing.Milliseconds(), hb.Incoming.Milliseconds())
}

// ParseHeartBeat parses a heart-beat header. An empty value disables heart-beats.
func ParseHeartBeat(value string) (stompws.HeartBeat, error) {
	if value == "" {
		return stompws.HeartBeat{}, nil
	}

	out, in, err := stompframe.ParseHeartBeat(value)
	if err != nil {
		return stompws.HeartBeat{}, fmt.Errorf("invalid heart-beat %q: %w", value, err)
	}
	return stompws.HeartBeat{Outgoing: out, Incoming: in}, nil
}

// NegotiateHeartBeat returns the effective intervals for the local side given
// what each side announced. A direction is disabled when either side
// announces zero for it; otherwise the slower of the two intervals wins.
func NegotiateHeartBeat(local, remote stompws.HeartBeat) stompws.HeartBeat {
	return stompws.HeartBeat{
		Outgoing: negotiate(local.Outgoing, remote.Incoming),
		Incoming: negotiate(remote.Outgoing, local.Incoming),
	}
}

func negotiate(send, want time.Duration) time.Duration {
	if send <= 0 || want <= 0 {
		return 0
	}
	return max(send, want)
}
