package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/wire"
)

// An Authenticator decides whether a CONNECT is accepted. It sees the HTTP
// upgrade request and the CONNECT headers. A non-nil error is reported to
// the client in an ERROR frame.
type Authenticator func(ctx context.Context, r *http.Request, header stompws.Header) error

// An Authorizer decides whether command (SUBSCRIBE or SEND) may be used on
// destination.
type Authorizer func(ctx context.Context, command, destination string) error

// AllowAllConnections accepts every CONNECT.
func AllowAllConnections(ctx context.Context, r *http.Request, header stompws.Header) error {
	return nil
}

// BearerTokens accepts connections whose upgrade request carries
// "Authorization: Bearer <token>" with one of tokens.
func BearerTokens(tokens ...string) Authenticator {
	allowed := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		allowed[t] = struct{}{}
	}

	return func(ctx context.Context, r *http.Request, header stompws.Header) error {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			return fmt.Errorf("missing bearer token")
		}
		if _, ok := allowed[token]; !ok {
			return fmt.Errorf("invalid bearer token")
		}
		return nil
	}
}

// LoginPasscode accepts connections whose login and passcode headers match
// an entry of credentials.
func LoginPasscode(credentials map[string]string) Authenticator {
	return func(ctx context.Context, r *http.Request, header stompws.Header) error {
		login := header.Get(stompws.HeaderLogin)
		passcode, ok := credentials[login]
		if !ok || passcode != header.Get(stompws.HeaderPasscode) {
			return fmt.Errorf("invalid login or passcode")
		}
		return nil
	}
}

// AllowAll authorizes everything.
func AllowAll(ctx context.Context, command, destination string) error {
	return nil
}

// ReadOnly allows subscriptions and denies SEND.
func ReadOnly(ctx context.Context, command, destination string) error {
	if command == wire.SEND {
		return fmt.Errorf("sending is not allowed")
	}
	return nil
}

// AllowDestinationPrefix only allows destinations starting with prefix.
func AllowDestinationPrefix(prefix string) Authorizer {
	return func(ctx context.Context, command, destination string) error {
		if strings.HasPrefix(destination, prefix) {
			return nil
		}
		return fmt.Errorf("destination %s not allowed", destination)
	}
}

// AllowDestinationPattern only allows SEND to destinations matching one of
// the MQTT-style patterns. Subscriptions must use a destination that
// matches too, so wildcards outside the patterns are refused.
//
// Pattern examples:
//   - "/topic/+/data" allows /topic/temperature/data
//   - "/queue/#" allows everything under /queue
func AllowDestinationPattern(patterns ...string) Authorizer {
	return func(ctx context.Context, command, destination string) error {
		for _, pattern := range patterns {
			if mqttpattern.Matches(pattern, destination) {
				return nil
			}
		}
		return fmt.Errorf("destination %s not allowed", destination)
	}
}

// AnyAuthenticator accepts a connection if one of auths accepts it. The
// error of the last authenticator is reported otherwise.
func AnyAuthenticator(auths ...Authenticator) Authenticator {
	return func(ctx context.Context, r *http.Request, header stompws.Header) error {
		err := fmt.Errorf("no authenticator configured")
		for _, auth := range auths {
			if err = auth(ctx, r, header); err == nil {
				return nil
			}
		}
		return err
	}
}

// AllAuthorizers requires every one of auths to allow the operation.
func AllAuthorizers(auths ...Authorizer) Authorizer {
	return func(ctx context.Context, command, destination string) error {
		for _, auth := range auths {
			if err := auth(ctx, command, destination); err != nil {
				return err
			}
		}
		return nil
	}
}
