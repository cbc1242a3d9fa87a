package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v7"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/broker"
	"github.com/tsarna/stompws/pkg/stompws/client"
	"github.com/tsarna/stompws/pkg/stompws/wire"
)

// ClientEnv holds client settings taken from the environment. Unset
// variables leave the builder untouched.
type ClientEnv struct {
	URL            string        `env:"STOMPWS_URL"`
	AuthToken      string        `env:"STOMPWS_AUTH_TOKEN"`
	DialTimeout    time.Duration `env:"STOMPWS_DIAL_TIMEOUT"`
	ConnectTimeout time.Duration `env:"STOMPWS_CONNECT_TIMEOUT"`
	// HeartBeat uses the STOMP header format: "<outgoing ms>,<incoming ms>".
	HeartBeat string `env:"STOMPWS_HEARTBEAT"`
	Login     string `env:"STOMPWS_LOGIN"`
	Passcode  string `env:"STOMPWS_PASSCODE"`
}

func LoadClientEnv() (ClientEnv, error) {
	var e ClientEnv
	if err := env.Parse(&e); err != nil {
		return ClientEnv{}, fmt.Errorf("failed to load client environment: %w", err)
	}
	return e, nil
}

func (e ClientEnv) Apply(b *client.ClientBuilder) error {
	if e.URL != "" {
		b.WithURL(e.URL)
	}
	if e.AuthToken != "" {
		b.WithAuthToken(e.AuthToken)
	}
	b.WithDialTimeout(e.DialTimeout).WithConnectTimeout(e.ConnectTimeout)

	if e.HeartBeat != "" {
		hb, err := wire.ParseHeartBeat(e.HeartBeat)
		if err != nil {
			return fmt.Errorf("STOMPWS_HEARTBEAT: %w", err)
		}
		b.WithHeartBeat(hb.Outgoing, hb.Incoming)
	}
	return nil
}

// ConnectHeader returns the login and passcode CONNECT headers, if set.
func (e ClientEnv) ConnectHeader() stompws.Header {
	h := stompws.Header{}
	if e.Login != "" {
		h[stompws.HeaderLogin] = e.Login
	}
	if e.Passcode != "" {
		h[stompws.HeaderPasscode] = e.Passcode
	}
	return h
}

// BrokerEnv holds broker settings taken from the environment.
type BrokerEnv struct {
	Listen       string   `env:"STOMPWS_LISTEN" envDefault:":61614"`
	Path         string   `env:"STOMPWS_PATH" envDefault:"/stomp"`
	BearerTokens []string `env:"STOMPWS_BEARER_TOKENS" envSeparator:","`
	HeartBeat    string   `env:"STOMPWS_BROKER_HEARTBEAT"`
	QueueSize    int      `env:"STOMPWS_QUEUE_SIZE"`
}

func LoadBrokerEnv() (BrokerEnv, error) {
	var e BrokerEnv
	if err := env.Parse(&e); err != nil {
		return BrokerEnv{}, fmt.Errorf("failed to load broker environment: %w", err)
	}
	return e, nil
}

func (e BrokerEnv) Apply(b *broker.ListenerBuilder) error {
	if len(e.BearerTokens) > 0 {
		b.WithAuthenticator(broker.BearerTokens(e.BearerTokens...))
	}
	b.WithQueueSize(e.QueueSize)

	if e.HeartBeat != "" {
		hb, err := wire.ParseHeartBeat(e.HeartBeat)
		if err != nil {
			return fmt.Errorf("STOMPWS_BROKER_HEARTBEAT: %w", err)
		}
		b.WithHeartBeat(hb.Outgoing, hb.Incoming)
	}
	return nil
}
