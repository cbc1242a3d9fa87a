package config

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/broker"
	"github.com/tsarna/stompws/pkg/stompws/client"
	"github.com/zclconf/go-cty/cty"
)

func buildConfig(t *testing.T, src string) (*Config, hcl.Diagnostics) {
	t.Helper()
	return NewConfig().WithSources([]byte(src)).Build()
}

func TestBuildConfig(t *testing.T) {
	t.Setenv("STOMPWS_TEST_TOKEN", "s3cret")

	cfg, diags := buildConfig(t, `
const {
  host = "broker.example.com"
  url  = "wss://${host}/stomp"
}

client "main" {
  url             = url
  auth_token      = env.STOMPWS_TEST_TOKEN
  dial_timeout    = "5s"
  connect_timeout = 3
  receipts        = false
  headers         = { "User-Agent" = "stompws-test" }
  connect_headers = { login = "guest", passcode = "guest" }

  heartbeat {
    outgoing = "PT2S"
    incoming = 0
  }

  reconnect {
    initial_delay = "100ms"
    max_retries   = 5
  }
}

broker "local" {
  listen             = ":61614"
  bearer_tokens      = [env.STOMPWS_TEST_TOKEN]
  allow_destinations = ["/topic/#"]

  heartbeat {
    outgoing = "1s"
  }
}

subscription "temps" {
  client      = "main"
  destination = "/topic/sensor/+/temperature"
  id          = "temps"
  ack         = "client"
  jq          = ".value"
}
`)
	require.False(t, diags.HasErrors(), diags.Error())

	assert.Equal(t, cty.StringVal("wss://broker.example.com/stomp"), cfg.Constants["url"])

	main := cfg.Clients["main"]
	require.NotNil(t, main)
	assert.Equal(t, "main", main.Name)
	assert.Equal(t, stompws.Header{"login": "guest", "passcode": "guest"}, main.ConnectHeader)
	require.NotNil(t, main.Reconnector)
	assert.True(t, main.Reconnector.IsEnabled())
	require.NoError(t, main.Builder.IsValid())

	local := cfg.Brokers["local"]
	require.NotNil(t, local)
	assert.Equal(t, ":61614", local.Listen)
	assert.Equal(t, DefaultBrokerPath, local.Path)
	assert.NotNil(t, local.Listener)

	require.Len(t, cfg.Subscriptions, 1)
	sub := cfg.Subscriptions[0]
	assert.Equal(t, "temps", sub.Name)
	assert.Equal(t, "main", sub.Client)
	assert.Equal(t, ".value", sub.Jq)

	s := stompws.NewSubscription(sub.Destination, nil, sub.Options...)
	assert.Equal(t, "temps", s.ID)
	assert.Equal(t, stompws.AckClient, s.AckMode)
}

func TestConfiguredClientTalksToConfiguredBroker(t *testing.T) {
	ctx := context.Background()

	cfg, diags := buildConfig(t, `
broker "local" {
  path          = "/ws"
  logins        = { guest = "pw" }
  bearer_tokens = ["token"]
  heartbeat {
    outgoing = 0
    incoming = 0
  }
}
`)
	// listen is required
	require.True(t, diags.HasErrors())
	assert.Nil(t, cfg)

	cfg, diags = buildConfig(t, `
broker "local" {
  listen        = "127.0.0.1:0"
  path          = "/ws"
  logins        = { guest = "pw" }
  bearer_tokens = ["token"]
  heartbeat {
    outgoing = 0
    incoming = 0
  }
}
`)
	require.False(t, diags.HasErrors(), diags.Error())

	local := cfg.Brokers["local"]
	srv := httptest.NewServer(local.Handler())
	defer srv.Close()
	defer local.Listener.Shutdown(ctx)

	t.Setenv("STOMPWS_TEST_URL", "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")

	cfg, diags = buildConfig(t, `
client "main" {
  url = env.STOMPWS_TEST_URL
  connect_headers = { login = "guest", passcode = "pw" }
  heartbeat {
    outgoing = 0
    incoming = 0
  }
}
`)
	require.False(t, diags.HasErrors(), diags.Error())

	main := cfg.Clients["main"]
	c, err := main.Build()
	require.NoError(t, err)

	require.NoError(t, c.Connect(ctx, main.ConnectHeader))
	assert.Equal(t, 1, local.Listener.ConnectionCount())
	require.NoError(t, c.Disconnect(ctx, nil))

	// wrong passcode and no token
	err = c.Connect(ctx, stompws.Header{stompws.HeaderLogin: "guest", stompws.HeaderPasscode: "nope"})
	var serverErr *stompws.ServerError
	assert.ErrorAs(t, err, &serverErr)
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		detail string
	}{
		{
			name:   "duplicate client",
			src:    "client \"a\" { url = \"ws://x\" }\nclient \"a\" { url = \"ws://y\" }",
			detail: "Client a already defined",
		},
		{
			name:   "unsupported scheme",
			src:    `client "a" { url = "ftp://x" }`,
			detail: "unsupported URL scheme",
		},
		{
			name:   "bad duration",
			src:    "client \"a\" {\n dial_timeout = \"soon\"\n url = \"ws://x\"\n}",
			detail: "Failed to parse duration",
		},
		{
			name:   "unknown client",
			src:    "subscription \"s\" {\n client = \"nope\"\n destination = \"/a\"\n}",
			detail: "client nope is not defined",
		},
		{
			name:   "invalid ack mode",
			src:    "client \"a\" { url = \"ws://x\" }\nsubscription \"s\" {\n client = \"a\"\n destination = \"/a\"\n ack = \"sometimes\"\n}",
			detail: `invalid ack mode "sometimes"`,
		},
		{
			name:   "invalid jq",
			src:    "client \"a\" { url = \"ws://x\" }\nsubscription \"s\" {\n client = \"a\"\n destination = \"/a\"\n jq = \".[\"\n}",
			detail: "invalid jq query",
		},
		{
			name:   "duplicate subscription",
			src:    "client \"a\" { url = \"ws://x\" }\nsubscription \"s\" {\n client = \"a\"\n destination = \"/a\"\n}\nsubscription \"s\" {\n client = \"a\"\n destination = \"/b\"\n}",
			detail: "Subscription s already defined",
		},
		{
			name:   "constant cycle",
			src:    "const {\n a = b\n b = a\n}",
			detail: "Cannot add dependency",
		},
		{
			name:   "reserved constant",
			src:    `const { env = 1 }`,
			detail: "env is reserved",
		},
		{
			name:   "duplicate constant",
			src:    "const { a = 1 }\nconst { a = 2 }",
			detail: "Constant a is already defined",
		},
		{
			name: "unknown block",
			src:  `bus "main" {}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, diags := buildConfig(t, tc.src)
			require.True(t, diags.HasErrors())
			assert.Nil(t, cfg)
			if tc.detail != "" {
				assert.Contains(t, diags.Error(), tc.detail)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	c := &Config{evalCtx: &hcl.EvalContext{}}

	tests := []struct {
		expr    string
		want    time.Duration
		wantErr bool
	}{
		{"5", 5 * time.Second, false},
		{"0.25", 250 * time.Millisecond, false},
		{`"1m30s"`, 90 * time.Second, false},
		{`" 10ms "`, 10 * time.Millisecond, false},
		{`"PT5M"`, 5 * time.Minute, false},
		{`"P1DT1H"`, 25 * time.Hour, false},
		{`"-1s"`, 0, true},
		{"-3", 0, true},
		{`"later"`, 0, true},
		{"true", 0, true},
		{"null", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			expr, parseDiags := hclsyntax.ParseExpression([]byte(tc.expr), "test.hcl", hcl.Pos{Line: 1, Column: 1})
			require.False(t, parseDiags.HasErrors())

			got, diags := c.ParseDuration(expr)
			if tc.wantErr {
				assert.True(t, diags.HasErrors())
				return
			}
			require.False(t, diags.HasErrors(), diags.Error())
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSanitizeEnvVarName(t *testing.T) {
	tests := map[string]string{
		"":             "_",
		"HOME":         "HOME",
		"1PASSWORD":    "_PASSWORD",
		"MY.VAR":       "MY_VAR",
		"with-dash_09": "with-dash_09",
		"-leading":     "_leading",
	}

	for in, want := range tests {
		assert.Equal(t, want, sanitizeEnvVarName(in), in)
	}
}

func TestEnvObject(t *testing.T) {
	t.Setenv("STOMPWS_TEST_VALUE", "42")
	env := GetEnvObject()
	assert.Equal(t, cty.StringVal("42"), env.GetAttr("STOMPWS_TEST_VALUE"))
}

func TestParseConfigSources(t *testing.T) {
	_, diags := ParseConfigFiles(42)
	assert.True(t, diags.HasErrors())

	_, diags = ParseConfigFiles("/does/not/exist.hcl")
	assert.True(t, diags.HasErrors())

	bodies, diags := ParseConfigFiles(t.TempDir())
	assert.False(t, diags.HasErrors())
	assert.Empty(t, bodies)
}

func TestClientEnv(t *testing.T) {
	t.Setenv("STOMPWS_URL", "ws://env.example.com/stomp")
	t.Setenv("STOMPWS_AUTH_TOKEN", "tok")
	t.Setenv("STOMPWS_DIAL_TIMEOUT", "2s")
	t.Setenv("STOMPWS_HEARTBEAT", "1000,2000")
	t.Setenv("STOMPWS_LOGIN", "guest")

	e, err := LoadClientEnv()
	require.NoError(t, err)
	assert.Equal(t, "ws://env.example.com/stomp", e.URL)
	assert.Equal(t, "tok", e.AuthToken)
	assert.Equal(t, 2*time.Second, e.DialTimeout)
	assert.Equal(t, time.Duration(0), e.ConnectTimeout)
	assert.Equal(t, stompws.Header{stompws.HeaderLogin: "guest"}, e.ConnectHeader())

	b := client.NewClient()
	require.NoError(t, e.Apply(b))
	assert.NoError(t, b.IsValid())

	e.HeartBeat = "often"
	assert.Error(t, e.Apply(client.NewClient()))

	t.Setenv("STOMPWS_DIAL_TIMEOUT", "whenever")
	_, err = LoadClientEnv()
	assert.Error(t, err)
}

func TestBrokerEnv(t *testing.T) {
	e, err := LoadBrokerEnv()
	require.NoError(t, err)
	assert.Equal(t, ":61614", e.Listen)
	assert.Equal(t, "/stomp", e.Path)
	assert.Empty(t, e.BearerTokens)

	t.Setenv("STOMPWS_BEARER_TOKENS", "a,b")
	t.Setenv("STOMPWS_LISTEN", "127.0.0.1:9000")
	t.Setenv("STOMPWS_BROKER_HEARTBEAT", "0,0")

	e, err = LoadBrokerEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, e.BearerTokens)
	assert.Equal(t, "127.0.0.1:9000", e.Listen)

	b := broker.NewListener()
	require.NoError(t, e.Apply(b))
	_, err = b.Build()
	assert.NoError(t, err)

	e.HeartBeat = "x"
	assert.Error(t, e.Apply(broker.NewListener()))
}
