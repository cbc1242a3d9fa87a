package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/stompws/pkg/stompws"
	"github.com/tsarna/stompws/pkg/stompws/modules"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestResolveLogLevel(t *testing.T) {
	tests := []struct {
		level   string
		verbose bool
		debug   bool
		want    zapcore.Level
	}{
		{"info", false, false, zap.InfoLevel},
		{"INFO", true, false, zap.DebugLevel},
		{"warn", true, false, zap.WarnLevel},
		{"warning", false, false, zap.WarnLevel},
		{"error", false, true, zap.DebugLevel},
		{"error", false, false, zap.ErrorLevel},
		{"loud", false, false, zap.InfoLevel},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, resolveLogLevel(tc.level, tc.verbose, tc.debug), "%+v", tc)
	}
}

type ackMessage struct {
	destination string
	body        string
	acked       bool
}

func (m *ackMessage) Header() stompws.Header { return stompws.Header{} }
func (m *ackMessage) Body() []byte           { return []byte(m.body) }
func (m *ackMessage) BodyString() string     { return m.body }
func (m *ackMessage) BodyLength() int        { return len(m.body) }
func (m *ackMessage) SubscriptionID() string { return "0" }
func (m *ackMessage) Destination() string    { return m.destination }
func (m *ackMessage) MessageID() string      { return "m" }
func (m *ackMessage) AckID() string          { return "m" }
func (m *ackMessage) ContentType() string    { return "" }

func (m *ackMessage) Ack(ctx context.Context, header stompws.Header) error {
	m.acked = true
	return nil
}

func (m *ackMessage) Nack(ctx context.Context, header stompws.Header) error { return nil }

func TestPrintHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("plain", func(t *testing.T) {
		var out bytes.Buffer
		h, async, err := buildPrintHandler(&out, zap.NewNop(), "", stompws.AckAuto, 10)
		require.NoError(t, err)

		msg := &ackMessage{destination: "/topic/a", body: "hello"}
		require.NoError(t, h(ctx, msg))
		require.NoError(t, async.Close())

		assert.Equal(t, "/topic/a\thello\n", out.String())
		assert.False(t, msg.acked)
	})

	t.Run("jq and ack", func(t *testing.T) {
		var out bytes.Buffer
		h, async, err := buildPrintHandler(&out, zap.NewNop(), ".v", stompws.AckClient, 10)
		require.NoError(t, err)

		msg := &ackMessage{destination: "/topic/b", body: `{"v":7}`}
		require.NoError(t, h(ctx, msg))
		require.NoError(t, async.Close())

		assert.Equal(t, "/topic/b\t7\n", out.String())
		assert.True(t, msg.acked)
	})

	t.Run("bad jq", func(t *testing.T) {
		_, _, err := buildPrintHandler(&bytes.Buffer{}, zap.NewNop(), ".[", stompws.AckAuto, 10)
		assert.Error(t, err)
	})
}

func TestPrintModules(t *testing.T) {
	rules := modules.DefaultRules()
	order, err := modules.Order(rules, modules.DefaultExternal...)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printModules(&out, rules, order, false))
	assert.Equal(t, "1\tCore\n2\tWebSockets\n3\tStomp\n4\tSTOMPWebSockets\n", out.String())

	out.Reset()
	require.NoError(t, printModules(&out, rules, order[2:3], true))
	assert.True(t, strings.HasPrefix(out.String(), "1\tStomp\t"), out.String())
	assert.Contains(t, out.String(), "public=Core,WebSockets")
}

func TestModulesCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app"+modules.DescriptorSuffix), []byte(`
module "App" {
  public_dependencies = ["Lib"]
}

module "Lib" {
}
`), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"modules", "--log-level", "error", "--root", "App", dir})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		modulesRoot = ""
	})

	require.NoError(t, Execute())
	assert.Equal(t, "1\tLib\n2\tApp\n", out.String())
}
