package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/filesystem"
)

const sample = `
base_uri: http://orders.local/bus
transport:
  name: memory
  options:
    hub: config-test
queueing:
  base_dir: data
  outbound:
    max_attempts: 3
    retry_delay: 250ms
journal:
  provider: filesystem
subscription_tracking:
  provider: filesystem
endpoints:
  - name: billing
    uri: http://billing.local/bus/
    username: orders
    password: ${XRELAY_TEST_PASSWORD}
topics: [prices]
send_rules:
  - name_pattern: '^billing\.'
    endpoints: [billing]
subscriptions:
  - endpoint: billing
    topic: invoices
    ttl: 10m
reply_ttl: 1m
`

func TestLoad_ResolvesDefaultsAndPaths(t *testing.T) {
	t.Setenv("XRELAY_TEST_PASSWORD", "s3cret")
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.SourcePath())
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Queueing.BaseDir)
	assert.Equal(t, filepath.Join(dir, "data", "journal.log"), cfg.Journal.Path)
	assert.Equal(t, filepath.Join(dir, "data", "subscriptions"), cfg.Subscriptions.Dir)
	assert.Equal(t, "s3cret", cfg.Endpoints[0].Password)
	assert.Equal(t, 10*time.Minute, cfg.Subscribe[0].TTL)
	assert.Equal(t, time.Minute, cfg.ReplyTTL)

	out := cfg.Queueing.Outbound.Options()
	assert.Equal(t, 3, out.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, out.RetryDelay)
	assert.Equal(t, xrelay.DefaultQueueOptions().ConcurrencyLimit, out.ConcurrencyLimit)
}

func TestParse_ReportsAllProblems(t *testing.T) {
	_, err := Parse([]byte(`
journal:
  provider: sqlite
topics: [a]
subscription_tracking:
  provider: none
send_rules:
  - endpoints: [x]
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "base_uri required")
	assert.Contains(t, msg, "queueing.base_dir required")
	assert.Contains(t, msg, `unknown provider "sqlite"`)
	assert.Contains(t, msg, "subscription_tracking.provider required")
	assert.Contains(t, msg, "send_rules[0]")
}

func TestSendRuleConfig_Spec(t *testing.T) {
	spec, err := SendRuleConfig{ContentType: "text/plain"}.Spec()
	require.NoError(t, err)
	assert.Equal(t, xrelay.SpecContentType, spec.Kind)

	_, err = SendRuleConfig{NamePattern: "(", Endpoints: []string{"a"}}.Spec()
	assert.Error(t, err)

	_, err = SendRuleConfig{NamePattern: "a", ContentType: "b"}.Spec()
	assert.Error(t, err)
}

func TestApply_BuildsRunnableBus(t *testing.T) {
	t.Setenv("XRELAY_TEST_PASSWORD", "s3cret")
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	// No remote publisher exists on the hub.
	cfg.Subscribe = nil

	ctx := context.Background()
	bb := xrelay.NewBusBuilder()
	providers, err := cfg.Apply(ctx, bb, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = providers.Close() })

	require.IsType(t, &filesystem.Journal{}, providers.Journal)
	require.IsType(t, &filesystem.SubscriptionTracker{}, providers.Tracker)

	bus, err := bb.Build()
	require.NoError(t, err)
	require.NoError(t, bus.Init(ctx))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	assert.Equal(t, "http://orders.local/bus/", bus.BaseURI())
	assert.Equal(t, xrelay.StateRunning, bus.State())
	assert.DirExists(t, filepath.Join(dir, "data", xrelay.OutboundQueueName))
	assert.FileExists(t, filepath.Join(dir, "data", "journal.log"))

	require.NoError(t, bus.Publish(ctx, "tick", "prices"))
}
