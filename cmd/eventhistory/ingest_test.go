package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedOptions(t *testing.T, args ...string) (*IngestOptions, error) {
	t.Helper()
	o := NewIngestOptions()
	fs := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
	o.AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return o, o.Complete(fs)
}

func clearNamespaceEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EVENTHISTORY_NAMESPACES", "")
	t.Setenv("WATCH_NAMESPACES", "")
	t.Setenv("POD_NAMESPACE", "")
}

func TestIngestOptions_Defaults(t *testing.T) {
	clearNamespaceEnv(t)

	o, err := completedOptions(t)
	require.NoError(t, err)

	assert.Equal(t, []string{"default"}, o.Namespaces)
	assert.Equal(t, 10000, o.QueueCapacity)
	assert.Equal(t, 500, o.MaxBatchSize)
	assert.Equal(t, 200*time.Millisecond, o.BatchWindow)
	assert.Equal(t, 30*time.Second, o.DrainTimeout)
	assert.Equal(t, "k8s_events", o.ClickHouseTable)
	assert.Equal(t, 7*24*time.Hour, o.Retention)
	assert.Empty(t, o.NATSURL, "feed is disabled by default")
	assert.Nil(t, o.eventFilter)
	assert.NoError(t, o.Validate())
}

func TestIngestOptions_Namespaces(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want []string
	}{
		{
			name: "flag",
			args: []string{"--namespaces=team-a,team-b"},
			env:  map[string]string{"WATCH_NAMESPACES": "ignored"},
			want: []string{"team-a", "team-b"},
		},
		{
			name: "prefixed env",
			env:  map[string]string{"EVENTHISTORY_NAMESPACES": "prod"},
			want: []string{"prod"},
		},
		{
			name: "watch namespaces env",
			env:  map[string]string{"WATCH_NAMESPACES": "kube-system,monitoring"},
			want: []string{"kube-system", "monitoring"},
		},
		{
			name: "pod namespace fallback",
			env:  map[string]string{"POD_NAMESPACE": "eventhistory"},
			want: []string{"eventhistory"},
		},
		{
			name: "default",
			want: []string{"default"},
		},
		{
			name: "trimmed and deduplicated",
			args: []string{"--namespaces=a, b,a,,b"},
			want: []string{"a", "b"},
		},
		{
			name: "only blanks falls back",
			args: []string{"--namespaces= , "},
			env:  map[string]string{"POD_NAMESPACE": "home"},
			want: []string{"home"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearNamespaceEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			o, err := completedOptions(t, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, o.Namespaces)
		})
	}
}

func TestIngestOptions_Environment(t *testing.T) {
	clearNamespaceEnv(t)
	t.Setenv("EVENTHISTORY_QUEUE_CAPACITY", "42")
	t.Setenv("EVENTHISTORY_BATCH_WINDOW", "1s")
	t.Setenv("EVENTHISTORY_CLICKHOUSE_PASSWORD", "secret")
	t.Setenv("EVENTHISTORY_NATS_URL", "nats://nats:4222")
	t.Setenv("EVENTHISTORY_RETENTION", "30d")

	o, err := completedOptions(t, "--queue-capacity=7")
	require.NoError(t, err)

	assert.Equal(t, 30*24*time.Hour, o.Retention)
	assert.Equal(t, 7, o.QueueCapacity, "command line wins over environment")
	assert.Equal(t, time.Second, o.BatchWindow)
	assert.Equal(t, "secret", o.ClickHousePassword)
	assert.Equal(t, "nats://nats:4222", o.NATSURL)
}

func TestIngestOptions_InvalidEnvironment(t *testing.T) {
	clearNamespaceEnv(t)
	t.Setenv("EVENTHISTORY_MAX_BATCH_SIZE", "many")

	_, err := completedOptions(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--max-batch-size")
}

func TestIngestOptions_EventFilter(t *testing.T) {
	clearNamespaceEnv(t)

	o, err := completedOptions(t, "--event-filter=event.type == 'Warning'")
	require.NoError(t, err)
	require.NotNil(t, o.eventFilter)
	assert.Equal(t, "event.type == 'Warning'", o.eventFilter.String())

	_, err = completedOptions(t, "--event-filter=event.colour == 'red'")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid event filter")
}

func TestIngestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *IngestOptions)
		wantErr string
	}{
		{name: "valid", mutate: func(*IngestOptions) {}},
		{
			name:    "no namespaces",
			mutate:  func(o *IngestOptions) { o.Namespaces = nil },
			wantErr: "at least one namespace",
		},
		{
			name:    "invalid namespace",
			mutate:  func(o *IngestOptions) { o.Namespaces = []string{"Not_Valid"} },
			wantErr: `invalid namespace "Not_Valid"`,
		},
		{
			name:    "zero queue capacity",
			mutate:  func(o *IngestOptions) { o.QueueCapacity = 0 },
			wantErr: "--queue-capacity",
		},
		{
			name:    "zero batch size",
			mutate:  func(o *IngestOptions) { o.MaxBatchSize = 0 },
			wantErr: "--max-batch-size",
		},
		{
			name:    "backoff ceiling below floor",
			mutate:  func(o *IngestOptions) { o.BackoffFloor, o.BackoffCeiling = 10*time.Second, time.Second },
			wantErr: "--backoff-ceiling",
		},
		{
			name:    "short watch timeout",
			mutate:  func(o *IngestOptions) { o.WatchTimeout = 100 * time.Millisecond },
			wantErr: "--watch-timeout",
		},
		{
			name:    "missing clickhouse address",
			mutate:  func(o *IngestOptions) { o.ClickHouseAddress = "" },
			wantErr: "--clickhouse-address",
		},
		{
			name:    "client cert without key",
			mutate:  func(o *IngestOptions) { o.NATSTLSCertFile = "/tls/tls.crt" },
			wantErr: "--nats-tls-key-file",
		},
		{
			name:    "negative retention",
			mutate:  func(o *IngestOptions) { o.Retention = -time.Hour },
			wantErr: "--retention",
		},
		{
			name:   "retention disabled ignores interval",
			mutate: func(o *IngestOptions) { o.Retention, o.RetentionInterval = 0, 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewIngestOptions()
			o.Namespaces = []string{"default"}
			tt.mutate(o)

			err := o.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	o := NewIngestOptions()
	o.Namespaces = []string{"default"}
	o.QueueCapacity = 0
	o.ClickHouseTable = ""

	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--queue-capacity")
	assert.Contains(t, err.Error(), "--clickhouse-table")
}

func TestRootCommand(t *testing.T) {
	cmd := NewEventHistoryCommand()

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"ingest", "version"}, names)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Version:")
	assert.Contains(t, out.String(), "Go Version:")
}
