package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.miloapis.com/eventhistory/internal/events"
)

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{name: "type equality", expr: `event.type == "Warning"`},
		{name: "string method", expr: `!event.namespace.startsWith("kube-")`},
		{name: "in list", expr: `event.reason in ["BackOff", "Failed"]`},
		{name: "count comparison", expr: `event.count > 5`},
		{name: "timestamp", expr: `event.lastTimestamp > timestamp("2024-01-01T00:00:00Z")`},
		{name: "unknown field", expr: `event.severity == "high"`, wantErr: "field 'event.severity' is not available"},
		{name: "undeclared variable", expr: `pod.name == "x"`, wantErr: "undeclared reference"},
		{name: "non boolean", expr: `event.reason`, wantErr: "must return a boolean"},
		{name: "syntax error", expr: `event.type ==`, wantErr: "invalid event filter at line 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Compile(tt.expr)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Contains(t, err.Error(), "event.involvedKind", "errors list the available fields")
				return
			}
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Equal(t, tt.expr, f.String())
		})
	}
}

func TestCompile_EmptyAdmitsAll(t *testing.T) {
	f, err := Compile("   ")
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.True(t, f.Admit(&events.ClusterEvent{Type: "Normal"}))
	assert.Equal(t, "", f.String())
}

func TestAdmit(t *testing.T) {
	f, err := Compile(`event.type == "Warning" && event.involvedKind == "Pod" && !event.namespace.startsWith("kube-")`)
	require.NoError(t, err)

	tests := []struct {
		name  string
		event events.ClusterEvent
		want  bool
	}{
		{
			name:  "warning on pod",
			event: events.ClusterEvent{Type: "Warning", InvolvedKind: "Pod", Namespace: "demo"},
			want:  true,
		},
		{
			name:  "normal on pod",
			event: events.ClusterEvent{Type: "Normal", InvolvedKind: "Pod", Namespace: "demo"},
			want:  false,
		},
		{
			name:  "system namespace",
			event: events.ClusterEvent{Type: "Warning", InvolvedKind: "Pod", Namespace: "kube-system"},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Admit(&tt.event))
		})
	}
}

func TestAdmit_EvaluationErrorAdmits(t *testing.T) {
	f, err := Compile(`event.count / 0 == 1`)
	require.NoError(t, err)

	ev := &events.ClusterEvent{Count: 3}
	_, evalErr := f.Evaluate(ev)
	require.Error(t, evalErr)
	assert.True(t, f.Admit(ev))
}

func TestEventToMap(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	m := EventToMap(&events.ClusterEvent{
		UID:            "abc",
		Reason:         "Pulled",
		Count:          4,
		FirstTimestamp: ts,
	})

	assert.Len(t, m, len(eventFields), "every allowed field is bound")
	for field := range eventFields {
		assert.Contains(t, m, field)
	}
	assert.Equal(t, "abc", m["uid"])
	assert.Equal(t, int64(4), m["count"])
	assert.Equal(t, ts, m["firstTimestamp"])
}

func TestSimplifyErrorMessage(t *testing.T) {
	msg := simplifyErrorMessage("ERROR: <input>:1:12: Syntax error: mismatched input '<EOF>'\n | event.type ==\n | ...........^")
	assert.Equal(t, "Syntax error: mismatched input '<EOF>'", msg)
}
