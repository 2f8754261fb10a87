package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestFromCoreEvent_CopiesFields(t *testing.T) {
	t.Parallel()

	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	last := first.Add(5 * time.Minute)

	ev := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			Name:            "web-123.17f0",
			Namespace:       "demo",
			UID:             "abc",
			ResourceVersion: "100",
		},
		InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "web-123"},
		Reason:         "BackOff",
		Message:        "Back-off restarting failed container",
		Type:           corev1.EventTypeWarning,
		Source:         corev1.EventSource{Component: "kubelet", Host: "node-1"},
		FirstTimestamp: metav1.NewTime(first),
		LastTimestamp:  metav1.NewTime(last),
		Count:          4,
	}

	got := FromCoreEvent(ev)

	assert.Equal(t, ClusterEvent{
		UID:                "abc",
		Name:               "web-123.17f0",
		Namespace:          "demo",
		Reason:             "BackOff",
		Type:               "Warning",
		Message:            "Back-off restarting failed container",
		InvolvedKind:       "Pod",
		InvolvedName:       "web-123",
		ReportingComponent: "kubelet",
		SourceHost:         "node-1",
		FirstTimestamp:     first,
		LastTimestamp:      last,
		Count:              4,
		ResourceVersion:    "100",
	}, got)
	assert.Equal(t, Key{UID: "abc", Count: 4}, got.Key())
}

func TestFromCoreEvent_Defaults(t *testing.T) {
	t.Parallel()

	eventTime := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		event     *corev1.Event
		wantCount int32
		wantComp  string
		wantHost  string
		wantFirst time.Time
		wantLast  time.Time
	}{
		{
			name:      "zero count becomes one",
			event:     &corev1.Event{},
			wantCount: 1,
		},
		{
			name: "events.k8s.io style reporter fields",
			event: &corev1.Event{
				ReportingController: "default-scheduler",
				ReportingInstance:   "scheduler-0",
				EventTime:           metav1.NewMicroTime(eventTime),
			},
			wantCount: 1,
			wantComp:  "default-scheduler",
			wantHost:  "scheduler-0",
			wantFirst: eventTime,
			wantLast:  eventTime,
		},
		{
			name: "only last timestamp",
			event: &corev1.Event{
				LastTimestamp: metav1.NewTime(eventTime),
				Count:         2,
			},
			wantCount: 2,
			wantFirst: eventTime,
			wantLast:  eventTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FromCoreEvent(tt.event)
			assert.Equal(t, tt.wantCount, got.Count)
			assert.Equal(t, tt.wantComp, got.ReportingComponent)
			assert.Equal(t, tt.wantHost, got.SourceHost)
			assert.True(t, tt.wantFirst.Equal(got.FirstTimestamp), "first timestamp = %v", got.FirstTimestamp)
			assert.True(t, tt.wantLast.Equal(got.LastTimestamp), "last timestamp = %v", got.LastTimestamp)
		})
	}
}

func TestKeyString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc#2", Key{UID: "abc", Count: 2}.String())
}
