// Package events defines the ClusterEvent record that flows through the
// ingestion pipeline, and its conversion from core/v1 Events.
package events

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// Key identifies one observation of an event in the store. The API server
// coalesces repeats of the same event by bumping Count on the same UID, so
// every distinct (UID, Count) pair is a new occurrence.
type Key struct {
	UID   string
	Count int32
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.UID, k.Count)
}

// ClusterEvent is a flattened Kubernetes Event as seen by a namespace watcher.
type ClusterEvent struct {
	UID                string    `json:"uid"`
	Name               string    `json:"name"`
	Namespace          string    `json:"namespace"`
	Reason             string    `json:"reason,omitempty"`
	Type               string    `json:"type,omitempty"`
	Message            string    `json:"message,omitempty"`
	InvolvedKind       string    `json:"involvedKind,omitempty"`
	InvolvedName       string    `json:"involvedName,omitempty"`
	ReportingComponent string    `json:"reportingComponent,omitempty"`
	SourceHost         string    `json:"sourceHost,omitempty"`
	FirstTimestamp     time.Time `json:"firstTimestamp,omitzero"`
	LastTimestamp      time.Time `json:"lastTimestamp,omitzero"`
	Count              int32     `json:"count"`

	// ResourceVersion is the version the event was delivered with. It is
	// never persisted.
	ResourceVersion string `json:"-"`
}

// Key returns the deduplication key of the event.
func (e *ClusterEvent) Key() Key {
	return Key{UID: e.UID, Count: e.Count}
}

// FromCoreEvent converts a core/v1 Event. All defaulting for missing fields
// happens here:
//   - Count 0 becomes 1.
//   - ReportingComponent is source.component, else reportingController.
//   - SourceHost is source.host, else reportingInstance.
//   - Missing first/last timestamps fall back to eventTime, then to each other.
func FromCoreEvent(ev *corev1.Event) ClusterEvent {
	out := ClusterEvent{
		UID:                string(ev.UID),
		Name:               ev.Name,
		Namespace:          ev.Namespace,
		Reason:             ev.Reason,
		Type:               ev.Type,
		Message:            ev.Message,
		InvolvedKind:       ev.InvolvedObject.Kind,
		InvolvedName:       ev.InvolvedObject.Name,
		ReportingComponent: firstNonEmpty(ev.Source.Component, ev.ReportingController),
		SourceHost:         firstNonEmpty(ev.Source.Host, ev.ReportingInstance),
		FirstTimestamp:     ev.FirstTimestamp.Time,
		LastTimestamp:      ev.LastTimestamp.Time,
		Count:              ev.Count,
		ResourceVersion:    ev.ResourceVersion,
	}

	if out.Count <= 0 {
		out.Count = 1
	}

	if out.FirstTimestamp.IsZero() {
		out.FirstTimestamp = ev.EventTime.Time
	}
	if out.LastTimestamp.IsZero() {
		out.LastTimestamp = ev.EventTime.Time
	}
	if out.FirstTimestamp.IsZero() {
		out.FirstTimestamp = out.LastTimestamp
	}
	if out.LastTimestamp.IsZero() {
		out.LastTimestamp = out.FirstTimestamp
	}

	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
