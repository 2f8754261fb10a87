package watcher

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"go.miloapis.com/eventhistory/internal/events"
)

// listPageSize keeps individual list responses small on busy namespaces.
const listPageSize = 500

// Source is the slice of the cluster API a namespace watcher needs.
type Source interface {
	// List returns the current events of namespace and the resource version
	// of that snapshot.
	List(ctx context.Context, namespace string) ([]events.ClusterEvent, string, error)

	// Watch opens a stream of changes after resourceVersion. The server
	// closes the stream after timeout.
	Watch(ctx context.Context, namespace, resourceVersion string, timeout time.Duration) (watch.Interface, error)
}

// KubeSource lists and watches core/v1 Events through client-go.
type KubeSource struct {
	client kubernetes.Interface
}

// NewKubeSource creates a Source backed by client.
func NewKubeSource(client kubernetes.Interface) *KubeSource {
	return &KubeSource{client: client}
}

// List pages through the namespace's events. The resource version of the
// first page identifies the consistent snapshot all pages belong to.
func (s *KubeSource) List(ctx context.Context, namespace string) ([]events.ClusterEvent, string, error) {
	var (
		out             []events.ClusterEvent
		resourceVersion string
		continueToken   string
	)

	for {
		list, err := s.client.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
			Limit:    listPageSize,
			Continue: continueToken,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to list events in namespace %q: %w", namespace, err)
		}

		if resourceVersion == "" {
			resourceVersion = list.ResourceVersion
		}
		for i := range list.Items {
			out = append(out, events.FromCoreEvent(&list.Items[i]))
		}

		continueToken = list.Continue
		if continueToken == "" {
			break
		}
		klog.V(5).InfoS("Listing next page of events", "namespace", namespace, "fetched", len(out))
	}

	return out, resourceVersion, nil
}

// Watch starts a watch at resourceVersion. Bookmarks are requested so an
// idle namespace still advances its cursor.
func (s *KubeSource) Watch(ctx context.Context, namespace, resourceVersion string, timeout time.Duration) (watch.Interface, error) {
	timeoutSeconds := int64(timeout.Seconds())
	if timeoutSeconds < 1 {
		timeoutSeconds = 1
	}

	w, err := s.client.CoreV1().Events(namespace).Watch(ctx, metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		TimeoutSeconds:      &timeoutSeconds,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch events in namespace %q: %w", namespace, err)
	}
	return w, nil
}

// isHistoryExpired reports whether err means the requested resource version
// is older than the history the API server retains (HTTP 410).
func isHistoryExpired(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

// eventFromObject extracts the core/v1 Event carried by a watch event.
func eventFromObject(ev watch.Event) (*corev1.Event, error) {
	obj, ok := ev.Object.(*corev1.Event)
	if !ok {
		return nil, fmt.Errorf("unexpected object type %T in %s watch event", ev.Object, ev.Type)
	}
	return obj, nil
}
