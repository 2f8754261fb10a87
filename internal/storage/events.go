package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"go.miloapis.com/eventhistory/internal/events"
	"go.miloapis.com/eventhistory/internal/metrics"
)

// DefaultEventsTable is the table event records are written to.
const DefaultEventsTable = "k8s_events"

// insertColumns is the column order used by InsertBatch. id and ingested_at
// are filled in by ClickHouse defaults.
var insertColumns = []string{
	"uid",
	"name",
	"namespace",
	"reason",
	"type",
	"message",
	"involved_kind",
	"involved_name",
	"reporting_component",
	"source_host",
	"first_timestamp",
	"last_timestamp",
	"count",
}

// EventStoreConfig configures the event record table.
type EventStoreConfig struct {
	Database string
	Table    string
}

// EventStore persists ClusterEvents keyed by (uid, count).
type EventStore struct {
	conn   driver.Conn
	config EventStoreConfig
}

// NewEventStore creates an event store on conn. An empty table name defaults
// to DefaultEventsTable.
func NewEventStore(conn driver.Conn, config EventStoreConfig) *EventStore {
	if config.Table == "" {
		config.Table = DefaultEventsTable
	}
	return &EventStore{
		conn:   conn,
		config: config,
	}
}

func (s *EventStore) table() string {
	if s.config.Database == "" {
		return s.config.Table
	}
	return s.config.Database + "." + s.config.Table
}

func (s *EventStore) startSpan(ctx context.Context, name, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		attribute.String("db.system", "clickhouse"),
		attribute.String("db.name", s.config.Database),
		attribute.String("db.sql.table", s.config.Table),
		attribute.String("db.operation", operation),
	}, attrs...)
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// ExistingKeys returns which of keys are already stored, using a single
// query. The returned map is never nil on success.
func (s *EventStore) ExistingKeys(ctx context.Context, keys []events.Key) (map[events.Key]struct{}, error) {
	existing := make(map[events.Key]struct{}, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	unique := make(map[events.Key]struct{}, len(keys))
	tuples := make([]string, 0, len(keys))
	args := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		if _, ok := unique[k]; ok {
			continue
		}
		unique[k] = struct{}{}
		tuples = append(tuples, "(?, ?)")
		args = append(args, k.UID, k.Count)
	}

	ctx, span := s.startSpan(ctx, "clickhouse.events.existing_keys", "SELECT",
		attribute.Int("query.keys", len(tuples)),
	)
	defer span.End()

	query := fmt.Sprintf("SELECT uid, count FROM %s WHERE (uid, count) IN (%s)",
		s.table(), strings.Join(tuples, ", "))

	start := time.Now()
	rows, err := s.conn.Query(ctx, query, args...)
	metrics.ClickHouseQueryDuration.WithLabelValues("existing_keys").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClickHouseQueryErrors.WithLabelValues("existing_keys").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "existence check failed")
		return nil, fmt.Errorf("failed to query existing events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			uid   string
			count int32
		)
		if err := rows.Scan(&uid, &count); err != nil {
			metrics.ClickHouseQueryErrors.WithLabelValues("existing_keys").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan failed")
			return nil, fmt.Errorf("failed to scan existing event key: %w", err)
		}
		existing[events.Key{UID: uid, Count: count}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		metrics.ClickHouseQueryErrors.WithLabelValues("existing_keys").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "row iteration failed")
		return nil, fmt.Errorf("failed to read existing event keys: %w", err)
	}

	span.SetAttributes(attribute.Int("query.existing", len(existing)))
	return existing, nil
}

// InsertBatch writes all events in one native batch. Nothing is written if
// any row fails to append or the batch fails to send.
func (s *EventStore) InsertBatch(ctx context.Context, batch []events.ClusterEvent) error {
	if len(batch) == 0 {
		return nil
	}

	ctx, span := s.startSpan(ctx, "clickhouse.events.insert_batch", "INSERT",
		attribute.Int("batch.size", len(batch)),
	)
	defer span.End()

	query := fmt.Sprintf("INSERT INTO %s (%s)", s.table(), strings.Join(insertColumns, ", "))

	start := time.Now()
	defer func() {
		metrics.ClickHouseQueryDuration.WithLabelValues("insert_batch").Observe(time.Since(start).Seconds())
	}()

	fail := func(err error, msg string) error {
		metrics.ClickHouseQueryErrors.WithLabelValues("insert_batch").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return fmt.Errorf("%s: %w", msg, err)
	}

	b, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fail(err, "failed to prepare event batch")
	}

	for i := range batch {
		ev := &batch[i]
		if err := b.Append(
			ev.UID,
			ev.Name,
			ev.Namespace,
			ev.Reason,
			ev.Type,
			ev.Message,
			ev.InvolvedKind,
			ev.InvolvedName,
			ev.ReportingComponent,
			ev.SourceHost,
			nullableTime(ev.FirstTimestamp),
			nullableTime(ev.LastTimestamp),
			ev.Count,
		); err != nil {
			if abortErr := b.Abort(); abortErr != nil {
				klog.ErrorS(abortErr, "Failed to abort event batch")
			}
			return fail(err, fmt.Sprintf("failed to append event %s", ev.Key()))
		}
	}

	if err := b.Send(); err != nil {
		return fail(err, "failed to send event batch")
	}

	klog.V(4).InfoS("Inserted event batch", "table", s.table(), "rows", len(batch))
	return nil
}

// DeleteIngestedBefore removes records ingested before cutoff.
func (s *EventStore) DeleteIngestedBefore(ctx context.Context, cutoff time.Time) error {
	ctx, span := s.startSpan(ctx, "clickhouse.events.delete_expired", "DELETE",
		attribute.String("retention.cutoff", cutoff.UTC().Format(time.RFC3339)),
	)
	defer span.End()

	query := fmt.Sprintf("DELETE FROM %s WHERE ingested_at < ?", s.table())

	start := time.Now()
	err := s.conn.Exec(ctx, query, cutoff.UTC())
	metrics.ClickHouseQueryDuration.WithLabelValues("delete_expired").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClickHouseQueryErrors.WithLabelValues("delete_expired").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return fmt.Errorf("failed to delete events ingested before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	return nil
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
