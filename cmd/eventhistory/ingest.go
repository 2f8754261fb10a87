package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/validation"
	utilfeature "k8s.io/apiserver/pkg/util/feature"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/component-base/logs"
	logsapi "k8s.io/component-base/logs/api/v1"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"go.miloapis.com/eventhistory/internal/filter"
	"go.miloapis.com/eventhistory/internal/ingest"
	"go.miloapis.com/eventhistory/internal/metrics"
	"go.miloapis.com/eventhistory/internal/publisher"
	"go.miloapis.com/eventhistory/internal/queue"
	"go.miloapis.com/eventhistory/internal/retention"
	"go.miloapis.com/eventhistory/internal/server"
	"go.miloapis.com/eventhistory/internal/storage"
	"go.miloapis.com/eventhistory/internal/supervisor"
	"go.miloapis.com/eventhistory/internal/watcher"
)

const (
	envPrefix        = "EVENTHISTORY"
	defaultNamespace = "default"
	userAgent        = "eventhistory"
)

// IngestOptions contains configuration for the ingestion pipeline.
type IngestOptions struct {
	Logs *logsapi.LoggingConfiguration

	// Kubernetes configuration
	Kubeconfig string
	MasterURL  string
	Namespaces []string

	// Watch configuration
	WatchTimeout   time.Duration
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	EventFilter    string

	// Queue and batching configuration
	QueueCapacity  int
	MaxBatchSize   int
	BatchWindow    time.Duration
	IdleTimeout    time.Duration
	PersistTimeout time.Duration
	FlushTimeout   time.Duration

	// Supervision
	RestartCooldown time.Duration
	DrainTimeout    time.Duration

	// ClickHouse configuration
	ClickHouseAddress     string
	ClickHouseDatabase    string
	ClickHouseTable       string
	ClickHouseUsername    string
	ClickHousePassword    string
	ClickHouseTLSEnabled  bool
	ClickHouseTLSCertFile string
	ClickHouseTLSKeyFile  string
	ClickHouseTLSCAFile   string

	// NATS feed configuration. An empty URL disables the feed.
	NATSURL           string
	NATSSubjectPrefix string
	NATSTLSEnabled    bool
	NATSTLSCertFile   string
	NATSTLSKeyFile    string
	NATSTLSCAFile     string

	// Retention configuration
	Retention         time.Duration
	RetentionInterval time.Duration

	// Health probe configuration
	HealthProbeAddr string

	env         *viper.Viper
	eventFilter *filter.Filter
}

// NewIngestOptions creates options with default values.
func NewIngestOptions() *IngestOptions {
	env := viper.New()
	env.SetEnvPrefix(envPrefix)
	env.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	env.AutomaticEnv()
	// Deployments written for the original service set these directly.
	_ = env.BindEnv("namespaces", envPrefix+"_NAMESPACES", "WATCH_NAMESPACES")
	_ = env.BindEnv("pod-namespace", "POD_NAMESPACE")

	return &IngestOptions{
		Logs:               logsapi.NewLoggingConfiguration(),
		WatchTimeout:       watcher.DefaultWatchTimeout,
		BackoffFloor:       watcher.DefaultBackoffFloor,
		BackoffCeiling:     watcher.DefaultBackoffCeiling,
		QueueCapacity:      queue.DefaultCapacity,
		MaxBatchSize:       ingest.DefaultMaxBatchSize,
		BatchWindow:        ingest.DefaultBatchWindow,
		IdleTimeout:        ingest.DefaultIdleTimeout,
		PersistTimeout:     ingest.DefaultPersistTimeout,
		FlushTimeout:       ingest.DefaultFlushTimeout,
		RestartCooldown:    supervisor.DefaultRestartCooldown,
		DrainTimeout:       supervisor.DefaultDrainTimeout,
		ClickHouseAddress:  "localhost:9000",
		ClickHouseDatabase: "default",
		ClickHouseTable:    storage.DefaultEventsTable,
		ClickHouseUsername: "default",
		NATSSubjectPrefix:  publisher.DefaultSubjectPrefix,
		Retention:          retention.DefaultRetention,
		RetentionInterval:  retention.DefaultInterval,
		HealthProbeAddr:    ":8080",
		env:                env,
	}
}

// AddFlags adds ingest flags to fs. Every flag can also be set through an
// EVENTHISTORY_<FLAG> environment variable, e.g. EVENTHISTORY_CLICKHOUSE_PASSWORD.
func (o *IngestOptions) AddFlags(fs *pflag.FlagSet) {
	logsapi.AddFlags(o.Logs, fs)

	// Kubernetes flags
	fs.StringVar(&o.Kubeconfig, "kubeconfig", o.Kubeconfig,
		"Path to a kubeconfig file. Only required if out-of-cluster.")
	fs.StringVar(&o.MasterURL, "master", o.MasterURL,
		"The address of the Kubernetes API server. Overrides any value in kubeconfig.")
	fs.StringSliceVar(&o.Namespaces, "namespaces", o.Namespaces,
		"Comma-separated namespaces to watch. Defaults to WATCH_NAMESPACES, then POD_NAMESPACE, then \"default\".")

	// Watch flags
	fs.DurationVar(&o.WatchTimeout, "watch-timeout", o.WatchTimeout,
		"Server-side timeout of a single watch call.")
	fs.DurationVar(&o.BackoffFloor, "backoff-floor", o.BackoffFloor,
		"Initial delay before retrying a failed watch.")
	fs.DurationVar(&o.BackoffCeiling, "backoff-ceiling", o.BackoffCeiling,
		"Maximum delay between watch retries.")
	fs.StringVar(&o.EventFilter, "event-filter", o.EventFilter,
		"CEL expression over 'event' selecting which events are stored, e.g. event.type == 'Warning'.")

	// Queue and batching flags
	fs.IntVar(&o.QueueCapacity, "queue-capacity", o.QueueCapacity,
		"Maximum number of events waiting to be persisted. Events beyond this are dropped.")
	fs.IntVar(&o.MaxBatchSize, "max-batch-size", o.MaxBatchSize,
		"Maximum number of events persisted in one batch.")
	fs.DurationVar(&o.BatchWindow, "batch-window", o.BatchWindow,
		"How long to keep collecting after the first event of a batch.")
	fs.DurationVar(&o.IdleTimeout, "idle-timeout", o.IdleTimeout,
		"How long the worker waits for a first event before checking for shutdown.")
	fs.DurationVar(&o.PersistTimeout, "persist-timeout", o.PersistTimeout,
		"Timeout for the existence check and insert of one batch.")
	fs.DurationVar(&o.FlushTimeout, "flush-timeout", o.FlushTimeout,
		"Timeout for persisting the final batch during shutdown.")

	// Supervision flags
	fs.DurationVar(&o.RestartCooldown, "restart-cooldown", o.RestartCooldown,
		"Delay before restarting the pipeline after a task exits unexpectedly.")
	fs.DurationVar(&o.DrainTimeout, "drain-timeout", o.DrainTimeout,
		"Maximum time to wait for the pipeline to stop.")

	// ClickHouse flags
	fs.StringVar(&o.ClickHouseAddress, "clickhouse-address", o.ClickHouseAddress,
		"ClickHouse server address (host:port).")
	fs.StringVar(&o.ClickHouseDatabase, "clickhouse-database", o.ClickHouseDatabase,
		"ClickHouse database name.")
	fs.StringVar(&o.ClickHouseTable, "clickhouse-table", o.ClickHouseTable,
		"ClickHouse table holding event records.")
	fs.StringVar(&o.ClickHouseUsername, "clickhouse-username", o.ClickHouseUsername,
		"ClickHouse username.")
	fs.StringVar(&o.ClickHousePassword, "clickhouse-password", o.ClickHousePassword,
		"ClickHouse password.")
	fs.BoolVar(&o.ClickHouseTLSEnabled, "clickhouse-tls-enabled", o.ClickHouseTLSEnabled,
		"Enable TLS for ClickHouse connection.")
	fs.StringVar(&o.ClickHouseTLSCertFile, "clickhouse-tls-cert-file", o.ClickHouseTLSCertFile,
		"Path to client certificate file for ClickHouse mTLS.")
	fs.StringVar(&o.ClickHouseTLSKeyFile, "clickhouse-tls-key-file", o.ClickHouseTLSKeyFile,
		"Path to client private key file for ClickHouse mTLS.")
	fs.StringVar(&o.ClickHouseTLSCAFile, "clickhouse-tls-ca-file", o.ClickHouseTLSCAFile,
		"Path to CA certificate file for ClickHouse server verification.")

	// NATS flags
	fs.StringVar(&o.NATSURL, "nats-url", o.NATSURL,
		"NATS server URL for the committed event feed. Set to empty to disable.")
	fs.StringVar(&o.NATSSubjectPrefix, "nats-subject-prefix", o.NATSSubjectPrefix,
		"Subject prefix for published events. The namespace is appended.")
	fs.BoolVar(&o.NATSTLSEnabled, "nats-tls-enabled", o.NATSTLSEnabled,
		"Enable TLS for NATS connection.")
	fs.StringVar(&o.NATSTLSCertFile, "nats-tls-cert-file", o.NATSTLSCertFile,
		"Path to client certificate file for mTLS authentication.")
	fs.StringVar(&o.NATSTLSKeyFile, "nats-tls-key-file", o.NATSTLSKeyFile,
		"Path to client private key file for mTLS authentication.")
	fs.StringVar(&o.NATSTLSCAFile, "nats-tls-ca-file", o.NATSTLSCAFile,
		"Path to CA certificate file for server verification.")

	// Retention flags
	fs.Var(retention.NewPeriodValue(&o.Retention), "retention",
		"How long stored events are kept, e.g. 7d, 2w or 36h. Set to 0 to keep them forever.")
	fs.DurationVar(&o.RetentionInterval, "retention-interval", o.RetentionInterval,
		"How often expired events are deleted.")

	// Health probe flags
	fs.StringVar(&o.HealthProbeAddr, "health-probe-addr", o.HealthProbeAddr,
		"Address for the health and metrics server (e.g., :8080). Set to empty to disable.")
}

// Complete fills unset flags from the environment, resolves the namespace
// list and compiles the event filter.
func (o *IngestOptions) Complete(fs *pflag.FlagSet) error {
	if err := o.applyEnv(fs); err != nil {
		return err
	}

	o.Namespaces = normalizeNamespaces(o.Namespaces)
	if len(o.Namespaces) == 0 {
		if ns := strings.TrimSpace(o.env.GetString("pod-namespace")); ns != "" {
			o.Namespaces = []string{ns}
		} else {
			o.Namespaces = []string{defaultNamespace}
		}
	}

	eventFilter, err := filter.Compile(o.EventFilter)
	if err != nil {
		return err
	}
	o.eventFilter = eventFilter
	return nil
}

// applyEnv sets every flag not given on the command line from its
// environment variable.
func (o *IngestOptions) applyEnv(fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !o.env.IsSet(f.Name) {
			return
		}
		if err := fs.Set(f.Name, o.env.GetString(f.Name)); err != nil {
			errs = append(errs, fmt.Errorf("invalid environment value for --%s: %w", f.Name, err))
		}
	})
	return utilerrors.NewAggregate(errs)
}

// normalizeNamespaces trims entries, drops empty ones and removes
// duplicates while keeping the first occurrence.
func normalizeNamespaces(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, ns := range in {
		ns = strings.TrimSpace(ns)
		if ns == "" {
			continue
		}
		if _, ok := seen[ns]; ok {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, ns)
	}
	return out
}

// Validate checks the completed options.
func (o *IngestOptions) Validate() error {
	var errs []error

	if len(o.Namespaces) == 0 {
		errs = append(errs, errors.New("at least one namespace is required"))
	}
	for _, ns := range o.Namespaces {
		if msgs := validation.IsDNS1123Label(ns); len(msgs) > 0 {
			errs = append(errs, fmt.Errorf("invalid namespace %q: %s", ns, strings.Join(msgs, "; ")))
		}
	}

	if o.QueueCapacity <= 0 {
		errs = append(errs, errors.New("--queue-capacity must be positive"))
	}
	if o.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("--max-batch-size must be positive"))
	}
	if o.BatchWindow <= 0 {
		errs = append(errs, errors.New("--batch-window must be positive"))
	}
	if o.IdleTimeout <= 0 {
		errs = append(errs, errors.New("--idle-timeout must be positive"))
	}
	if o.WatchTimeout < time.Second {
		errs = append(errs, errors.New("--watch-timeout must be at least 1s"))
	}
	if o.BackoffFloor <= 0 {
		errs = append(errs, errors.New("--backoff-floor must be positive"))
	}
	if o.BackoffCeiling < o.BackoffFloor {
		errs = append(errs, errors.New("--backoff-ceiling must not be less than --backoff-floor"))
	}
	if o.DrainTimeout <= 0 {
		errs = append(errs, errors.New("--drain-timeout must be positive"))
	}

	if o.ClickHouseAddress == "" {
		errs = append(errs, errors.New("--clickhouse-address is required"))
	}
	if o.ClickHouseDatabase == "" {
		errs = append(errs, errors.New("--clickhouse-database is required"))
	}
	if o.ClickHouseTable == "" {
		errs = append(errs, errors.New("--clickhouse-table is required"))
	}
	if o.ClickHouseTLSCertFile != "" && o.ClickHouseTLSKeyFile == "" {
		errs = append(errs, errors.New("--clickhouse-tls-key-file is required with --clickhouse-tls-cert-file"))
	}
	if o.NATSTLSCertFile != "" && o.NATSTLSKeyFile == "" {
		errs = append(errs, errors.New("--nats-tls-key-file is required with --nats-tls-cert-file"))
	}

	if o.Retention < 0 {
		errs = append(errs, errors.New("--retention must not be negative"))
	}
	if o.Retention > 0 && o.RetentionInterval <= 0 {
		errs = append(errs, errors.New("--retention-interval must be positive when retention is enabled"))
	}

	return utilerrors.NewAggregate(errs)
}

// NewIngestCommand creates the ingest subcommand.
func NewIngestCommand() *cobra.Command {
	options := NewIngestOptions()

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the event ingestion pipeline",
		Long: `Run the pipeline that records Kubernetes Events into ClickHouse.

The pipeline:
- Lists and watches core/v1 Events in each configured namespace, resuming
  from the last seen resource version after every reconnect
- Buffers events in a bounded queue, dropping new events when it is full
- Persists events in adaptive batches, skipping (uid, count) pairs that
  are already stored
- Updates Prometheus counters for every stored event
- Optionally publishes stored events to NATS JetStream
- Deletes records older than the retention period`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := options.Complete(cmd.Flags()); err != nil {
				return err
			}
			if err := options.Validate(); err != nil {
				return err
			}

			// Set up controller-runtime logging
			ctrl.SetLogger(zap.New(zap.UseDevMode(true)))

			return RunIngest(ctrl.SetupSignalHandler(), options)
		},
	}

	options.AddFlags(cmd.Flags())

	return cmd
}

// RunIngest runs the pipeline until ctx is cancelled.
func RunIngest(ctx context.Context, options *IngestOptions) error {
	if err := logsapi.ValidateAndApply(options.Logs, utilfeature.DefaultMutableFeatureGate); err != nil {
		return fmt.Errorf("failed to apply logging configuration: %w", err)
	}
	defer logs.FlushLogs()

	klog.InfoS("Starting event history ingestion", "namespaces", options.Namespaces)

	restConfig, err := options.restConfig()
	if err != nil {
		return fmt.Errorf("failed to build kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(rest.AddUserAgent(restConfig, userAgent))
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	chStorage, err := storage.NewClickHouseStorage(ctx, storage.ClickHouseConfig{
		Address:     options.ClickHouseAddress,
		Database:    options.ClickHouseDatabase,
		Username:    options.ClickHouseUsername,
		Password:    options.ClickHousePassword,
		TLSEnabled:  options.ClickHouseTLSEnabled,
		TLSCertFile: options.ClickHouseTLSCertFile,
		TLSKeyFile:  options.ClickHouseTLSKeyFile,
		TLSCAFile:   options.ClickHouseTLSCAFile,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := chStorage.Close(); err != nil {
			klog.ErrorS(err, "Failed to close ClickHouse connection")
		}
	}()

	store := storage.NewEventStore(chStorage.Conn(), storage.EventStoreConfig{
		Database: options.ClickHouseDatabase,
		Table:    options.ClickHouseTable,
	})

	feed, err := publisher.Connect(publisher.Config{
		URL:           options.NATSURL,
		SubjectPrefix: options.NATSSubjectPrefix,
		TLSEnabled:    options.NATSTLSEnabled,
		TLSCertFile:   options.NATSTLSCertFile,
		TLSKeyFile:    options.NATSTLSKeyFile,
		TLSCAFile:     options.NATSTLSCAFile,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if feed != nil {
		defer feed.Close()
	}

	aggregator := metrics.NewAggregator(ctrlmetrics.Registry)
	q := queue.New(options.QueueCapacity)
	tracker := watcher.NewTracker(options.Namespaces)
	source := watcher.NewKubeSource(client)
	sweeper := retention.NewSweeper(store, retention.Options{
		Retention: options.Retention,
		Interval:  options.RetentionInterval,
	})

	watcherOpts := []watcher.Option{watcher.WithTracker(tracker)}
	if options.eventFilter != nil {
		klog.InfoS("Event filter enabled", "expression", options.eventFilter.String())
		watcherOpts = append(watcherOpts, watcher.WithFilter(options.eventFilter))
	}
	var workerOpts []ingest.Option
	if feed != nil {
		workerOpts = append(workerOpts, ingest.WithPublisher(feed))
	}

	sup := supervisor.New(supervisor.Config{
		RestartCooldown: options.RestartCooldown,
		DrainTimeout:    options.DrainTimeout,
	}, func() []supervisor.Task {
		tasks := make([]supervisor.Task, 0, len(options.Namespaces)+2)
		for _, ns := range options.Namespaces {
			w := watcher.New(watcher.Config{
				Namespace:      ns,
				WatchTimeout:   options.WatchTimeout,
				BackoffFloor:   options.BackoffFloor,
				BackoffCeiling: options.BackoffCeiling,
			}, source, q, watcherOpts...)
			tasks = append(tasks, supervisor.Task{Name: "watcher/" + ns, Run: w.Run})
		}

		worker := ingest.NewWorker(ingest.Config{
			MaxBatchSize:   options.MaxBatchSize,
			BatchWindow:    options.BatchWindow,
			IdleTimeout:    options.IdleTimeout,
			PersistTimeout: options.PersistTimeout,
			FlushTimeout:   options.FlushTimeout,
		}, q, store, aggregator, workerOpts...)
		tasks = append(tasks, supervisor.Task{Name: "worker", Run: worker.Run})
		tasks = append(tasks, supervisor.Task{Name: "retention", Run: sweeper.Run})
		return tasks
	})

	if options.HealthProbeAddr != "" {
		probes := server.NewProbeServer(options.HealthProbeAddr, probeChecks(sup, chStorage, tracker, feed))
		go func() {
			if err := probes.Run(ctx); err != nil {
				klog.ErrorS(err, "Health probe server failed")
			}
		}()
	}

	err = sup.Run(ctx)
	klog.InfoS("Event history ingestion stopped",
		"restarts", sup.Restarts(),
		"dropped", q.Dropped(),
		"pending", q.Len())
	return err
}

func probeChecks(sup *supervisor.Supervisor, chStorage *storage.ClickHouseStorage, tracker *watcher.Tracker, feed *publisher.Publisher) server.Checks {
	checks := server.Checks{
		Liveness: map[string]healthz.Checker{
			"pipeline": sup.Check,
		},
		Readiness: map[string]healthz.Checker{
			"pipeline":   sup.Check,
			"clickhouse": chStorage.Check,
			"watchers":   tracker.Check,
		},
	}
	if feed != nil {
		checks.Readiness["nats"] = feed.Check
	}
	return checks
}

// restConfig prefers an explicit kubeconfig, then the in-cluster service
// account, then the default loading rules ($KUBECONFIG, ~/.kube/config).
func (o *IngestOptions) restConfig() (*rest.Config, error) {
	if o.Kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags(o.MasterURL, o.Kubeconfig)
	}

	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, rest.ErrNotInCluster) {
		return nil, err
	}

	overrides := &clientcmd.ConfigOverrides{}
	if o.MasterURL != "" {
		overrides.ClusterInfo.Server = o.MasterURL
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(), overrides).ClientConfig()
}
