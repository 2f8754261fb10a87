package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.opentelemetry.io/otel"
	"k8s.io/klog/v2"
)

var tracer = otel.Tracer("eventhistory-clickhouse-storage")

// ClickHouseConfig configures the ClickHouse connection.
type ClickHouseConfig struct {
	Address  string
	Database string
	Username string
	Password string

	// TLS configuration (optional - disabled by default)
	TLSEnabled  bool   // Enable TLS for ClickHouse connection
	TLSCertFile string // Path to client certificate file
	TLSKeyFile  string // Path to client key file
	TLSCAFile   string // Path to CA certificate file

	DialTimeout      time.Duration
	MaxExecutionTime time.Duration // Server-side limit for a single statement
}

// ClickHouseStorage owns the connection shared by the event store and the
// retention sweeper.
type ClickHouseStorage struct {
	conn   driver.Conn
	config ClickHouseConfig
}

// NewClickHouseStorage establishes a connection to ClickHouse and validates connectivity.
func NewClickHouseStorage(ctx context.Context, config ClickHouseConfig) (*ClickHouseStorage, error) {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.MaxExecutionTime <= 0 {
		config.MaxExecutionTime = 60 * time.Second
	}

	options := &clickhouse.Options{
		Addr: []string{config.Address},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(config.MaxExecutionTime.Seconds()),
		},
		DialTimeout: config.DialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	// Configure TLS if enabled
	if config.TLSEnabled {
		tlsConfig, err := loadTLSConfig(config)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS configuration: %w", err)
		}
		options.TLS = tlsConfig
		klog.V(2).Info("ClickHouse TLS enabled")
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %s: %w", config.Address, err)
	}

	klog.InfoS("Connected to ClickHouse", "address", config.Address, "database", config.Database)
	return &ClickHouseStorage{
		conn:   conn,
		config: config,
	}, nil
}

// loadTLSConfig loads TLS certificates and creates a tls.Config for ClickHouse connection.
func loadTLSConfig(config ClickHouseConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// Load client certificate and key if provided
	if config.TLSCertFile != "" && config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		klog.V(2).InfoS("Loaded client certificate", "certFile", config.TLSCertFile)
	}

	// Load CA certificate if provided
	if config.TLSCAFile != "" {
		caCert, err := os.ReadFile(config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
		klog.V(2).InfoS("Loaded CA certificate", "caFile", config.TLSCAFile)
	}

	return tlsConfig, nil
}

func (s *ClickHouseStorage) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection.
func (s *ClickHouseStorage) Conn() driver.Conn {
	return s.conn
}

// Config returns the ClickHouse configuration.
func (s *ClickHouseStorage) Config() ClickHouseConfig {
	return s.config
}

// Check implements a controller-runtime healthz.Checker backed by a ping.
func (s *ClickHouseStorage) Check(req *http.Request) error {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return nil
}
