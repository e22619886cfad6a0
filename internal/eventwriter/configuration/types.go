package configuration

import (
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
)

type EventWriterConfiguration struct {
	// Where and how events are stored
	Storage StorageConfig
	// Concurrency and batching of the writer pipeline
	Pipeline PipelineConfig
	// Prometheus endpoint
	Metrics MetricsConfig
	// Source of events for the ingest command
	Pulsar PulsarConfig
	// Parameters of the load test command
	LoadTest LoadTestConfig
}

type StorageConfig struct {
	// Either "postgres" or "sqlite"
	Driver string `validate:"oneof=postgres sqlite"`
	// libpq key/value pairs for postgres, e.g. host, port, user, password, dbname.
	// For sqlite the single key "file" holds the database path.
	Connection map[string]string `validate:"required"`
	// v1 stores events by parameter name, v2 by parameter id with one section per parameter
	SchemaVersion model.SchemaVersion `validate:"oneof=1 2"`
	// Upper bound on pooled connections. Zero keeps the driver default.
	MaxConnections int32 `validate:"gte=0"`
	// Attempts made to reach the database when the pipeline starts
	ConnectAttempts uint `validate:"gte=1"`
	// Pause between connection attempts
	ConnectBackoff time.Duration
	// Number of known parameter sections remembered by the postgres v2 schema
	SectionCacheSize int `validate:"gte=1"`
	// Apply schema migrations when the storage is opened
	MigrateOnStart bool
}

type PipelineConfig struct {
	// Number of concurrent writers
	Workers int `validate:"gte=1"`
	// Records per multi-row insert
	InsertSize int `validate:"gte=1"`
	// Inserts per transaction
	TransactionSize int `validate:"gte=1"`
	// Longest a writer waits for work before checking for shutdown
	PollInterval time.Duration `validate:"gt=0"`
	// Period of queue samples
	MonitorInterval time.Duration `validate:"gt=0"`
}

type MetricsConfig struct {
	Port uint16
}

type PulsarConfig struct {
	// Pulsar URL
	URL string
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Path to the JWT token (must exist). This must be set if AuthenticationEnabled is true
	JwtTokenPath string
	// Topic carrying JSON encoded events
	Topic             string
	SubscriptionName  string
	SubscriptionType  pulsar.SubscriptionType
	ReceiverQueueSize int
	// Messages submitted to the pipeline as one submission
	BatchSize int `validate:"gte=0"`
	// Maximum time since the last batch before a partial batch is submitted
	BatchDuration time.Duration `validate:"gt=0"`
	// Time for which the consumer waits for a new message before checking for shutdown
	ReceiveTimeout time.Duration
	// Time for which the consumer backs off after failing to receive a message
	BackoffTime time.Duration
}

type LoadTestConfig struct {
	// "single" submits one bulk and waits for it; "sustained" submits a bulk every SubmitInterval for Duration
	Mode string `validate:"oneof=single sustained"`
	// Events per submission
	BulkSize int `validate:"gte=1"`
	// Distinct parameters the generated events are spread over
	Parameters     int `validate:"gte=1"`
	SubmitInterval time.Duration
	Duration       time.Duration
}
