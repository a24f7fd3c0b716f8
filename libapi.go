package msgbridge

import (
	runtimepkg "github.com/drblury/msgbridge/internal/runtime"
	configpkg "github.com/drblury/msgbridge/internal/runtime/config"
	errspkg "github.com/drblury/msgbridge/internal/runtime/errors"
	idspkg "github.com/drblury/msgbridge/internal/runtime/ids"
	jsoncodec "github.com/drblury/msgbridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/msgbridge/internal/runtime/logging"
	messagepkg "github.com/drblury/msgbridge/internal/runtime/message"
	metricspkg "github.com/drblury/msgbridge/internal/runtime/metrics"
	partitionpkg "github.com/drblury/msgbridge/internal/runtime/partition"
	schemapkg "github.com/drblury/msgbridge/internal/runtime/schema"
	wirepkg "github.com/drblury/msgbridge/internal/runtime/wire"
	"github.com/drblury/msgbridge/transport"
	"github.com/drblury/msgbridge/transport/transports"
)

type (
	Config              = configpkg.Config
	LoadOption          = configpkg.LoadOption
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Handler             = runtimepkg.Handler

	Message  = messagepkg.Message
	Metadata = messagepkg.Metadata
	Reply    = messagepkg.Reply

	Client         = transport.Client
	Clients        = transport.Clients
	RequestOptions = transport.RequestOptions
	Capabilities   = transport.Capabilities

	TransportBuilder  = transport.Builder
	TransportConfig   = transport.Config
	TransportDeps     = transport.Deps
	TransportRegistry = transport.Registry

	SchemaRegistry       = schemapkg.Registry
	SchemaRegistryConfig = schemapkg.Config
	Partitioner          = partitionpkg.Partitioner
	WireEnvelope         = wirepkg.Envelope
	MetricsCollector     = metricspkg.Collector

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ErrorKind             = errspkg.Kind
	ErrorCategory         = errspkg.Category
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks
)

var (
	NewService     = runtimepkg.NewService
	MustNewService = runtimepkg.MustNewService
	ValidateConfig = configpkg.ValidateConfig

	LoadConfig          = configpkg.Load
	LoadConfigFromBytes = configpkg.LoadFromBytes
	ConfigFromEnv       = configpkg.FromEnv
	MustLoadConfig      = configpkg.MustLoad
	WithEnvPrefix       = configpkg.WithEnvPrefix
	WithConfigType      = configpkg.WithConfigType
	WithoutValidation   = configpkg.WithoutValidation

	NewMessage  = messagepkg.New
	NewMetadata = messagepkg.NewMetadata

	NewClients           = transport.NewClients
	SendReply            = transport.Reply
	Merge                = transport.Merge
	WithTimeout          = transport.WithTimeout
	NewTransportRegistry = transport.NewRegistry

	NewSchemaRegistry = schemapkg.New
	NewPartitioner    = partitionpkg.New
	EncodeWire        = wirepkg.Encode
	DecodeWire        = wirepkg.Decode
	NewMetrics        = metricspkg.New

	// Job lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewError  = errspkg.New
	WrapError = errspkg.Wrap
	KindOf    = errspkg.KindOf
	IsKind    = errspkg.IsKind

	ErrHandlerRequired = errspkg.ErrHandlerRequired
	ErrClientRequired  = errspkg.ErrClientRequired
	ErrClientClosed    = errspkg.ErrClientClosed
	ErrTopicRequired   = errspkg.ErrTopicRequired
	ErrTopicsRequired  = errspkg.ErrTopicsRequired
	ErrConfigRequired  = errspkg.ErrConfigRequired
	ErrLoggerRequired  = errspkg.ErrLoggerRequired

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger       = loggingpkg.NewZapServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID
)

// Error kinds re-exported for handlers that classify their own failures.
const (
	BadRequest         = errspkg.BadRequest
	Unauthorized       = errspkg.Unauthorized
	NotFound           = errspkg.NotFound
	Gone               = errspkg.Gone
	ServerError        = errspkg.ServerError
	BadGateway         = errspkg.BadGateway
	ServiceUnavailable = errspkg.ServiceUnavailable
	Timeout            = errspkg.Timeout
	ImATeaPot          = errspkg.ImATeaPot
)

// Metadata keys with a meaning to the clients.
const (
	MetadataKeyPartitionKey  = messagepkg.KeyPartitionKey
	MetadataKeyPartition     = messagepkg.KeyPartition
	MetadataKeyContentType   = messagepkg.KeyContentType
	MetadataKeyReplyTo       = messagepkg.KeyReplyTo
	MetadataKeyCorrelationID = messagepkg.KeyCorrelationID
)

// NewDefaultRegistry returns a transport registry with every built-in backend
// registered: aws, channel (alias gochannel), kafka, nats and rabbitmq.
func NewDefaultRegistry() *TransportRegistry {
	return transports.NewRegistry()
}
