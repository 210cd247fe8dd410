package resumable

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-resumable-upload/resumable/retry"
	"github.com/bitrise-io/go-resumable-upload/resumable/sessionstore"
	"github.com/bitrise-io/go-resumable-upload/resumable/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// DefaultAPIEndpoint is the storage service the uploads go to.
	DefaultAPIEndpoint = "https://storage.googleapis.com"
	// DefaultChunkSize is the size of a chunk request in chunked mode.
	DefaultChunkSize = 8 * 1024 * 1024
	// chunkGranularity is the size every non-final chunk should be a multiple of.
	chunkGranularity = 256 * 1024
)

// Preconditions restrict the session creation to a given object state.
type Preconditions struct {
	IfGenerationMatch        *int64
	IfGenerationNotMatch     *int64
	IfMetagenerationMatch    *int64
	IfMetagenerationNotMatch *int64
}

// Config holds configuration of an upload.
type Config struct {
	// Bucket and Object identify the destination. Both are required.
	Bucket string
	Object string
	// Generation targets a specific object generation; 0 means none.
	Generation int64

	// URI resumes a session created elsewhere instead of looking one up or
	// creating one.
	URI string

	// APIEndpoint of the storage service. A missing scheme defaults to https.
	// Default: https://storage.googleapis.com
	APIEndpoint string

	// ChunkSize is the size of one chunk request. 0 uploads the whole stream
	// in a single request.
	// Default: 8 MiB
	ChunkSize int

	// BufferSize is the number of bytes Write may queue before it blocks.
	// Default: 2 * ChunkSize
	BufferSize int

	// ContentLength is the total size of the upload when known; <= 0 means unknown.
	ContentLength int64
	ContentType   string
	// Metadata is stored as the custom metadata of the object.
	Metadata map[string]string

	Preconditions Preconditions
	KMSKeyName    string
	PredefinedACL string
	// Private and Public are shorthands for the private and publicRead
	// predefined ACLs.
	Private bool
	Public  bool
	// UserProject is billed for the requests.
	UserProject string
	// Origin is sent on session creation for CORS enabled uploads.
	Origin string
	// EncryptionKey is a customer supplied AES-256 key (32 bytes).
	EncryptionKey []byte

	Retry retry.Config

	// RequestTimeout bounds a single HTTP request; 0 means no limit.
	RequestTimeout time.Duration
	// HungThreshold is the duration after which a chunk request is considered
	// hung if it exceeds the average chunk request time by this amount.
	// Default: 30 seconds
	HungThreshold time.Duration

	hungCheckInterval time.Duration

	// Store persists sessions. If nil, a FileStore at ConfigPath is used.
	Store      sessionstore.Store
	ConfigPath string

	HTTPClient    *http.Client
	Authenticator transport.Authenticator
	Logger        log.Logger
	Observers     []Observer
}

// DefaultConfig returns the default configuration for the given destination.
func DefaultConfig(bucket, object string) Config {
	return Config{
		Bucket:        bucket,
		Object:        object,
		APIEndpoint:   DefaultAPIEndpoint,
		ChunkSize:     DefaultChunkSize,
		Retry:         retry.DefaultConfig(),
		HungThreshold: 30 * time.Second,
	}
}

// Identity returns the identity of the uploaded object.
func (c Config) Identity() Identity {
	return Identity{Bucket: c.Bucket, Object: c.Object, Generation: c.Generation}
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%w: bucket must not be empty", ErrInvalidConfig)
	}
	if c.Object == "" {
		return fmt.Errorf("%w: object must not be empty", ErrInvalidConfig)
	}
	if c.Generation < 0 {
		return fmt.Errorf("%w: generation must not be negative", ErrInvalidConfig)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk size must not be negative", ErrInvalidConfig)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("%w: buffer size must not be negative", ErrInvalidConfig)
	}
	if len(c.EncryptionKey) != 0 && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("%w: encryption key must be 32 bytes, got %d", ErrInvalidConfig, len(c.EncryptionKey))
	}
	if c.Private && c.Public {
		return fmt.Errorf("%w: private and public are mutually exclusive", ErrInvalidConfig)
	}
	if c.PredefinedACL != "" && (c.Private || c.Public) {
		return fmt.Errorf("%w: predefined ACL conflicts with the private/public flag", ErrInvalidConfig)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills the optional fields of a validated config.
func (c Config) withDefaults() Config {
	c.APIEndpoint = sanitizeEndpoint(c.APIEndpoint)
	if c.HungThreshold <= 0 {
		c.HungThreshold = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	if c.ContentLength < 0 {
		c.ContentLength = 0
	}
	return c
}

// bufferLimit keeps room for one chunk plus one byte, so the engine can tell
// whether a full chunk is the last one.
func (c Config) bufferLimit() int {
	limit := c.BufferSize
	if limit == 0 {
		limit = 2 * c.ChunkSize
	}
	if limit == 0 {
		limit = DefaultChunkSize
	}
	if limit < c.ChunkSize+1 {
		limit = c.ChunkSize + 1
	}
	if limit < sessionstore.FingerprintSize {
		limit = sessionstore.FingerprintSize
	}
	return limit
}

func (c Config) predefinedACL() string {
	switch {
	case c.PredefinedACL != "":
		return c.PredefinedACL
	case c.Private:
		return "private"
	case c.Public:
		return "publicRead"
	default:
		return ""
	}
}

func (c Config) hasGenerationPrecondition() bool {
	return c.Generation != 0 || c.Preconditions.IfGenerationMatch != nil
}

func sanitizeEndpoint(endpoint string) string {
	if endpoint == "" {
		return DefaultAPIEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimRight(endpoint, "/")
}
