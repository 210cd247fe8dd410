package resumable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_sanitizeEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{endpoint: "", want: DefaultAPIEndpoint},
		{endpoint: "storage.example.com", want: "https://storage.example.com"},
		{endpoint: "http://localhost:4443/", want: "http://localhost:4443"},
		{endpoint: "https://storage.googleapis.com//", want: "https://storage.googleapis.com"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeEndpoint(tt.endpoint))
		})
	}
}

func TestIdentity_Key(t *testing.T) {
	assert.Equal(t, "bucket/dir/object", Identity{Bucket: "bucket", Object: "dir/object"}.Key())
	assert.Equal(t, "bucket/object/42", Identity{Bucket: "bucket", Object: "object", Generation: 42}.Key())
}

func TestConfig_bufferLimit(t *testing.T) {
	tests := []struct {
		name       string
		chunkSize  int
		bufferSize int
		want       int
	}{
		{name: "twice the chunk size", chunkSize: 1024, want: 2048},
		{name: "explicit buffer size", chunkSize: 1024, bufferSize: 4096, want: 4096},
		{name: "room for one more byte than a chunk", chunkSize: 1024, bufferSize: 512, want: 1025},
		{name: "room for the fingerprint", chunkSize: 4, want: 16},
		{name: "streaming", chunkSize: 0, want: DefaultChunkSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{ChunkSize: tt.chunkSize, BufferSize: tt.bufferSize}
			assert.Equal(t, tt.want, cfg.bufferLimit())
		})
	}
}

func TestConfig_validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{name: "missing bucket", modify: func(cfg *Config) { cfg.Bucket = "" }},
		{name: "missing object", modify: func(cfg *Config) { cfg.Object = "" }},
		{name: "negative generation", modify: func(cfg *Config) { cfg.Generation = -1 }},
		{name: "negative chunk size", modify: func(cfg *Config) { cfg.ChunkSize = -1 }},
		{name: "negative buffer size", modify: func(cfg *Config) { cfg.BufferSize = -1 }},
		{name: "short encryption key", modify: func(cfg *Config) { cfg.EncryptionKey = make([]byte, 16) }},
		{name: "private and public", modify: func(cfg *Config) { cfg.Private, cfg.Public = true, true }},
		{name: "ACL and public", modify: func(cfg *Config) { cfg.PredefinedACL, cfg.Public = "projectPrivate", true }},
		{name: "negative retries", modify: func(cfg *Config) { cfg.Retry.MaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("bucket", "object")
			tt.modify(&cfg)
			require.ErrorIs(t, cfg.validate(), ErrInvalidConfig)
		})
	}

	require.NoError(t, DefaultConfig("bucket", "object").validate())
}

func TestConfig_predefinedACL(t *testing.T) {
	assert.Equal(t, "", Config{}.predefinedACL())
	assert.Equal(t, "private", Config{Private: true}.predefinedACL())
	assert.Equal(t, "publicRead", Config{Public: true}.predefinedACL())
	assert.Equal(t, "bucketOwnerRead", Config{PredefinedACL: "bucketOwnerRead"}.predefinedACL())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "suspended", StateSuspendedPendingRetry.String())
	assert.True(t, StateCompleted.Final())
	assert.True(t, StateFailed.Final())
	assert.False(t, StateTransmitting.Final())
}
