package resumable

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bitrise-io/go-resumable-upload/resumable/transport"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Environment variables read by ConfigFromEnv.
const (
	APIEndpointEnvKey  = "RESUMABLE_UPLOAD_API_ENDPOINT"
	ChunkSizeEnvKey    = "RESUMABLE_UPLOAD_CHUNK_SIZE"
	MaxRetriesEnvKey   = "RESUMABLE_UPLOAD_MAX_RETRIES"
	TotalTimeoutEnvKey = "RESUMABLE_UPLOAD_TOTAL_TIMEOUT"
	AccessTokenEnvKey  = "RESUMABLE_UPLOAD_ACCESS_TOKEN"
	UserProjectEnvKey  = "RESUMABLE_UPLOAD_USER_PROJECT"
	ConfigPathEnvKey   = "RESUMABLE_UPLOAD_CONFIG_PATH"
)

// ConfigFromEnv returns DefaultConfig(bucket, object) overridden by the
// RESUMABLE_UPLOAD_* environment variables. Unset variables keep the default.
func ConfigFromEnv(envRepo env.Repository, bucket, object string) (Config, error) {
	cfg := DefaultConfig(bucket, object)

	if endpoint := envRepo.Get(APIEndpointEnvKey); endpoint != "" {
		cfg.APIEndpoint = endpoint
	}

	if value := envRepo.Get(ChunkSizeEnvKey); value != "" {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, ChunkSizeEnvKey, err)
		}
		cfg.ChunkSize = int(size)
	}

	if value := envRepo.Get(MaxRetriesEnvKey); value != "" {
		retries, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, MaxRetriesEnvKey, err)
		}
		cfg.Retry.MaxRetries = retries
	}

	if value := envRepo.Get(TotalTimeoutEnvKey); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, TotalTimeoutEnvKey, err)
		}
		cfg.Retry.TotalTimeout = timeout
	}

	if token := envRepo.Get(AccessTokenEnvKey); token != "" {
		cfg.Authenticator = transport.BearerToken(token)
	}

	cfg.UserProject = envRepo.Get(UserProjectEnvKey)
	cfg.ConfigPath = envRepo.Get(ConfigPathEnvKey)

	return cfg, nil
}
