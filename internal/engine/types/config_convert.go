package types

import "github.com/surge-downloader/filetransfer/internal/config"

// ConvertRuntimeConfig converts the app-level RuntimeConfig to the engine-level RuntimeConfig.
func ConvertRuntimeConfig(rc *config.RuntimeConfig) *RuntimeConfig {
	if rc == nil {
		return nil
	}
	return &RuntimeConfig{
		MaxConnectionsPerHost: rc.MaxConnectionsPerHost,
		UserAgent:             rc.UserAgent,
		ProxyURL:              rc.ProxyURL,
		MinChunkSize:          rc.MinChunkSize,
		WorkerBufferSize:      rc.WorkerBufferSize,
		MaxTaskRetries:        rc.MaxTaskRetries,
		RetryBaseDelay:        rc.RetryBaseDelay,
		RetryMaxDelay:         rc.RetryMaxDelay,
		ProgressInterval:      rc.ProgressInterval,
		ProgressByteThreshold: rc.ProgressByteThreshold,
		SpeedEmaAlpha:         rc.SpeedEmaAlpha,
		SkipTLSVerification:   rc.SkipTLSVerification,
	}
}
