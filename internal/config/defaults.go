package config

const (
	defaultDataDir                 = "~/.local/share/fable"
	defaultLogDir                  = "~/.local/share/fable/logs"
	defaultAudioDir                = "~/.local/share/fable/audio"
	defaultAnalysisBaseURL         = "https://openrouter.ai/api/v1/chat/completions"
	defaultAnalysisModel           = "google/gemini-3-flash-preview"
	defaultAnalysisTimeoutSeconds  = 60
	defaultAnalysisRequestsPerMin  = 30
	defaultAnalysisMaxInFlight     = 4
	defaultCacheTTLHours           = 168
	defaultConfidenceThreshold     = 0.6
	defaultContextBefore           = 2
	defaultContextAfter            = 2
	defaultMaxWindowChars          = 6000
	defaultMergeGap                = 2
	defaultAnalysisMargin          = 0.15
	defaultSynthesisWorkerCount    = 2
	defaultSynthesisMaxRetries     = 3
	defaultSynthesisFormat         = "wav"
	defaultSynthesisSampleRate     = 24000
	defaultQueuePollInterval       = 5
	defaultErrorRetryInterval      = 10
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			LogDir:   defaultLogDir,
			AudioDir: defaultAudioDir,
		},
		Analysis: Analysis{
			BaseURL:           defaultAnalysisBaseURL,
			Model:             defaultAnalysisModel,
			TimeoutSeconds:    defaultAnalysisTimeoutSeconds,
			RequestsPerMinute: defaultAnalysisRequestsPerMin,
			MaxInFlight:       defaultAnalysisMaxInFlight,
		},
		Cache: Cache{
			Enabled:  true,
			TTLHours: defaultCacheTTLHours,
		},
		Segmenter: Segmenter{
			ConfidenceThreshold: defaultConfidenceThreshold,
			ContextBefore:       defaultContextBefore,
			ContextAfter:        defaultContextAfter,
			MaxWindowChars:      defaultMaxWindowChars,
			MergeGap:            defaultMergeGap,
		},
		Merger: Merger{
			AnalysisMargin: defaultAnalysisMargin,
		},
		Synthesis: Synthesis{
			WorkerCount: defaultSynthesisWorkerCount,
			MaxRetries:  defaultSynthesisMaxRetries,
			Format:      defaultSynthesisFormat,
			SampleRate:  defaultSynthesisSampleRate,
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
