package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeAnalysis(); err != nil {
		return err
	}
	if err := c.normalizeCache(); err != nil {
		return err
	}
	c.normalizeSegmenter()
	c.normalizeMerger()
	c.normalizeSynthesis()
	c.normalizeWorkflow()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.AudioDir) == "" {
		c.Paths.AudioDir = defaultAudioDir
	}
	if c.Paths.AudioDir, err = expandPath(c.Paths.AudioDir); err != nil {
		return fmt.Errorf("paths.audio_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAnalysis() error {
	c.Analysis.APIKey = strings.TrimSpace(c.Analysis.APIKey)
	if c.Analysis.APIKey == "" {
		if value, ok := os.LookupEnv("FABLE_ANALYSIS_API_KEY"); ok {
			c.Analysis.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.Analysis.APIKey = strings.TrimSpace(value)
		}
	}
	c.Analysis.BaseURL = strings.TrimSpace(c.Analysis.BaseURL)
	if c.Analysis.BaseURL == "" {
		c.Analysis.BaseURL = defaultAnalysisBaseURL
	}
	c.Analysis.Model = strings.TrimSpace(c.Analysis.Model)
	if c.Analysis.Model == "" {
		c.Analysis.Model = defaultAnalysisModel
	}
	if c.Analysis.TimeoutSeconds <= 0 {
		c.Analysis.TimeoutSeconds = defaultAnalysisTimeoutSeconds
	}
	if c.Analysis.RequestsPerMinute <= 0 {
		c.Analysis.RequestsPerMinute = defaultAnalysisRequestsPerMin
	}
	if c.Analysis.MaxInFlight <= 0 {
		c.Analysis.MaxInFlight = defaultAnalysisMaxInFlight
	}
	return nil
}

func (c *Config) normalizeCache() error {
	c.Cache.Path = strings.TrimSpace(c.Cache.Path)
	if c.Cache.Path != "" {
		expanded, err := expandPath(c.Cache.Path)
		if err != nil {
			return fmt.Errorf("cache.path: %w", err)
		}
		c.Cache.Path = expanded
	}
	if c.Cache.TTLHours <= 0 {
		c.Cache.TTLHours = defaultCacheTTLHours
	}
	return nil
}

func (c *Config) normalizeSegmenter() {
	if c.Segmenter.ConfidenceThreshold <= 0 {
		c.Segmenter.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if c.Segmenter.ContextBefore < 0 {
		c.Segmenter.ContextBefore = defaultContextBefore
	}
	if c.Segmenter.ContextAfter < 0 {
		c.Segmenter.ContextAfter = defaultContextAfter
	}
	if c.Segmenter.MaxWindowChars <= 0 {
		c.Segmenter.MaxWindowChars = defaultMaxWindowChars
	}
	if c.Segmenter.MergeGap < 0 {
		c.Segmenter.MergeGap = defaultMergeGap
	}
}

func (c *Config) normalizeMerger() {
	if c.Merger.AnalysisMargin <= 0 {
		c.Merger.AnalysisMargin = defaultAnalysisMargin
	}
}

func (c *Config) normalizeSynthesis() {
	if c.Synthesis.WorkerCount <= 0 {
		c.Synthesis.WorkerCount = defaultSynthesisWorkerCount
	}
	if c.Synthesis.MaxRetries <= 0 {
		c.Synthesis.MaxRetries = defaultSynthesisMaxRetries
	}
	c.Synthesis.EngineURL = strings.TrimSpace(c.Synthesis.EngineURL)
	c.Synthesis.Format = strings.ToLower(strings.TrimSpace(c.Synthesis.Format))
	if c.Synthesis.Format == "" {
		c.Synthesis.Format = defaultSynthesisFormat
	}
	if c.Synthesis.SampleRate <= 0 {
		c.Synthesis.SampleRate = defaultSynthesisSampleRate
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
