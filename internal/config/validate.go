package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateSegmenter(); err != nil {
		return err
	}
	if err := c.validateMerger(); err != nil {
		return err
	}
	if err := c.validateAnalysis(); err != nil {
		return err
	}
	if err := c.validateSynthesis(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateSegmenter() error {
	if c.Segmenter.ConfidenceThreshold <= 0 || c.Segmenter.ConfidenceThreshold >= 1 {
		return errors.New("segmenter.confidence_threshold must be between 0 and 1 exclusive")
	}
	if c.Segmenter.MaxWindowChars < 500 {
		return errors.New("segmenter.max_window_chars must be at least 500")
	}
	return nil
}

func (c *Config) validateMerger() error {
	if c.Merger.AnalysisMargin <= 0 || c.Merger.AnalysisMargin >= 1 {
		return errors.New("merger.analysis_margin must be between 0 and 1 exclusive")
	}
	return nil
}

func (c *Config) validateAnalysis() error {
	// A missing API key is not fatal: the pipeline degrades to the local
	// fallback analyzer. Timing values still need to be sane.
	if err := ensurePositiveMap(map[string]int{
		"analysis.timeout_seconds":     c.Analysis.TimeoutSeconds,
		"analysis.requests_per_minute": c.Analysis.RequestsPerMinute,
		"analysis.max_in_flight":       c.Analysis.MaxInFlight,
	}); err != nil {
		return err
	}
	if c.Analysis.MaxInFlight > 32 {
		return errors.New("analysis.max_in_flight must be 32 or fewer")
	}
	return nil
}

func (c *Config) validateSynthesis() error {
	if err := ensurePositiveMap(map[string]int{
		"synthesis.worker_count": c.Synthesis.WorkerCount,
		"synthesis.max_retries":  c.Synthesis.MaxRetries,
		"synthesis.sample_rate":  c.Synthesis.SampleRate,
	}); err != nil {
		return err
	}
	switch c.Synthesis.Format {
	case "wav", "mp3", "flac", "ogg":
	default:
		return fmt.Errorf("synthesis.format: unsupported value %q", c.Synthesis.Format)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	return ensurePositiveMap(map[string]int{
		"workflow.queue_poll_interval":  c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
	})
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
