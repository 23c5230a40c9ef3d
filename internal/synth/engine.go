// Package synth turns finalized segments into audio. It plans synthesis jobs
// over contiguous same-speaker runs, executes them on a bounded worker pool,
// and talks to a speech engine through the Engine interface.
package synth

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fable/internal/config"
	"fable/internal/logging"
	"fable/internal/services"
	"fable/internal/voices"
)

// Request carries everything an engine needs to render one stretch of text.
type Request struct {
	Text       string  `json:"text"`
	VoiceID    string  `json:"voice_id"`
	Pitch      float64 `json:"pitch"`
	Rate       float64 `json:"rate"`
	Emphasis   float64 `json:"emphasis"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
}

// Audio is a rendered clip plus its playback length.
type Audio struct {
	Data            []byte
	DurationSeconds float64
}

// Engine is the synthesis backend contract. Implementations must be safe for
// concurrent use; the worker pool calls Synthesize from multiple goroutines.
type Engine interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
	Voices(ctx context.Context) ([]voices.Voice, error)
}

// NewEngine selects a backend from configuration: an HTTP engine when an
// engine URL is set, otherwise the built-in placeholder engine.
func NewEngine(cfg config.Synthesis, logger *slog.Logger) Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.EngineURL == "" {
		return &nullEngine{}
	}
	return &httpEngine{
		baseURL: strings.TrimRight(cfg.EngineURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  logging.NewComponentLogger(logger, "synth-engine"),
	}
}

// EstimateDuration predicts playback length from word count at a reading pace
// of 150 words per minute, scaled by the voice rate.
func EstimateDuration(text string, rate float64) float64 {
	if rate <= 0 {
		rate = 1.0
	}
	words := len(strings.Fields(text))
	return float64(words) / 150.0 * 60.0 / rate
}

// nullEngine renders silence of the estimated duration. It exists so the full
// pipeline runs end to end without a speech backend installed.
type nullEngine struct{}

func (e *nullEngine) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	duration := EstimateDuration(req.Text, req.Rate)
	return Audio{
		Data:            silentWAV(req.SampleRate, duration),
		DurationSeconds: duration,
	}, nil
}

func (e *nullEngine) Voices(context.Context) ([]voices.Voice, error) {
	return []voices.Voice{
		{ID: "null_narrator", Name: "Placeholder Narrator", Gender: "neutral", Age: "adult"},
		{ID: "null_male", Name: "Placeholder Male", Gender: "male", Age: "adult"},
		{ID: "null_female", Name: "Placeholder Female", Gender: "female", Age: "adult"},
	}, nil
}

// silentWAV builds a mono 16-bit PCM file holding the requested stretch of
// silence. Duration is capped to keep placeholder output small.
func silentWAV(sampleRate int, duration float64) []byte {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	const maxSeconds = 30.0
	if duration > maxSeconds {
		duration = maxSeconds
	}
	frames := int(duration * float64(sampleRate))
	dataSize := frames * 2

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

// httpEngine speaks to an external speech service: POST /synthesize returns
// raw audio with the playback length in the X-Fable-Duration header, and
// GET /voices returns the catalog as JSON.
type httpEngine struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func (e *httpEngine) Synthesize(ctx context.Context, req Request) (Audio, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Audio{}, services.Wrap(services.ErrValidation, "synth-engine", "synthesize", "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return Audio{}, services.Wrap(services.ErrValidation, "synth-engine", "synthesize", "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Audio{}, services.Wrap(services.ErrTransient, "synth-engine", "synthesize", "engine request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Audio{}, services.Wrap(services.ErrTransient, "synth-engine", "synthesize",
			fmt.Sprintf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, services.Wrap(services.ErrTransient, "synth-engine", "synthesize", "read audio body", err)
	}

	duration := EstimateDuration(req.Text, req.Rate)
	if raw := resp.Header.Get("X-Fable-Duration"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			duration = parsed
		}
	}
	return Audio{Data: data, DurationSeconds: duration}, nil
}

func (e *httpEngine) Voices(ctx context.Context) ([]voices.Voice, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/voices", nil)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "synth-engine", "voices", "build request", err)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "synth-engine", "voices", "engine request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, services.Wrap(services.ErrTransient, "synth-engine", "voices",
			fmt.Sprintf("engine returned status %d", resp.StatusCode), nil)
	}

	var catalog []voices.Voice
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, services.Wrap(services.ErrTransient, "synth-engine", "voices", "decode catalog", err)
	}
	return catalog, nil
}
