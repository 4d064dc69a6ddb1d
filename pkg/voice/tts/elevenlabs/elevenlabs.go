// Package elevenlabs wraps the ElevenLabs streaming text-to-speech WebSocket
// API. It stops at the wire: callers feed text fragments and receive raw PCM
// chunks; playback is up to the engine on the other side of the gateway.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the [Synthesizer].
type Option func(*Synthesizer)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Synthesizer) {
		s.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(s *Synthesizer) {
		s.outputFormat = format
	}
}

// Synthesizer streams text to the ElevenLabs API and yields PCM audio.
type Synthesizer struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ─── WebSocket message types ─────────────────────────────────────────────────

// textMessage is the JSON payload sent for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// openMessage is the initial handshake carrying auth and output format.
type openMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// Stream opens a WebSocket to ElevenLabs, pipes text fragments from the text
// channel, and returns a channel emitting raw PCM audio chunks.
//
// Closing the text channel flushes pending synthesis; the audio channel is
// closed when synthesis is complete or ctx is cancelled.
func (s *Synthesizer) Stream(ctx context.Context, text <-chan string, voiceID string) (<-chan []byte, error) {
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voiceID, s.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// The first text value must be non-empty per the API contract.
	open := openMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey:     s.apiKey,
		OutputFormat: s.outputFormat,
	}
	openBytes, _ := json.Marshal(open)
	if err := conn.Write(ctx, websocket.MessageText, openBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("elevenlabs: handshake: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var resp audioResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if resp.Audio == "" {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err != nil {
					continue
				}
				select {
				case audioCh <- pcm:
				case <-ctx.Done():
					return
				}
			}
		}()

		vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// Empty text is the flush command.
					flushBytes, _ := json.Marshal(textMessage{Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, flushBytes)
					<-readDone
					return
				}
				if fragment == "" {
					continue
				}
				payload := textMessage{Text: fragment, VoiceSettings: vs}
				// Voice settings only accompany the first fragment.
				vs = nil
				msgBytes, _ := json.Marshal(payload)
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// ─── voice listing ───────────────────────────────────────────────────────────

// Voice is a single voice available to the configured API key.
type Voice struct {
	ID       string
	Name     string
	Category string
	Labels   map[string]string
}

type voicesResponse struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// Voices returns all voices available from ElevenLabs for the configured API key.
func (s *Synthesizer) Voices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	data, err := decodeVoices(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return data, nil
}

func decodeVoices(r io.Reader) ([]Voice, error) {
	var vr voicesResponse
	if err := json.NewDecoder(r).Decode(&vr); err != nil {
		return nil, err
	}
	voices := make([]Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		voices = append(voices, Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Category: v.Category,
			Labels:   v.Labels,
		})
	}
	return voices, nil
}
