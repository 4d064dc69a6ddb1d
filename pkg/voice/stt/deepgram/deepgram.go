// Package deepgram wraps the Deepgram streaming speech-to-text WebSocket API.
// Callers feed PCM audio chunks and receive interim and final transcripts.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"
)

const (
	listenEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the [Transcriber].
type Option func(*Transcriber)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(t *Transcriber) {
		t.language = language
	}
}

// WithSampleRate sets the PCM input sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(t *Transcriber) {
		t.sampleRate = rate
	}
}

// Transcriber opens streaming transcription sessions against Deepgram.
type Transcriber struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New creates a new Transcriber. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	t := &Transcriber{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Transcript is one recognition result.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Start opens a streaming transcription session.
func (t *Transcriber) Start(ctx context.Context) (*Session, error) {
	wsURL, err := t.buildURL()
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+t.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &Session{
		conn:     conn,
		partials: make(chan Transcript, 64),
		finals:   make(chan Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

func (t *Transcriber) buildURL() (string, error) {
	u, err := url.Parse(listenEndpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", t.model)
	q.Set("language", t.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(t.sampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── session ─────────────────────────────────────────────────────────────────

// listenResponse is the JSON structure returned by Deepgram for a Results event.
type listenResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Session is a live Deepgram streaming session.
type Session struct {
	conn     *websocket.Conn
	partials chan Transcript
	finals   chan Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *Session) Partials() <-chan Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *Session) Finals() <-chan Transcript { return s.finals }

// Close terminates the session cleanly. Idempotent.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// CloseStream tells Deepgram to flush pending audio.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain queued audio before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// partials and finals channels.
func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		t, ok := parseListenResponse(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

// parseListenResponse parses a raw Deepgram message into a Transcript.
// Returns (zero, false) if the message should be ignored.
func parseListenResponse(data []byte) (Transcript, bool) {
	var resp listenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	return Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
