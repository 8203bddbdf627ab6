package ai

import (
	"bytes"
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

// Transcriber converts captured audio into composer text via the OpenAI audio
// transcription endpoint. Its Transcribe method satisfies TranscribeFunc.
type Transcriber struct {
	client openai.Client
	model  openai.AudioModel
}

func NewTranscriber(apiKey string, baseURL string, model string) (*Transcriber, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	m := openai.AudioModelWhisper1
	if strings.TrimSpace(model) != "" {
		m = openai.AudioModel(strings.TrimSpace(model))
	}
	return &Transcriber{client: openai.NewClient(opts...), model: m}, nil
}

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if t == nil {
		return "", errors.New("nil transcriber")
	}
	if len(audio) == 0 {
		return "", errors.New("missing audio")
	}
	res, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: t.model,
		File:  openai.File(bytes.NewReader(audio), "capture.webm", "audio/webm"),
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", errors.New("empty transcript")
	}
	return text, nil
}
