package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ---------------------------------------------------------------------------
// Transcript/title collaborator.
// Turns the narration recording into a transcript (used as the generation
// description) and a short title (drawn on the watermark panel). This is
// an external collaborator: the pipeline survives a missing title, but a
// missing transcript means there is nothing to describe the visuals with.
// ---------------------------------------------------------------------------

type TranscribeService struct {
	client *openai.Client
}

func NewTranscribeService(apiKey string) *TranscribeService {
	return &TranscribeService{
		client: openai.NewClient(apiKey),
	}
}

// Transcribe sends the narration file to Whisper and returns its text.
func (s *TranscribeService) Transcribe(ctx context.Context, narrationPath string) (string, error) {
	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: narrationPath,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("whisper returned an empty transcript")
	}

	log.Printf("[Transcribe] Narration transcribed (%d chars): %q", len(text), truncate(text, 80))
	return text, nil
}

// SuggestTitle asks for a short title for the transcript. Failure is
// non-fatal for callers: the watermark panel falls back to date-only.
func (s *TranscribeService) SuggestTitle(ctx context.Context, transcript string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: "gpt-5-mini",
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You title short personal video notes. Reply with a title of at most five words, no quotes, no punctuation at the end.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: transcript,
			},
		},
		Temperature: 1.0,
	})
	if err != nil {
		return "", fmt.Errorf("title request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}

	title := strings.TrimSpace(resp.Choices[0].Message.Content)
	if title == "" {
		return "", fmt.Errorf("empty title in response")
	}

	log.Printf("[Transcribe] Suggested title: %q", title)
	return title, nil
}
