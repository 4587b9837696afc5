// Package archive persists call artifacts (transcripts, Twilio recordings)
// to supabase storage.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/dmdzco/donna2-sub004/internal/turn"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

type Archive struct {
	client *supabase.Client
	bucket string
}

func New(config Config) (*Archive, error) {
	client, err := supabase.NewClient(config.URL, config.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &Archive{client: client, bucket: config.Bucket}, nil
}

// Upload stores a raw object. Satisfies the telephony storage interface for
// recording uploads.
func (a *Archive) Upload(key, contentType string, data []byte) error {
	_, err := a.client.Storage.UploadFile(a.bucket, key, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// transcriptEntry is the stored form of one transcript line.
type transcriptEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ArchiveTranscript uploads the final transcript of one call as JSON.
func (a *Archive) ArchiveTranscript(callID string, transcript []turn.Message) error {
	if len(transcript) == 0 {
		return nil
	}
	data, err := encodeTranscript(transcript)
	if err != nil {
		return err
	}
	return a.Upload(transcriptKey(callID), "application/json", data)
}

func transcriptKey(callID string) string {
	return fmt.Sprintf("transcripts/call_%s.json", callID)
}

func encodeTranscript(transcript []turn.Message) ([]byte, error) {
	entries := make([]transcriptEntry, 0, len(transcript))
	for _, m := range transcript {
		entries = append(entries, transcriptEntry{Role: string(m.Role), Text: m.Text, At: m.At})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}
	return data, nil
}
