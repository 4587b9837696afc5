package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// OutboundCall describes one call the scheduler wants placed.
type OutboundCall struct {
	To         string
	SubjectID  string
	ReminderID string
}

// PlaceCall dials out through the Twilio REST API. The voice webhook we hand
// Twilio carries the subject and reminder so the media stream can pick the
// call back up. Returns the call SID.
func (s *Service) PlaceCall(ctx context.Context, call OutboundCall) (string, error) {
	if s.config.AccountSID == "" || s.config.AuthToken == "" {
		return "", fmt.Errorf("missing Twilio credentials")
	}
	if s.config.FromNumber == "" {
		return "", fmt.Errorf("missing Twilio from number")
	}

	voiceURL, err := s.publicURL("/twilio/voice")
	if err != nil {
		return "", err
	}
	statusURL, err := s.publicURL("/twilio/status")
	if err != nil {
		return "", err
	}

	q := url.Values{}
	if call.SubjectID != "" {
		q.Set("subjectId", call.SubjectID)
	}
	if call.ReminderID != "" {
		q.Set("reminderId", call.ReminderID)
	}
	if len(q) > 0 {
		voiceURL += "?" + q.Encode()
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(call.To)
	params.SetFrom(s.config.FromNumber)
	params.SetUrl(voiceURL)
	params.SetMethod("POST")
	params.SetStatusCallback(statusURL)
	params.SetStatusCallbackMethod("POST")

	resp, err := s.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to place call to %s: %w", call.To, err)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	return sid, nil
}

func (s *Service) startRecording(callSID, callbackURL string) error {
	params := &twilioApi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(callbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"completed"})
	params.SetRecordingChannels("mono")

	_, err := s.client.Api.CreateCallRecording(callSID, params)
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	return nil
}

func (s *Service) uploadRecording(ctx context.Context, recordingURL, filename string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", recordingURL+".wav", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download recording failed: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	return s.storage.Upload(filename, "audio/wav", data)
}
