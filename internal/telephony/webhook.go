package telephony

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"
)

// handleVoice answers both inbound calls and the webhook fetch for calls we
// placed ourselves. It hands the call off to the media-stream endpoint; the
// caller's number and any scheduling context ride along as stream parameters
// because Twilio's start event carries nothing else.
func (s *Service) handleVoice(c echo.Context) error {
	params, ok := c.Get("twilioParams").(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}

	callSID := params["CallSid"]
	from := params["From"]
	log.Printf("Call from %s, CallSID: %s", from, callSID)

	if s.config.RecordCalls && callSID != "" {
		callbackURL := s.buildURL(c.Request(), "/twilio/recording-status")
		go func() {
			if err := s.startRecording(callSID, callbackURL); err != nil {
				log.Printf("Failed to start recording for %s: %v", callSID, err)
			}
		}()
	}

	stream := &twiml.VoiceStream{
		Url: wsURL(s.buildURL(c.Request(), "/twilio/media-stream")),
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "from", Value: from},
			&twiml.VoiceParameter{Name: "subjectId", Value: c.QueryParam("subjectId")},
			&twiml.VoiceParameter{Name: "reminderId", Value: c.QueryParam("reminderId")},
		},
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	response, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

func (s *Service) handleCallStatus(c echo.Context) error {
	params, ok := c.Get("twilioParams").(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}

	log.Printf("Call status: CallSID=%s status=%s duration=%ss",
		params["CallSid"], params["CallStatus"], params["CallDuration"])
	return c.String(http.StatusOK, "OK")
}

func (s *Service) handleRecordingStatus(c echo.Context) error {
	params, ok := c.Get("twilioParams").(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}

	status := params["RecordingStatus"]
	recordingURL := params["RecordingUrl"]
	recordingSID := params["RecordingSid"]
	log.Printf("Recording status: %s, SID: %s", status, recordingSID)

	if status == "completed" && recordingURL != "" && s.storage != nil {
		filename := fmt.Sprintf("recording_%s_%d.wav", recordingSID, time.Now().Unix())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.uploadRecording(ctx, recordingURL, filename); err != nil {
				log.Printf("Failed to upload recording: %v", err)
			} else {
				log.Printf("Recording uploaded: %s", filename)
			}
		}()
	}

	return c.String(http.StatusOK, "OK")
}
