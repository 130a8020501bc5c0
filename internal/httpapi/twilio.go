package httpapi

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GitNimay/ai-calling-agent/internal/call"
	"github.com/GitNimay/ai-calling-agent/internal/relay"
	"github.com/GitNimay/ai-calling-agent/internal/telephony"
)

// handleTwilioIncoming answers the voice webhook with TwiML pointing the call
// at the media stream endpoint.
func (s *Server) handleTwilioIncoming(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	host := s.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	streamURL := "wss://" + host + "/twilio/media"

	body, err := telephony.ConnectStreamTwiML(streamURL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_failed", err.Error())
		return
	}

	if sid := strings.TrimSpace(r.FormValue("CallSid")); sid != "" {
		log.Printf("incoming call %s, streaming to %s", sid, streamURL)
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// twilioTransport decorates the media stream transport with registry
// bookkeeping: the stream identifiers from the start message and per-message
// activity.
type twilioTransport struct {
	*telephony.Transport
	streamOnce sync.Once
	onStream   func(streamSID, callSID string)
	onMessage  func(direction string)
	onActivity func()
}

func (t *twilioTransport) ReadFrame(ctx context.Context) (relay.Frame, error) {
	f, err := t.Transport.ReadFrame(ctx)
	if t.onMessage != nil {
		t.onMessage("inbound")
	}
	if err == nil {
		if sid := t.StreamSID(); sid != "" && t.onStream != nil {
			t.streamOnce.Do(func() { t.onStream(sid, t.CallSID()) })
		}
		if t.onActivity != nil {
			t.onActivity()
		}
	}
	return f, err
}

func (t *twilioTransport) WriteFrame(ctx context.Context, f relay.Frame) error {
	if t.onMessage != nil {
		t.onMessage("outbound")
	}
	return t.Transport.WriteFrame(ctx, f)
}

func (s *Server) handleTwilioMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

	c := s.calls.Begin(call.KindTwilio, r.RemoteAddr, s.cfg.TelephonySampleRate)

	transport := &twilioTransport{
		Transport: telephony.NewTransport(conn, s.cfg.TelephonySampleRate),
	}
	transport.onStream = func(streamSID, callSID string) {
		_ = s.calls.SetStream(c.ID, streamSID, callSID)
	}
	transport.onMessage = func(direction string) {
		s.metrics.WSMessages.WithLabelValues(direction, call.KindTwilio).Inc()
	}
	transport.onActivity = func() {
		_ = s.calls.Touch(c.ID)
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	}

	s.runRelay(r.Context(), transport, c)
}
