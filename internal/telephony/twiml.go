package telephony

import (
	"encoding/xml"
	"fmt"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// ConnectStreamTwiML renders the voice webhook reply that tells Twilio to
// open a bidirectional media stream to the given WebSocket URL.
func ConnectStreamTwiML(streamURL string) ([]byte, error) {
	body, err := xml.Marshal(twimlResponse{
		Connect: twimlConnect{Stream: twimlStream{URL: streamURL}},
	})
	if err != nil {
		return nil, fmt.Errorf("render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
