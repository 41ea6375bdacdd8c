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

// ConnectStreamTwiML renders the call-setup document that instructs the
// provider to connect the call's media stream to the given websocket URL.
func ConnectStreamTwiML(streamURL string) ([]byte, error) {
	body, err := xml.Marshal(twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}})
	if err != nil {
		return nil, fmt.Errorf("render call-setup markup: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
