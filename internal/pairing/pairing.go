// Package pairing encodes the server's address and certificate
// fingerprint into a scannable QR payload for out-of-band device
// pairing.
package pairing

import (
	"encoding/json"
	"fmt"

	qrgen "github.com/skip2/go-qrcode"
)

// AppID identifies the control plane in the pairing payload so client
// apps can reject codes from unrelated software.
const AppID = "quarterdeck"

const pngSize = 256

// Payload is the compact JSON a pairing client scans: where to connect
// and which certificate fingerprint to trust.
type Payload struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Fingerprint string `json:"fingerprint"`
	App         string `json:"app"`
}

func NewPayload(host string, port int, fingerprint string) Payload {
	return Payload{Host: host, Port: port, Fingerprint: fingerprint, App: AppID}
}

// JSON returns the payload's compact JSON encoding, the exact bytes
// rendered into the QR image and the fallback body when rendering fails.
func (p Payload) JSON() ([]byte, error) {
	return json.Marshal(p)
}

// PNG renders the payload as a QR code image at medium error
// correction. Callers degrade to serving JSON() directly on error.
func (p Payload) PNG() ([]byte, error) {
	data, err := p.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode pairing payload: %w", err)
	}
	img, err := qrgen.Encode(string(data), qrgen.Medium, pngSize)
	if err != nil {
		return nil, fmt.Errorf("render pairing code: %w", err)
	}
	return img, nil
}
