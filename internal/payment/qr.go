package payment

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// RenderQR encodes content as a PNG QR code and returns it base64 encoded.
func RenderQR(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
