package payment

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// PixPayload holds the fields of a static PIX "BR Code" (EMV merchant
// presented QR).
type PixPayload struct {
	Key          string
	MerchantName string
	MerchantCity string
	AmountCents  int64
	TxID         string
}

// maxPixKeyLen is what fits in merchant account field 26 next to the
// br.gov.bcb.pix GUI subfield.
const maxPixKeyLen = 99 - len("0014br.gov.bcb.pix") - len("0100")

var ErrInvalidPixKey = errors.New("invalid pix key")

// ValidatePixKey reports whether key can be carried in a BR Code.
func ValidatePixKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: key is required", ErrInvalidPixKey)
	case len(key) > maxPixKeyLen:
		return fmt.Errorf("%w: %d bytes, at most %d fit in the code", ErrInvalidPixKey, len(key), maxPixKeyLen)
	}
	return nil
}

// Encode validates the key and renders the copy-paste code.
func (p PixPayload) Encode() (string, error) {
	if err := ValidatePixKey(p.Key); err != nil {
		return "", err
	}
	return p.String(), nil
}

// String renders the copy-paste code, CRC included. Keys that fail
// ValidatePixKey produce an unreadable code; use Encode.
func (p PixPayload) String() string {
	var b strings.Builder
	b.WriteString(emv("00", "01"))
	b.WriteString(emv("26", emv("00", "br.gov.bcb.pix")+emv("01", p.Key)))
	b.WriteString(emv("52", "0000"))
	b.WriteString(emv("53", "986"))
	if p.AmountCents > 0 {
		b.WriteString(emv("54", fmt.Sprintf("%d.%02d", p.AmountCents/100, p.AmountCents%100)))
	}
	b.WriteString(emv("58", "BR"))
	b.WriteString(emv("59", clip(normalize(p.MerchantName), 25)))
	b.WriteString(emv("60", clip(normalize(p.MerchantCity), 15)))

	txid := clip(alnum(p.TxID), 25)
	if txid == "" {
		txid = "***"
	}
	b.WriteString(emv("62", emv("05", txid)))

	b.WriteString("6304")
	return b.String() + fmt.Sprintf("%04X", crc16CCITT([]byte(b.String())))
}

func emv(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func alnum(s string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, s)
}

var accents = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "é", "e", "ê", "e", "í", "i",
	"ó", "o", "ô", "o", "õ", "o", "ú", "u", "ç", "c",
	"Á", "A", "À", "A", "Â", "A", "Ã", "A", "É", "E", "Ê", "E", "Í", "I",
	"Ó", "O", "Ô", "O", "Õ", "O", "Ú", "U", "Ç", "C",
)

// normalize keeps the EMV fields ASCII.
func normalize(s string) string {
	s = accents.Replace(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if r >= 0x20 && r < unicode.MaxASCII {
			return r
		}
		return -1
	}, s)
}

// crc16CCITT is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, c := range data {
		crc ^= uint16(c) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
