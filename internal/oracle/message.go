// Package oracle ingests signed price messages from an oracle relay feed,
// independently verifies their signatures, and persists sequence-ordered
// price history for the settlement and treasury components.
package oracle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// priceMessageLength is the fixed wire size of a price message:
// four little-endian 32-bit fields.
const priceMessageLength = 16

// PriceMessage is one verified oracle observation. Uniquely keyed by
// (pubkey, signature, message); append-only once stored.
type PriceMessage struct {
	Pubkey    string
	Signature string
	Message   string // hex-encoded 16-byte payload

	MessageTimestamp int64
	MessageSequence  int64
	PriceSequence    int64
	PriceValue       int64

	CreatedAt time.Time
}

// Timestamp returns the message timestamp as wall-clock time.
func (m *PriceMessage) Timestamp() time.Time {
	return time.Unix(m.MessageTimestamp, 0).UTC()
}

// ParseMessage decodes the 16-byte little-endian payload:
// messageTimestamp | messageSequence | priceSequence | price.
func ParseMessage(messageHex string) (*PriceMessage, error) {
	raw, err := hex.DecodeString(messageHex)
	if err != nil {
		return nil, fmt.Errorf("decode price message: %w", err)
	}
	if len(raw) != priceMessageLength {
		return nil, fmt.Errorf("price message must be %d bytes, got %d", priceMessageLength, len(raw))
	}

	return &PriceMessage{
		Message:          messageHex,
		MessageTimestamp: int64(binary.LittleEndian.Uint32(raw[0:4])),
		MessageSequence:  int64(binary.LittleEndian.Uint32(raw[4:8])),
		PriceSequence:    int64(binary.LittleEndian.Uint32(raw[8:12])),
		PriceValue:       int64(int32(binary.LittleEndian.Uint32(raw[12:16]))),
	}, nil
}

// VerifySignature checks the schnorr signature over sha256(message) against
// the oracle pubkey. Messages are self-authenticating: they must pass this
// check before being trusted, regardless of which feed delivered them.
func VerifySignature(pubkeyHex, signatureHex, messageHex string) error {
	pubkeyBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return fmt.Errorf("decode oracle pubkey: %w", err)
	}
	pubkey, err := secp256k1.ParsePubKey(pubkeyBytes)
	if err != nil {
		return fmt.Errorf("parse oracle pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}

	raw, err := hex.DecodeString(messageHex)
	if err != nil {
		return fmt.Errorf("decode price message: %w", err)
	}

	digest := sha256.Sum256(raw)
	if !sig.Verify(digest[:], pubkey) {
		return fmt.Errorf("schnorr verification failed for oracle %s seq message %s", pubkeyHex, messageHex)
	}
	return nil
}

// ParseAndVerify decodes and authenticates a relayed message in one step.
func ParseAndVerify(pubkeyHex, signatureHex, messageHex string) (*PriceMessage, error) {
	if err := VerifySignature(pubkeyHex, signatureHex, messageHex); err != nil {
		return nil, err
	}
	msg, err := ParseMessage(messageHex)
	if err != nil {
		return nil, err
	}
	msg.Pubkey = pubkeyHex
	msg.Signature = signatureHex
	return msg, nil
}

// EncodeMessage builds the 16-byte payload. Used by tests and by the mutual
// redemption path when reconstructing a message for the compiler.
func EncodeMessage(messageTimestamp, messageSequence, priceSequence, price int64) string {
	raw := make([]byte, priceMessageLength)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(messageTimestamp))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(messageSequence))
	binary.LittleEndian.PutUint32(raw[8:12], uint32(priceSequence))
	binary.LittleEndian.PutUint32(raw[12:16], uint32(price))
	return hex.EncodeToString(raw)
}
