package event

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/c360/hypernote/errors"
)

// Signer finalizes unsigned events. Sign sets PubKey, ID and Sig.
type Signer interface {
	PublicKey() string
	Sign(ev *Event) error
}

// KeySigner signs with a secp256k1 secret key using BIP-340 schnorr signatures.
type KeySigner struct {
	secret *btcec.PrivateKey
	pubHex string
}

// NewKeySigner parses a 32-byte hex secret key.
func NewKeySigner(secretHex string) (*KeySigner, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, errors.WrapInvalid(err, "KeySigner", "NewKeySigner", "decode secret key")
	}
	if len(raw) != 32 {
		return nil, errors.WrapInvalid(fmt.Errorf("secret key must be 32 bytes, got %d", len(raw)),
			"KeySigner", "NewKeySigner", "check key length")
	}
	secret, _ := btcec.PrivKeyFromBytes(raw)
	return newKeySigner(secret), nil
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	secret, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.WrapFatal(err, "KeySigner", "GenerateKeySigner", "generate key")
	}
	return newKeySigner(secret), nil
}

func newKeySigner(secret *btcec.PrivateKey) *KeySigner {
	return &KeySigner{
		secret: secret,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(secret.PubKey())),
	}
}

// PublicKey returns the x-only public key as hex.
func (s *KeySigner) PublicKey() string {
	return s.pubHex
}

// SecretHex returns the secret key as hex.
func (s *KeySigner) SecretHex() string {
	return hex.EncodeToString(s.secret.Serialize())
}

// Sign stamps the author, computes the id and signs it.
func (s *KeySigner) Sign(ev *Event) error {
	if ev.Tags == nil {
		ev.Tags = Tags{}
	}
	ev.PubKey = s.pubHex
	ev.ID = ev.ComputeID()

	hash, err := hex.DecodeString(ev.ID)
	if err != nil {
		return errors.Wrap(err, "KeySigner", "Sign", "decode id")
	}
	sig, err := schnorr.Sign(s.secret, hash)
	if err != nil {
		return errors.Wrap(err, "KeySigner", "Sign", "schnorr sign")
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks the id and signature of an event.
func Verify(ev *Event) error {
	if !ev.CheckID() {
		return errors.WrapInvalid(fmt.Errorf("%w: id mismatch", errors.ErrInvalidEvent), "Event", "Verify", "check id")
	}

	pubRaw, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return errors.WrapInvalid(err, "Event", "Verify", "decode pubkey")
	}
	pub, err := schnorr.ParsePubKey(pubRaw)
	if err != nil {
		return errors.WrapInvalid(err, "Event", "Verify", "parse pubkey")
	}
	sigRaw, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return errors.WrapInvalid(err, "Event", "Verify", "decode signature")
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return errors.WrapInvalid(err, "Event", "Verify", "parse signature")
	}
	hash, _ := hex.DecodeString(ev.ID)
	if !sig.Verify(hash, pub) {
		return errors.WrapInvalid(fmt.Errorf("%w: bad signature", errors.ErrInvalidEvent), "Event", "Verify", "verify signature")
	}
	return nil
}
