package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// instructionDomain separates instruction digests from any other message
// signed with the same key.
var instructionDomain = []byte("WARD-INSTRUCTION\x00")

// Signature is a detached secp256k1 signature over an instruction payload.
type Signature struct {
	PublicKey string `json:"signing_pub_key"` // compressed, hex
	Signature string `json:"signature"`       // r || s || v, hex
	Digest    string `json:"digest"`          // keccak256(domain || payload), hex
}

// Signer signs instruction payloads with the pool's secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		publicKey:  ethcrypto.CompressPubkey(&pk.PublicKey),
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// PublicKeyHex returns the compressed public key, upper-case hex as the
// ledger renders SigningPubKey.
func (s *Signer) PublicKeyHex() string {
	return strings.ToUpper(hex.EncodeToString(s.publicKey))
}

// KeyID is a short stable identifier for the key, used in logs and as the
// gateway's key lookup.
func (s *Signer) KeyID() string {
	return s.address.Hex()
}

// Digest returns the hash that SignInstruction signs.
func Digest(payload []byte) []byte {
	return ethcrypto.Keccak256(instructionDomain, payload)
}

// SignInstruction signs the canonical JSON of an instruction.
func (s *Signer) SignInstruction(payload []byte) (Signature, error) {
	digest := Digest(payload)
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return Signature{}, fmt.Errorf("crypto/signer: sign: %w", err)
	}
	return Signature{
		PublicKey: s.PublicKeyHex(),
		Signature: hex.EncodeToString(sig),
		Digest:    hex.EncodeToString(digest),
	}, nil
}

// Verify checks a Signature against payload.
func Verify(payload []byte, sig Signature) bool {
	pub, err := hex.DecodeString(sig.PublicKey)
	if err != nil {
		return false
	}
	raw, err := hex.DecodeString(sig.Signature)
	if err != nil || len(raw) != 65 {
		return false
	}
	return ethcrypto.VerifySignature(pub, Digest(payload), raw[:64])
}
