package ledger

import (
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Signer signs transactions with the liquidator's credential. The key
// material never leaves the implementation.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(tx *solana.Transaction) error
}

// KeypairSigner signs with an in-memory ed25519 key. Signing is serialized.
type KeypairSigner struct {
	mu  sync.Mutex
	key solana.PrivateKey
	pub solana.PublicKey
}

// NewKeypairSigner wraps a private key.
func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key, pub: key.PublicKey()}
}

// LoadKeypairSigner reads a solana-keygen JSON key file.
func LoadKeypairSigner(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %s: %w", path, err)
	}
	return NewKeypairSigner(key), nil
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.pub
}

func (s *KeypairSigner) Sign(tx *solana.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(s.pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return &Error{Kind: KindPermanent, Op: "sign transaction", Err: err}
	}
	return nil
}
