// Package keysigner adapts the external HD-wallet key-management
// collaborator (C9 in spec.md) to the Signer interface the core consumes.
// The core never manages private key material itself; it only calls Sign
// on request.
package keysigner

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"
	keystorev4 "github.com/wealdtech/go-eth2-wallet-encryptor-keystorev4"
)

// Signer is the capability the core depends on: sign opaque payloads
// (task/peer-score records) and EVM transactions (the batch commit call).
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	Address() ethcommon.Address
	PublicKey() []byte
}

// HDSigner is a Signer backed by a single secp256k1 key, derived from a
// BIP-39 mnemonic or decrypted from a keystore-v4 JSON blob at
// construction. It holds the key only in memory for the process lifetime,
// matching the teacher's wallet-adjacent packages' pattern of decrypting
// once at startup rather than on every sign.
type HDSigner struct {
	priv    *ecdsa.PrivateKey
	address ethcommon.Address
}

// NewHDSignerFromMnemonic derives a signer from a BIP-39 mnemonic and
// passphrase: the first 32 bytes of the BIP-39 seed are used directly as
// the secp256k1 private key, with no BIP-32/BIP-44 derivation path. This
// is the constructor cmd/run-validator and cmd/run-miner use.
func NewHDSignerFromMnemonic(mnemonic, passphrase string) (*HDSigner, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("keysigner: invalid BIP-39 mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	priv, err := crypto.ToECDSA(seed[:32])
	if err != nil {
		return nil, errors.Wrap(err, "keysigner: deriving key from seed")
	}
	return &HDSigner{priv: priv, address: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

// NewHDSignerFromKeystore decrypts a keystore-v4 JSON blob with the given
// password and wraps the resulting private key.
func NewHDSignerFromKeystore(encryptor *keystorev4.Encryptor, ksJSON map[string]interface{}, password string) (*HDSigner, error) {
	secret, err := encryptor.Decrypt(ksJSON, password)
	if err != nil {
		return nil, errors.Wrap(err, "keysigner: decrypting keystore")
	}
	priv, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, errors.Wrap(err, "keysigner: parsing decrypted key")
	}
	return &HDSigner{priv: priv, address: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

// Sign signs an arbitrary payload (a task assignment or peer score
// record) with the validator's key, per the §6 signature fields.
func (s *HDSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	hash := crypto.Keccak256(payload)
	sig, err := crypto.Sign(hash, s.priv)
	if err != nil {
		return nil, errors.Wrap(err, "keysigner: signing payload")
	}
	return sig, nil
}

// SignTx signs an EVM transaction for submission by the ChainCommitter.
func (s *HDSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signer := types.NewEIP155Signer(chainID)
	signed, err := types.SignTx(tx, signer, s.priv)
	if err != nil {
		return nil, errors.Wrap(err, "keysigner: signing transaction")
	}
	return signed, nil
}

// Address returns the signer's on-chain address.
func (s *HDSigner) Address() ethcommon.Address {
	return s.address
}

// PublicKey returns the uncompressed public key bytes, the form
// VerifySignature compares a recovered key against.
func (s *HDSigner) PublicKey() []byte {
	return crypto.FromECDSAPub(&s.priv.PublicKey)
}

// VerifySignature checks a signature against a known public key, used by
// P2PScoreExchange's incoming-record authentication path (§4.5).
func VerifySignature(pubKey, hash, sig []byte) bool {
	// crypto.Ecrecover + comparison avoids requiring the recovery id byte
	// to be stripped by callers; sig here is the 65-byte [R||S||V] form
	// produced by crypto.Sign.
	if len(sig) != 65 {
		return false
	}
	recovered, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false
	}
	recoveredBytes := crypto.FromECDSAPub(recovered)
	if len(recoveredBytes) != len(pubKey) {
		return false
	}
	for i := range recoveredBytes {
		if recoveredBytes[i] != pubKey[i] {
			return false
		}
	}
	return true
}
