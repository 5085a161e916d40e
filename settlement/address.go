package settlement

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressFor derives a stable placeholder address for a platform user that has
// not registered a wallet.
func AddressFor(userID string) string {
	sum := ethcrypto.Keccak256([]byte("escrowflow:user:" + userID))
	return common.BytesToAddress(sum[12:]).Hex()
}

func normalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// Signer authenticates authority calls (release, refund, split, pause) with the
// configured authority key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(privKeyHex string) (*Signer, error) {
	pkHex := strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	if pkHex == "" {
		return nil, fmt.Errorf("%w: authority key", ErrMissingConfig)
	}
	key, err := ethcrypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("settlement: load authority key: %w", err)
	}
	return &Signer{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign returns a hex signature over keccak256(method|ref|extra).
func (s *Signer) Sign(method, escrowRef, extra string) (string, error) {
	digest := ethcrypto.Keccak256([]byte(method + "|" + escrowRef + "|" + extra))
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("settlement: sign %s: %w", method, err)
	}
	return hexutil.Encode(sig), nil
}

// Recover returns the address that produced sig for the same message.
func Recover(method, escrowRef, extra, sigHex string) (string, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return "", fmt.Errorf("settlement: decode signature: %w", err)
	}
	digest := ethcrypto.Keccak256([]byte(method + "|" + escrowRef + "|" + extra))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("settlement: recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}
