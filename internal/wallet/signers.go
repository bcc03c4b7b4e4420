package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/external"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner signs locally with a hex-encoded secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := parsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (s *KeySigner) Address() common.Address { return s.address }

func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// ExternalSigner delegates signing to a Clef-compatible signer, where the
// account holder approves or denies every request.
type ExternalSigner struct {
	api     *external.ExternalSigner
	account accounts.Account
}

// NewExternalSigner connects to endpoint and selects account, or the first
// account the signer exposes when account is empty.
func NewExternalSigner(endpoint, account string) (*ExternalSigner, error) {
	api, err := external.NewExternalSigner(endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect external signer: %w", err)
	}
	accs := api.Accounts()
	if len(accs) == 0 {
		return nil, fmt.Errorf("external signer at %s exposes no accounts", endpoint)
	}
	selected := accs[0]
	if account != "" {
		want := common.HexToAddress(account)
		found := false
		for _, a := range accs {
			if a.Address == want {
				selected, found = a, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("external signer does not manage %s", want.Hex())
		}
	}
	return &ExternalSigner{api: api, account: selected}, nil
}

func (s *ExternalSigner) Address() common.Address { return s.account.Address }

func (s *ExternalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := s.api.SignTx(s.account, tx, chainID)
	if err != nil {
		return nil, Classify(err)
	}
	return signed, nil
}
