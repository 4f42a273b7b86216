// Package signer holds the custodial account key used to sign zap
// transactions.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey     = "ZAPPER_PRIVATE_KEY"
	EnvPrivateKeyFile = "ZAPPER_PRIVATE_KEY_FILE"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

type Local struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *Local) Address() common.Address { return s.address }

func (s *Local) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, fmt.Errorf("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

// NewLocalFromEnv loads the custodial key from ZAPPER_PRIVATE_KEY or,
// failing that, from the file named by ZAPPER_PRIVATE_KEY_FILE.
func NewLocalFromEnv() (*Local, error) {
	raw := strings.TrimSpace(os.Getenv(EnvPrivateKey))
	if raw == "" {
		path := strings.TrimSpace(os.Getenv(EnvPrivateKeyFile))
		if path == "" {
			return nil, fmt.Errorf("missing signing key: set %s or %s", EnvPrivateKey, EnvPrivateKeyFile)
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		raw = strings.TrimSpace(string(buf))
	}
	return NewLocalFromHex(raw)
}

func NewLocalFromHex(raw string) (*Local, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid ECDSA public key")
	}
	return &Local{privateKey: pk, address: crypto.PubkeyToAddress(*pub)}, nil
}
