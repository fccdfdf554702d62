package p2p

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// loadOrGenerateKey loads the node key from keyFile, creating it on first
// use. An empty keyFile yields an ephemeral key.
func loadOrGenerateKey(keyFile string) (crypto.PrivKey, error) {
	if keyFile == "" {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		return priv, nil
	}

	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		keyBytes, err := crypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		if err := os.WriteFile(keyFile, keyBytes, 0600); err != nil {
			return nil, fmt.Errorf("failed to save key to file: %w", err)
		}
		return priv, nil
	}

	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	priv, err := crypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
	}
	return priv, nil
}
