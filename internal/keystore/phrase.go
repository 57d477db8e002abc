package keystore

import (
	"errors"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidRecoveryPhrase = errors.New("invalid recovery phrase")

const phraseSeedContext = "palfrog-keystore"

// GenerateRecoveryPhrase creates a 24-word mnemonic backing the key store
// master passphrase. Shown to the user once at first run for backup.
func GenerateRecoveryPhrase() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// PassphraseFromPhrase turns a recovery phrase into the store passphrase.
// The same phrase always yields the same passphrase, which is what makes the
// sealed store file recoverable on a fresh install.
func PassphraseFromPhrase(phrase string) (string, error) {
	if !bip39.IsMnemonicValid(phrase) {
		return "", ErrInvalidRecoveryPhrase
	}
	seed := bip39.NewSeed(phrase, phraseSeedContext)
	return base58.Encode(seed[:32]), nil
}
