package wallet

import (
	"testing"

	"github.com/tyler-smith/go-bip39"
)

func TestNewMnemonic(t *testing.T) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		t.Fatal(err)
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		t.Errorf("generated invalid mnemonic '%v'", mnemonic)
	}
}

func TestDeriveIdentityKeyDeterministic(t *testing.T) {
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	key1, err := DeriveIdentityKey(mnemonic)
	if err != nil {
		t.Fatal(err)
	}
	key2, err := DeriveIdentityKey(mnemonic)
	if err != nil {
		t.Fatal(err)
	}

	if key1.PublicKeyHex() != key2.PublicKeyHex() {
		t.Errorf("expected '%v' but got '%v' instead", key1.PublicKeyHex(), key2.PublicKeyHex())
	}
	if len(key1.SchnorrPublicKeyHex()) != 64 {
		t.Errorf("expected 32-byte x-only key but got %v chars", len(key1.SchnorrPublicKeyHex()))
	}

	other, err := DeriveIdentityKey("legal winner thank year wave sausage worth useful legal winner thank yellow")
	if err != nil {
		t.Fatal(err)
	}
	if other.PublicKeyHex() == key1.PublicKeyHex() {
		t.Error("different mnemonics derived the same key")
	}
}
