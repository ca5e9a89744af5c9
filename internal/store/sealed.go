package store

import (
	"encoding/json"
	"fmt"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

// sealedFormat prefixes every sealed file so a plaintext or foreign file is
// rejected before decryption is attempted.
const sealedFormat = "MMREC1\n"

// readSealed decrypts path with key and unmarshals it into out. The file
// name is bound as associated data so files cannot be swapped.
func readSealed(path, name string, key []byte, out any) (bool, error) {
	b, err := readFile(path)
	if err != nil || b == nil {
		return false, err
	}
	if len(b) < len(sealedFormat) || string(b[:len(sealedFormat)]) != sealedFormat {
		return false, fmt.Errorf("%s: not a sealed record file", name)
	}
	pt, err := crypto.DecryptWithAD(b[len(sealedFormat):], key, []byte(name))
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	defer crypto.Wipe(pt)
	if err := json.Unmarshal(pt, out); err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return true, nil
}

// writeSealed marshals v, seals it with key and writes it atomically.
func writeSealed(path, name string, key []byte, v any) error {
	pt, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer crypto.Wipe(pt)
	ct, err := crypto.EncryptWithAD(pt, key, []byte(name))
	if err != nil {
		return err
	}
	return writeFile(path, append([]byte(sealedFormat), ct...), 0o600)
}

// errLocked is what every record operation returns without a storage key.
var errLocked = fmt.Errorf("record store: %w", domain.ErrNotAuthenticated)
