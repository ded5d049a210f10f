package securestore

import (
	"errors"
	"os"
	"path/filepath"
)

// ReadFile returns the file content, opening it when sealed. A missing file returns
// (nil, nil). Plaintext files are returned as-is.
func ReadFile(path, passphrase string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !IsSealed(data) {
		return data, nil
	}
	return Open(passphrase, data)
}

// WriteFile seals data when passphrase is set and replaces path through a temp file rename.
func WriteFile(path, passphrase string, data []byte) error {
	if passphrase != "" {
		sealed, err := Seal(passphrase, data)
		if err != nil {
			return err
		}
		data = sealed
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
