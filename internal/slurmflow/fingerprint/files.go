package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// FileHasher computes content hashes of input files. Results are cached by path, size and
// modification time, so an unchanged file is read only once per process.
type FileHasher struct {
	cache *lru.Cache
}

func NewFileHasher(cacheSize int) (*FileHasher, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &FileHasher{cache: cache}, nil
}

// HashFiles returns the sha256 of each file's contents, in the order given.
func (h *FileHasher) HashFiles(paths []string) ([]string, error) {
	hashes := make([]string, 0, len(paths))
	for _, path := range paths {
		hash, err := h.HashFile(path)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (h *FileHasher) HashFile(path string) (string, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(err, "cannot hash input file %s", path)
	}
	if stat.IsDir() {
		return "", errors.Errorf("cannot hash input file %s: is a directory", path)
	}
	key := fmt.Sprintf("%s|%d|%d", path, stat.Size(), stat.ModTime().UnixNano())
	if cached, ok := h.cache.Get(key); ok {
		return cached.(string), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "cannot hash input file %s", path)
	}
	defer f.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", errors.Wrapf(err, "cannot hash input file %s", path)
	}
	hash := hex.EncodeToString(digest.Sum(nil))
	h.cache.Add(key, hash)
	return hash, nil
}
