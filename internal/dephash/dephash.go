// Package dephash computes stable content fingerprints over a manifest file
// set plus metadata, used to key environment cache entries (§4.2).
package dephash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const chunkSize = 1 << 20 // 1 MiB, per §4.2 step 2.

// Compute returns the hex SHA-256 fingerprint over the sorted manifest
// paths and metadata map. Equal inputs always produce equal output; any
// change in content, name, mtime, or metadata changes the output.
func Compute(manifestPaths []string, metadata map[string]string) (string, error) {
	sorted := append([]string(nil), manifestPaths...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, path := range sorted {
		if err := hashManifest(h, path); err != nil {
			return "", err
		}
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(metadata[k]))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashManifest(h io.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("manifest %q: %w", path, err)
	}

	h.Write([]byte(filepath.Base(path)))

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("manifest %q: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return fmt.Errorf("manifest %q: read: %w", path, err)
	}

	h.Write([]byte(strconv.FormatInt(info.ModTime().UnixNano(), 10)))
	return nil
}
