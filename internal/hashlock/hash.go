// Package hashlock computes deterministic content hashes for plugin
// directories and verifies them against the pinned lockfile. A plugin whose
// recomputed hashes do not match its lock entry is excluded from loading —
// fail closed, never a warning.
package hashlock

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/memexd/memex/internal/manifest"
)

// Directories inside a plugin dir that hold runtime state and are excluded
// from the artifact hash.
var runtimeDirs = map[string]bool{
	"data": true,
	"logs": true,
	"tmp":  true,
}

// HashFile returns the hex SHA-256 of a single file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashDir returns the hex SHA-256 over every regular file in the plugin
// directory, hidden files included, except the manifest file and runtime
// dirs. The result is
// deterministic across operating systems: entries are sorted by normalized
// forward-slash relative path in case-sensitive ordinal order before
// hashing, and each entry contributes its path, length, and content.
// Symbolic links are rejected outright — a link would make the hash depend
// on state outside the plugin directory.
func HashDir(dir string) (string, error) {
	type fileEntry struct {
		rel  string
		path string
	}
	var files []fileEntry

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlink in plugin dir: %s", rel)
		}
		if d.IsDir() {
			if rel != "." && runtimeDirs[rel] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("non-regular file in plugin dir: %s", rel)
		}
		if rel == manifest.ManifestFile {
			return nil
		}
		files = append(files, fileEntry{rel: rel, path: path})
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	h := sha256.New()
	var lenBuf [8]byte
	for _, fe := range files {
		info, err := os.Lstat(fe.path)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", fe.rel, err)
		}

		io.WriteString(h, fe.rel)
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(lenBuf[:], uint64(info.Size()))
		h.Write(lenBuf[:])

		f, err := os.Open(fe.path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", fe.rel, err)
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("hash %s: %w", fe.rel, err)
		}
		f.Close()
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashManifest returns the hex SHA-256 of the canonical manifest encoding:
// the manifest marshaled with its hash_lock field zeroed. Canonicalizing
// lets a manifest carry its own expected hashes without hashing itself.
func HashManifest(m *manifest.Manifest) (string, error) {
	clone := *m
	clone.HashLock = manifest.HashLock{}
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
