package hashlock

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/memexd/memex/internal/config"
	"github.com/memexd/memex/internal/logging"
	"github.com/memexd/memex/internal/manifest"
)

// Lockfile pins each plugin id to its expected manifest and artifact hashes.
// It is the authoritative trust anchor: a manifest cannot vouch for itself.
type Lockfile struct {
	Version int                  `json:"version"`
	Plugins map[string]LockEntry `json:"plugins"`
}

// LockEntry is the pinned pair of hashes for one plugin.
type LockEntry struct {
	ManifestSHA256 string `json:"manifest_sha256"`
	ArtifactSHA256 string `json:"artifact_sha256"`
}

// SigSuffix names the detached signature next to the lockfile.
const SigSuffix = ".sig"

// LoadLockfile reads the lockfile and, when signing is enabled, verifies its
// detached ed25519 signature before trusting any entry. A bad or missing
// signature rejects the whole lockfile — every plugin then fails closed.
func LoadLockfile(path string, sig config.LockSignature) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lockfile: %w", err)
	}

	if sig.Enabled {
		if err := verifyLockSignature(path, data, sig); err != nil {
			return nil, err
		}
	}

	var lock Lockfile
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lockfile: %w", err)
	}
	if lock.Version != 1 {
		return nil, fmt.Errorf("unsupported lockfile version: %d", lock.Version)
	}
	if lock.Plugins == nil {
		lock.Plugins = map[string]LockEntry{}
	}
	return &lock, nil
}

// verifyLockSignature checks the detached signature over the raw lockfile
// bytes. The public key comes from config, or from the OS keyring when the
// config key is empty.
func verifyLockSignature(path string, data []byte, sig config.LockSignature) error {
	encoded := sig.PublicKey
	if encoded == "" {
		stored, err := keyring.Get(sig.KeyringService, sig.KeyringUser)
		if err != nil {
			return fmt.Errorf("lockfile signing key unavailable from keyring: %w", err)
		}
		encoded = stored
	}

	pubBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode lockfile public key: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid lockfile public key size: got %d, want %d", len(pubBytes), ed25519.PublicKeySize)
	}

	sigData, err := os.ReadFile(path + SigSuffix)
	if err != nil {
		return fmt.Errorf("read lockfile signature: %w", err)
	}
	rawSig, err := base64.StdEncoding.DecodeString(string(sigData))
	if err != nil {
		return fmt.Errorf("decode lockfile signature: %w", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pubBytes), data, rawSig) {
		return fmt.Errorf("lockfile signature verification failed")
	}
	return nil
}

// Verified is a discovered plugin annotated with its hash verdict.
type Verified struct {
	manifest.Entry
	ManifestSHA256 string
	ArtifactSHA256 string
	HashOK         bool
	// Detail explains a false HashOK for diagnostics and audit.
	Detail string
}

// Verify recomputes both hashes for every entry and checks them against the
// lockfile. A plugin absent from the lockfile, or with either hash
// mismatched, gets HashOK=false and is excluded from loading regardless of
// its enabled flag.
func Verify(entries []manifest.Entry, lock *Lockfile) []Verified {
	log := logging.Sub("hashlock")
	out := make([]Verified, 0, len(entries))

	for _, e := range entries {
		v := Verified{Entry: e}

		manifestHash, err := HashManifest(e.Manifest)
		if err != nil {
			v.Detail = fmt.Sprintf("hash manifest: %v", err)
			out = append(out, v)
			continue
		}
		artifactHash, err := HashDir(e.Dir)
		if err != nil {
			v.Detail = fmt.Sprintf("hash artifact: %v", err)
			out = append(out, v)
			continue
		}
		v.ManifestSHA256 = manifestHash
		v.ArtifactSHA256 = artifactHash

		pinned, ok := lock.Plugins[e.Manifest.PluginID]
		switch {
		case !ok:
			v.Detail = "no lockfile entry"
		case pinned.ManifestSHA256 != manifestHash:
			v.Detail = fmt.Sprintf("manifest hash mismatch: lock %s, computed %s", short(pinned.ManifestSHA256), short(manifestHash))
		case pinned.ArtifactSHA256 != artifactHash:
			v.Detail = fmt.Sprintf("artifact hash mismatch: lock %s, computed %s", short(pinned.ArtifactSHA256), short(artifactHash))
		case e.Manifest.HashLock.ManifestSHA256 != pinned.ManifestSHA256,
			e.Manifest.HashLock.ArtifactSHA256 != pinned.ArtifactSHA256:
			v.Detail = "manifest hash_lock disagrees with lockfile"
		default:
			v.HashOK = true
		}

		if !v.HashOK {
			log.Warnf("excluding %s: %s", e.Manifest.PluginID, v.Detail)
		}
		out = append(out, v)
	}

	return out
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
