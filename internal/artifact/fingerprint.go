package artifact

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

// fingerprintKey separates input fingerprints from any other BLAKE3 use.
var fingerprintKey = [32]byte{
	'n', 'e', 'u', 'r', 'o', 'p', 'i', 'p', 'e', '.', 'i', 'n', 'p', 'u', 't', 's',
}

// Fingerprint digests the path, size and modification time of each input.
// File contents are never read. Absent paths contribute a fixed marker, so
// an input appearing later changes the digest.
func Fingerprint(paths ...string) (string, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		return "", err
	}
	var scratch [8]byte
	for _, path := range sorted {
		if path == "" {
			continue
		}
		hasher.Write([]byte(filepath.Clean(path)))
		hasher.Write([]byte{0})
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				hasher.Write([]byte("absent"))
				continue
			}
			return "", err
		}
		binary.LittleEndian.PutUint64(scratch[:], uint64(info.Size()))
		hasher.Write(scratch[:])
		binary.LittleEndian.PutUint64(scratch[:], uint64(info.ModTime().UnixNano()))
		hasher.Write(scratch[:])
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
