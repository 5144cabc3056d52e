// SPDX-License-Identifier: MIT

package persist

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/renameio/v2"
)

// MaxAudioSize caps a single uploaded recording at 16 MiB.
const MaxAudioSize = 16 << 20

// session ids are uuids; reject anything that could escape the vault dir.
var safeSessionID = regexp.MustCompile(`^[a-zA-Z0-9-]{1,64}$`)

// AudioVault stores session audio recordings as flat files under a data
// directory. Writes are atomic so readers never observe a partial blob.
type AudioVault struct {
	dir string
}

// NewAudioVault creates the vault directory if needed.
func NewAudioVault(dir string) (*AudioVault, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &AudioVault{dir: dir}, nil
}

// Put writes the recording for sessionID, replacing any previous one.
// It returns the stored path and byte size.
func (v *AudioVault) Put(sessionID string, r io.Reader) (string, int64, error) {
	path, err := v.path(sessionID)
	if err != nil {
		return "", 0, err
	}

	// renameio handles temp file creation, fsync, atomic rename and
	// cleanup on error.
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("create pending audio file: %w", err)
	}
	defer func() {
		_ = pendingFile.Cleanup()
	}()

	n, err := io.Copy(pendingFile, io.LimitReader(r, MaxAudioSize+1))
	if err != nil {
		return "", 0, fmt.Errorf("write audio file: %w", err)
	}
	if n > MaxAudioSize {
		return "", 0, fmt.Errorf("audio exceeds %d bytes", MaxAudioSize)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return "", 0, fmt.Errorf("commit audio file: %w", err)
	}
	return path, n, nil
}

// Open returns a reader for the stored recording.
func (v *AudioVault) Open(sessionID string) (io.ReadCloser, error) {
	path, err := v.path(sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (v *AudioVault) path(sessionID string) (string, error) {
	if !safeSessionID.MatchString(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(v.dir, sessionID+".bin"), nil
}
