package bundoc

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bundoc-io/bundoc/internal/wal"
)

// recoveryResult is what Recovery produces: the loaded (and possibly
// WAL-replayed) document, ready for index rebuilding.
type recoveryResult struct {
	root Value
	// initErr is set when the canonical file failed to load and the WAL
	// held no entries to stand in for it (root is then empty), or when
	// replaying the WAL over a loaded canonical file failed.
	initErr error
}

// recoverState implements open-time reconciliation: resolve a
// half-written snapshot, load the canonical file (decrypting first if
// keyed), replay any WAL entries not yet reflected in it, and hand back the
// resulting document for index rebuilding.
func recoverState(path string, walPath string, key []byte) (recoveryResult, error) {
	if err := reconcileTempSibling(path); err != nil {
		return recoveryResult{}, err
	}

	root, loadErr := loadCanonical(path, key)

	if loadErr != nil {
		// An absent or empty WAL recovers nothing, so the load failure stands.
		if entries, err := wal.ReadAll(walPath); err == nil && len(entries) > 0 {
			if replayed, err := replayWAL(EmptyObject(), walPath); err == nil {
				return recoveryResult{root: replayed}, nil
			}
		}
		return recoveryResult{root: EmptyObject(), initErr: loadErr}, nil
	}

	if _, statErr := os.Stat(walPath); statErr == nil {
		replayed, err := replayWAL(root, walPath)
		if err != nil {
			return recoveryResult{root: root, initErr: err}, nil
		}
		root = replayed
	}

	return recoveryResult{root: root}, nil
}

// reconcileTempSibling implements step 1: if a temp sibling
// exists and the canonical file is missing or older, the temp file is the
// most recent completed snapshot and is renamed into place; otherwise it is
// an orphan from an interrupted write and is deleted.
func reconcileTempSibling(path string) error {
	tmpPath := path + ".tmp"
	tmpInfo, err := os.Stat(tmpPath)
	if err != nil {
		return nil // no temp sibling, nothing to reconcile
	}

	canonInfo, err := os.Stat(path)
	if err != nil || tmpInfo.ModTime().After(canonInfo.ModTime()) {
		return os.Rename(tmpPath, path)
	}
	return os.Remove(tmpPath)
}

func loadCanonical(path string, key []byte) (Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return EmptyObject(), nil
		}
		return Value{}, fmt.Errorf("bundoc: read canonical file: %w", err)
	}
	if len(data) == 0 {
		return EmptyObject(), nil
	}

	if key != nil {
		plaintext, err := Decrypt(data, key)
		if err != nil {
			return Value{}, err
		}
		return Parse(plaintext)
	}
	if looksLikeEnvelope(data) {
		return Value{}, fmt.Errorf("%w: encrypted file opened without a key", ErrDecryptionFailed)
	}
	return Parse(data)
}

// replayWAL applies every well-formed WAL entry, in order, on top of root.
// wal.ReadAll already excludes malformed trailing data from the entries
// returned here; TruncateToLastGood then physically removes that tail from
// the file so a WAL reopened with O_APPEND appends after the last good
// entry instead of after the crash debris, keeping the log the sole
// recoverable copy it needs to be whenever a later snapshot fails.
func replayWAL(root Value, walPath string) (Value, error) {
	entries, err := wal.ReadAll(walPath)
	if err != nil {
		return root, err
	}
	if err := wal.TruncateToLastGood(walPath); err != nil {
		return root, err
	}
	for _, e := range entries {
		var op walOp
		if err := json.Unmarshal(e.Op, &op); err != nil {
			continue // treat as part of the malformed tail
		}
		m, err := op.toMutation()
		if err != nil {
			continue
		}
		newRoot, err := m.apply(root)
		if err != nil {
			continue
		}
		root = newRoot
	}
	return root, nil
}
