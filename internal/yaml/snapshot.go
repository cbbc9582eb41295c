package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/ozwatch/internal/logging"
	"github.com/msageha/ozwatch/internal/model"
)

const (
	CurrentSchemaVersion = 1
	SnapshotFileType     = "state_snapshot"
)

// SnapshotFile is the on-disk form of a harness state snapshot.
type SnapshotFile struct {
	SchemaVersion int                 `yaml:"schema_version"`
	FileType      string              `yaml:"file_type"`
	WrittenAt     time.Time           `yaml:"written_at"`
	Device        string              `yaml:"device,omitempty"`
	State         model.StateSnapshot `yaml:"state"`
}

type schemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// WriteSnapshot stamps the header and writes snap atomically.
func WriteSnapshot(path, device string, snap model.StateSnapshot) error {
	return writeSnapshotFile(path, SnapshotFile{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      SnapshotFileType,
		WrittenAt:     time.Now().UTC(),
		Device:        device,
		State:         snap,
	})
}

// writeSnapshotFile only replaces path when the bytes on disk parse back
// as a snapshot with the same home id and node count.
func writeSnapshotFile(path string, f SnapshotFile) error {
	content, err := yamlv3.Marshal(f)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return writeValidated(path, content, func(written []byte) error {
		got, err := parseSnapshot(written)
		if err != nil {
			return err
		}
		if got.State.HomeID != f.State.HomeID || len(got.State.Nodes) != len(f.State.Nodes) {
			return fmt.Errorf("snapshot read back as home 0x%08x with %d nodes, wrote home 0x%08x with %d nodes",
				got.State.HomeID, len(got.State.Nodes), f.State.HomeID, len(f.State.Nodes))
		}
		return nil
	})
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (SnapshotFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return SnapshotFile{}, err
	}
	return parseSnapshot(content)
}

func parseSnapshot(content []byte) (SnapshotFile, error) {
	if err := validateHeader(content); err != nil {
		return SnapshotFile{}, err
	}
	var f SnapshotFile
	if err := yamlv3.Unmarshal(content, &f); err != nil {
		return SnapshotFile{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return f, nil
}

func validateHeader(content []byte) error {
	var h schemaHeader
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if h.SchemaVersion < 1 {
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	}
	if h.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", h.SchemaVersion, CurrentSchemaVersion)
	}
	if h.FileType != SnapshotFileType {
		return fmt.Errorf("file_type mismatch: got %q, expected %q", h.FileType, SnapshotFileType)
	}
	return nil
}

// LoadSnapshot reads path, and when it is corrupt moves it to a
// quarantine/ directory beside it and falls back to path.bak.
func LoadSnapshot(path string, logger *logging.Logger) (SnapshotFile, error) {
	f, err := ReadSnapshot(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	logger.Warnf("snapshot_corrupt path=%s: %v", path, err)
	if qerr := quarantine(path, logger); qerr != nil {
		return SnapshotFile{}, errors.Join(err, qerr)
	}

	bak, berr := ReadSnapshot(path + ".bak")
	if berr != nil {
		return SnapshotFile{}, fmt.Errorf("snapshot corrupt and backup unusable: %w", errors.Join(err, berr))
	}
	if werr := writeSnapshotFile(path, bak); werr != nil {
		logger.Warnf("snapshot_restore_failed path=%s: %v", path, werr)
	} else {
		logger.Infof("snapshot restored from backup path=%s", path)
	}
	return bak, nil
}

func quarantine(path string, logger *logging.Logger) error {
	dir := filepath.Join(filepath.Dir(path), "quarantine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405"))
	dst := filepath.Join(dir, name)
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}
	logger.Warnf("quarantined corrupted file: %s -> %s", path, dst)
	return nil
}
