package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"labtrack/models"
)

// Locator identifies where an upload's bytes live: a path under the upload
// base dir, or an inline base64 payload for installs without one. Exactly one
// of the two fields is set.
type Locator struct {
	Path   string
	Inline string
}

func (l Locator) IsInline() bool { return l.Path == "" }

// Fetch returns the raw stored bytes regardless of backing.
func (l Locator) Fetch() ([]byte, error) {
	if l.IsInline() {
		if l.Inline == "" {
			return nil, fmt.Errorf("empty storage locator")
		}
		return base64.StdEncoding.DecodeString(l.Inline)
	}
	return os.ReadFile(filepath.Join(uploadBaseDir(), l.Path))
}

// Delete removes the stored binary. Inline payloads vanish with the record,
// so there is nothing to do for them.
func (l Locator) Delete() error {
	if l.IsInline() {
		return nil
	}
	return os.Remove(filepath.Join(uploadBaseDir(), l.Path))
}

// uploadLocator rebuilds the locator persisted on a pending upload row.
func uploadLocator(up *models.PendingUpload) Locator {
	return Locator{Path: up.StorePath, Inline: up.InlineData}
}

// storeUploadBytes persists upload bytes and returns the resulting locator.
// With UPLOAD_BASE configured the file lands on disk; otherwise the bytes are
// kept inline so the pipeline runs without any storage backend configured.
// A write failure aborts before any record is created.
func storeUploadBytes(profileID uint, fileName string, data []byte) (Locator, error) {
	base := uploadBaseDir()
	if base == "" {
		return Locator{Inline: base64.StdEncoding.EncodeToString(data)}, nil
	}
	sub := fmt.Sprintf("profile_%d", profileID)
	if err := os.MkdirAll(filepath.Join(base, sub), 0o755); err != nil {
		return Locator{}, fmt.Errorf("mkdir upload dir: %w", err)
	}
	rel := filepath.Join(sub, fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(fileName)))
	if err := os.WriteFile(filepath.Join(base, rel), data, 0o644); err != nil {
		return Locator{}, fmt.Errorf("write upload: %w", err)
	}
	return Locator{Path: rel}, nil
}
