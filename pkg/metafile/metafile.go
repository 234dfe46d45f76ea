package metafile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// MetaFileName is the name of the file that records which source a target root mirrors.
const MetaFileName = ".pgl-mirror.meta.json"

// MetafileContent holds the contents of the metadatafile.
type MetafileContent struct {
	Version           string    `json:"version"`
	Source            string    `json:"source"`
	ClaimedUTC        time.Time `json:"claimedUTC"`
	CompressionFormat string    `json:"compressionFormat,omitempty"`
	Encrypted         bool      `json:"encrypted,omitempty"`
}

// ErrClaimedByOther is returned by Claim when the target already mirrors a different source.
type ErrClaimedByOther struct {
	Target string
	Owner  string
}

func (e *ErrClaimedByOther) Error() string {
	return fmt.Sprintf("target %s already mirrors source %s", e.Target, e.Owner)
}

// Write creates and writes the .pgl-mirror.meta.json file into a given directory.
func Write(dirPath string, content *MetafileContent) error {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	jsonData, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal meta data: %w", err)
	}

	// Group-writable: the metafile lives among the mirrored data.
	if err := os.WriteFile(metaFilePath, jsonData, util.UserGroupWritableFilePerms); err != nil {
		return fmt.Errorf("could not write meta file %s: %w", metaFilePath, err)
	}
	return nil
}

// Read opens and parses the metafile in a given directory.
// A missing file is returned unwrapped so os.IsNotExist works.
func Read(dirPath string) (MetafileContent, error) {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	metaFile, err := os.Open(metaFilePath)
	if err != nil {
		return MetafileContent{}, err
	}
	defer metaFile.Close()

	var content MetafileContent
	if err := json.NewDecoder(metaFile).Decode(&content); err != nil {
		return MetafileContent{}, fmt.Errorf("could not parse metafile %s: %w. It may be corrupt", metaFilePath, err)
	}
	return content, nil
}

// Claim records source as the owner of targetDir. It succeeds when the target
// has no metafile yet or already belongs to source, and fails with
// *ErrClaimedByOther otherwise. A corrupt metafile is overwritten.
func Claim(targetDir string, content MetafileContent) error {
	existing, err := Read(targetDir)
	switch {
	case err == nil:
		if util.PathKey(existing.Source) != util.PathKey(content.Source) {
			return &ErrClaimedByOther{Target: targetDir, Owner: existing.Source}
		}
		if existing.CompressionFormat == content.CompressionFormat && existing.Encrypted == content.Encrypted {
			return nil
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		// Corrupt or unreadable content is replaced by a fresh claim below.
	}

	if content.ClaimedUTC.IsZero() {
		content.ClaimedUTC = time.Now().UTC()
	}
	return Write(targetDir, &content)
}
