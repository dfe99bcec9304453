package export

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fibrefield/fieldsync/internal/db"
	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/media"
	"github.com/fibrefield/fieldsync/internal/models"
)

// ExportService builds project export archives.
type ExportService struct {
	repo   *db.Repository
	photos *media.PhotoStore
}

// NewExportService creates an ExportService.
func NewExportService(repo *db.Repository, photos *media.PhotoStore) *ExportService {
	return &ExportService{repo: repo, photos: photos}
}

// ExportConfig holds export parameters.
type ExportConfig struct {
	// ProjectID filters the exported captures. Empty exports everything.
	ProjectID    string
	OutputPath   string
	IncludeMedia bool
}

// Manifest describes the archive contents.
type Manifest struct {
	Version      string    `json:"version"`
	ExportedAt   time.Time `json:"exported_at"`
	ProjectID    string    `json:"project_id,omitempty"`
	FeatureCount int       `json:"feature_count"`
	PhotoCount   int       `json:"photo_count"`
	Checksum     string    `json:"checksum"`
	IncludeMedia bool      `json:"include_media"`
}

// ExportResult summarizes a finished export.
type ExportResult struct {
	FilePath     string
	SizeBytes    int64
	FeatureCount int
	PhotoCount   int
	Checksum     string
	Duration     time.Duration
}

// Export writes a tar.gz archive containing captures.geojson, a
// manifest with the GeoJSON file's sha256, and optionally the photo
// files under media/.
func (s *ExportService) Export(config *ExportConfig) (*ExportResult, error) {
	start := time.Now()

	captures, err := s.loadCaptures(config.ProjectID)
	if err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "fieldsync-export-*")
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create temp directory", err)
	}
	defer os.RemoveAll(tempDir)

	dataFile := filepath.Join(tempDir, "captures.geojson")
	checksum, err := s.writeGeoJSON(dataFile, captures)
	if err != nil {
		return nil, err
	}

	photoCount := 0
	if config.IncludeMedia {
		photoCount, err = s.copyPhotos(tempDir, captures)
		if err != nil {
			return nil, err
		}
	}

	manifest := Manifest{
		Version:      "1.0",
		ExportedAt:   start,
		ProjectID:    config.ProjectID,
		FeatureCount: len(captures),
		PhotoCount:   photoCount,
		Checksum:     checksum,
		IncludeMedia: config.IncludeMedia,
	}
	if err := writeManifest(filepath.Join(tempDir, "manifest.json"), &manifest); err != nil {
		return nil, err
	}

	archivePath := config.OutputPath
	if archivePath == "" {
		archivePath = fmt.Sprintf("exports/fieldsync_%s.tar.gz", start.Format("20060102_150405"))
	}
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create exports directory", err)
	}

	size, err := writeTarGz(tempDir, archivePath)
	if err != nil {
		return nil, err
	}

	return &ExportResult{
		FilePath:     archivePath,
		SizeBytes:    size,
		FeatureCount: len(captures),
		PhotoCount:   photoCount,
		Checksum:     checksum,
		Duration:     time.Since(start),
	}, nil
}

func (s *ExportService) loadCaptures(projectID string) ([]*models.Capture, error) {
	if projectID != "" {
		return s.repo.ListCapturesByProject(projectID, "")
	}
	return s.repo.ListCaptures(0, 0)
}

// writeGeoJSON writes the feature collection and returns its sha256.
func (s *ExportService) writeGeoJSON(path string, captures []*models.Capture) (string, error) {
	data, err := json.MarshalIndent(BuildFeatureCollection(captures), "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to encode geojson", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to write geojson", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// copyPhotos stages each capture's photo files under media/<capture>/.
func (s *ExportService) copyPhotos(tempDir string, captures []*models.Capture) (int, error) {
	count := 0
	for _, c := range captures {
		photos, err := s.repo.ListPhotosByCapture(string(c.ID))
		if err != nil {
			return 0, err
		}
		for _, p := range photos {
			if p.LocalPath == "" {
				continue
			}
			data, err := s.photos.Load(p.LocalPath)
			if err != nil {
				return 0, errors.Wrap(errors.ErrInternal, "failed to read photo bytes", err)
			}
			dir := filepath.Join(tempDir, "media", string(c.ID))
			if err := os.MkdirAll(dir, 0755); err != nil {
				return 0, errors.Wrap(errors.ErrInternal, "failed to create media directory", err)
			}
			name := fmt.Sprintf("%s_%s%s", p.Type, p.ID, extensionFor(p.MimeType))
			if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
				return 0, errors.Wrap(errors.ErrInternal, "failed to stage photo", err)
			}
			count++
		}
	}
	return count, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	return ".bin"
}

func writeManifest(path string, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode manifest", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to write manifest", err)
	}
	return nil
}

// writeTarGz archives sourceDir into a gzip-compressed tarball and
// returns the archive size.
func writeTarGz(sourceDir, archivePath string) (int64, error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return 0, errors.Wrap(errors.ErrInternal, "failed to create archive", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrInternal, "failed to build archive", err)
	}

	if err := tw.Close(); err != nil {
		return 0, errors.Wrap(errors.ErrInternal, "failed to finish tar stream", err)
	}
	if err := gz.Close(); err != nil {
		return 0, errors.Wrap(errors.ErrInternal, "failed to finish gzip stream", err)
	}

	stat, err := out.Stat()
	if err != nil {
		return 0, errors.Wrap(errors.ErrInternal, "failed to stat archive", err)
	}
	return stat.Size(), nil
}

// VerifyChecksum recomputes a file's sha256 and compares it to the
// manifest value.
func VerifyChecksum(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to open file", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to hash file", err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return errors.Newf(errors.ErrInternal, "checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
