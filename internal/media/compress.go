// Package media provides photo compression for field captures.
package media

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"github.com/fibrefield/fieldsync/internal/errors"
)

// Compressor re-encodes oversized photos with a bounded resize. Aspect
// ratio is preserved; the longest dimension is capped at MaxDimension.
type Compressor struct {
	// Threshold is the byte size above which photos are compressed.
	Threshold int64
	// MaxDimension caps the longest output dimension in pixels.
	MaxDimension int
	// Quality is the JPEG re-encode quality (1-100).
	Quality int
}

// NewCompressor creates a Compressor with the given threshold and
// dimension cap and a fixed JPEG quality.
func NewCompressor(threshold int64, maxDimension int) *Compressor {
	return &Compressor{
		Threshold:    threshold,
		MaxDimension: maxDimension,
		Quality:      80,
	}
}

// Result describes the outcome of a compression pass.
type Result struct {
	Data         []byte
	MimeType     string
	Compressed   bool
	OriginalSize int64
	Size         int64
}

// Compress compresses the photo bytes if they exceed the threshold.
// Smaller photos pass through untouched. The result size never exceeds
// the input size: if the re-encode comes out larger, the original bytes
// are kept.
func (c *Compressor) Compress(data []byte) (*Result, error) {
	originalSize := int64(len(data))
	mime := mimetype.Detect(data).String()

	if originalSize <= c.Threshold {
		return &Result{
			Data:         data,
			MimeType:     mime,
			Compressed:   false,
			OriginalSize: originalSize,
			Size:         originalSize,
		}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCompression, "failed to decode photo", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > c.MaxDimension || bounds.Dy() > c.MaxDimension {
		img = imaging.Fit(img, c.MaxDimension, c.MaxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.Quality)); err != nil {
		return nil, errors.Wrap(errors.ErrCompression, "failed to re-encode photo", err)
	}

	if int64(buf.Len()) >= originalSize {
		// Re-encode did not help; keep the original bytes.
		return &Result{
			Data:         data,
			MimeType:     mime,
			Compressed:   false,
			OriginalSize: originalSize,
			Size:         originalSize,
		}, nil
	}

	return &Result{
		Data:         buf.Bytes(),
		MimeType:     "image/jpeg",
		Compressed:   true,
		OriginalSize: originalSize,
		Size:         int64(buf.Len()),
	}, nil
}

// DetectMimeType returns the detected content type of photo bytes.
func DetectMimeType(data []byte) string {
	return mimetype.Detect(data).String()
}
