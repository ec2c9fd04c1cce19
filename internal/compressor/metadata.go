package compressor

import (
	"fmt"
	"os"
	"sync"

	"github.com/barasher/go-exiftool"
)

// Tags that describe the file or the pixel layout of the source and must not
// be written onto the re-encoded output.
var skippedTags = []string{
	"SourceFile", "FileName", "Directory", "FileSize", "FileModifyDate",
	"FileAccessDate", "FileInodeChangeDate", "FilePermissions", "FileType",
	"FileTypeExtension", "MIMEType", "ExifToolVersion", "ImageWidth",
	"ImageHeight", "ImageSize", "ExifImageWidth", "ExifImageHeight",
	"Orientation", "Megapixels", "EncodingProcess", "BitsPerSample",
	"ColorComponents", "YCbCrSubSampling", "ThumbnailImage",
}

// MetadataCopier copies EXIF/XMP tags between files through a long-lived exiftool process.
type MetadataCopier struct {
	mu sync.Mutex
	et *exiftool.Exiftool
}

// NewMetadataCopier starts exiftool.
func NewMetadataCopier() (*MetadataCopier, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, err
	}
	return &MetadataCopier{et: et}, nil
}

// Copy writes the tags of src onto dst.
func (m *MetadataCopier) Copy(src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	metas := m.et.ExtractMetadata(src)
	if len(metas) == 0 {
		return fmt.Errorf("no metadata returned for %s", src)
	}
	if metas[0].Err != nil {
		return metas[0].Err
	}

	fm := metas[0]
	fm.File = dst
	for _, k := range skippedTags {
		delete(fm.Fields, k)
	}
	out := []exiftool.FileMetadata{fm}
	m.et.WriteMetadata(out)
	_ = os.Remove(dst + "_original")
	return out[0].Err
}

// Close stops exiftool.
func (m *MetadataCopier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.et.Close()
}
