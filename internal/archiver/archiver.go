// Package archiver finalizes a chapter's temporary download directory into
// its configured on-disk shape: a plain renamed directory of images, or a
// ZIP/CBZ archive carrying a ComicInfo.xml metadata sidecar.
package archiver

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	kzip "github.com/klauspost/compress/flate"
	"github.com/lanyeeee/mangadl-go/internal/config"
)

// deflateMethod reuses the standard zip.Deflate method id but, via the
// RegisterCompressor call on each zip.Writer below, backs it with
// klauspost's faster implementation instead of the stdlib one.
const deflateMethod = zip.Deflate

func registerFastDeflate(zw *zip.Writer) {
	zw.RegisterCompressor(deflateMethod, func(w io.Writer) (io.WriteCloser, error) {
		return kzip.NewWriter(w, kzip.BestSpeed)
	})
}

// ComicInfo is the subset of the common open comic-metadata schema
// (https://anansi-project.github.io/docs/comicinfo/schemas/v2.0) this
// archiver populates per chapter.
type ComicInfo struct {
	XMLName   xml.Name `xml:"ComicInfo"`
	Title     string   `xml:"Title"`
	Series    string   `xml:"Series"`
	Number    string   `xml:"Number,omitempty"`
	Summary   string   `xml:"Summary,omitempty"`
	Writer    string   `xml:"Writer,omitempty"`
	Genre     string   `xml:"Genre,omitempty"`
	PageCount int      `xml:"PageCount"`
}

// Finalize materializes tempDir as the chapter's final artifact, per
// format. info.Title/info.Series must already be sanitized
// (internal/sanitize) by the caller. On success, tempDir no longer exists;
// on ZIP/CBZ failure tempDir is left in place for operator inspection.
func Finalize(format config.ArchiveFormat, tempDir, finalDir string, info ComicInfo) error {
	switch format {
	case config.ArchiveFormatCBZ:
		return archive(tempDir, finalDir+".cbz", info)
	case config.ArchiveFormatZIP:
		return archive(tempDir, finalDir+".zip", info)
	default:
		return finalizeImageDir(tempDir, finalDir)
	}
}

// finalizeImageDir renames tempDir to finalDir, overwriting any previous
// attempt. A manga chapter is a stable, idempotent unit of work (same
// episode ID always produces the same content), so a retry replaces the
// prior attempt rather than accumulating "_2", "_3" duplicates.
func finalizeImageDir(tempDir, finalDir string) error {
	if _, err := os.Stat(finalDir); err == nil {
		if err := os.RemoveAll(finalDir); err != nil {
			return fmt.Errorf("removing previous final directory %q: %w", finalDir, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat-ing final directory %q: %w", finalDir, err)
	}

	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return fmt.Errorf("creating parent of %q: %w", finalDir, err)
	}

	if err := os.Rename(tempDir, finalDir); err != nil {
		// Cross-device rename fails with EXDEV; fall back to copy-then-delete.
		if copyErr := copyDirThenRemove(tempDir, finalDir); copyErr != nil {
			return fmt.Errorf("renaming %q to %q: %w (fallback copy also failed: %v)", tempDir, finalDir, err, copyErr)
		}
	}
	return nil
}

func copyDirThenRemove(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return os.RemoveAll(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// archive writes tempDir/ComicInfo.xml, then packs every regular file in
// tempDir into archivePath (basename-only entry names, so loose comic-
// metadata path structure never leaks into the archive), then removes
// tempDir. Entry names sort lexicographically, preserving reading order
// since image filenames are zero-padded manifest indices.
func archive(tempDir, archivePath string, info ComicInfo) error {
	if err := writeComicInfo(tempDir, info); err != nil {
		return fmt.Errorf("writing ComicInfo.xml: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return fmt.Errorf("creating parent of %q: %w", archivePath, err)
	}
	if _, err := os.Stat(archivePath); err == nil {
		if err := os.Remove(archivePath); err != nil {
			return fmt.Errorf("removing previous archive %q: %w", archivePath, err)
		}
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("creating archive %q: %w", archivePath, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	registerFastDeflate(zw)

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		zw.Close()
		return fmt.Errorf("reading temp directory %q: %w", tempDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := appendFileToZip(zw, tempDir, name); err != nil {
			zw.Close()
			return fmt.Errorf("adding %q to archive: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing archive %q: %w", archivePath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing archive file %q: %w", archivePath, err)
	}

	if err := os.RemoveAll(tempDir); err != nil {
		return fmt.Errorf("removing temp directory %q after archiving: %w", tempDir, err)
	}
	return nil
}

func appendFileToZip(zw *zip.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = deflateMethod

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func writeComicInfo(tempDir string, info ComicInfo) error {
	data, err := xml.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	data = append([]byte(xml.Header), data...)
	return os.WriteFile(filepath.Join(tempDir, "ComicInfo.xml"), data, 0o644)
}
