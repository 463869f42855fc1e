package catalog

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	lzip "github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"
)

// Catalog bundles are compressed tarballs of rate sheets, published as
// release assets. Extraction never trusts the archive: entries are
// flattened to their base name (which also defuses ../ traversal),
// only regular *.json files are accepted, and size caps apply.

const (
	// MaxSheetSize caps one extracted rate sheet.
	MaxSheetSize = 8 * 1024 * 1024

	// MaxBundleSize caps the total extracted bundle.
	MaxBundleSize = 256 * 1024 * 1024
)

// DetectBundleFormat maps a bundle filename to its archive format, or
// "" when the name carries no supported extension.
func DetectBundleFormat(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tar.gz"
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return "tar.xz"
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return "tar.zst"
	case strings.HasSuffix(lower, ".tar.lz"), strings.HasSuffix(lower, ".tlz"):
		return "tar.lz"
	default:
		return ""
	}
}

// ExtractBundle unpacks the rate sheets in a bundle archive into
// destDir and returns the extracted file names, sorted.
func ExtractBundle(bundlePath, destDir string) ([]string, error) {
	file, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("opening bundle: %w", err)
	}
	defer file.Close()

	tr, closeReader, err := bundleReader(file, DetectBundleFormat(bundlePath))
	if err != nil {
		return nil, err
	}
	if closeReader != nil {
		defer closeReader()
	}

	return extractSheets(tr, destDir)
}

// bundleReader wraps an open bundle file in its decompressor.
func bundleReader(file *os.File, format string) (*tar.Reader, func(), error) {
	switch format {
	case "tar.gz":
		gzr, err := gzip.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("reading gzip bundle: %w", err)
		}
		return tar.NewReader(gzr), func() { gzr.Close() }, nil
	case "tar.xz":
		xzr, err := xz.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("reading xz bundle: %w", err)
		}
		return tar.NewReader(xzr), nil, nil
	case "tar.zst":
		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("reading zstd bundle: %w", err)
		}
		return tar.NewReader(zr), zr.Close, nil
	case "tar.lz":
		lr, err := lzip.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("reading lzip bundle: %w", err)
		}
		return tar.NewReader(lr), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported bundle format: %s (expected .tar.gz, .tar.xz, .tar.zst or .tar.lz)",
			filepath.Base(file.Name()))
	}
}

func extractSheets(tr *tar.Reader, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination: %w", err)
	}

	var names []string
	var total int64
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading bundle entry: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
		default:
			// Symlinks and specials have no business in a sheet bundle.
			return nil, fmt.Errorf("bundle entry %s has unsupported type", header.Name)
		}

		name := filepath.Base(filepath.FromSlash(header.Name))
		if name == "." || name == ".." || !strings.HasSuffix(name, ".json") {
			continue
		}

		if header.Size > MaxSheetSize {
			return nil, fmt.Errorf("bundle entry %s exceeds the %dMB sheet limit", name, MaxSheetSize/(1024*1024))
		}
		total += header.Size
		if total > MaxBundleSize {
			return nil, fmt.Errorf("bundle exceeds the %dMB total limit", MaxBundleSize/(1024*1024))
		}

		target := filepath.Join(destDir, name)
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", name, err)
		}
		_, err = io.Copy(out, tr)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
		names = append(names, name)
	}

	if len(names) == 0 {
		return nil, fmt.Errorf("bundle contains no rate sheets (*.json)")
	}
	sort.Strings(names)
	return names, nil
}

// ImportBundle extracts a bundle into a staging directory, validates
// every sheet, and only then installs the files into catalogDir. A
// bundle with any invalid sheet leaves the live catalog untouched.
func ImportBundle(bundlePath, catalogDir string) ([]string, error) {
	if err := os.MkdirAll(catalogDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating catalog directory: %w", err)
	}

	// Staging lives next to the catalog dir so the install renames stay
	// on one filesystem.
	staging, err := os.MkdirTemp(filepath.Dir(catalogDir), ".catalog-import-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	names, err := ExtractBundle(bundlePath, staging)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		if _, err := LoadSheet(filepath.Join(staging, name)); err != nil {
			return nil, err
		}
	}

	for _, name := range names {
		if err := os.Rename(filepath.Join(staging, name), filepath.Join(catalogDir, name)); err != nil {
			return nil, fmt.Errorf("installing %s: %w", name, err)
		}
	}
	return names, nil
}
