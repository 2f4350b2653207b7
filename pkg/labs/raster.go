package labs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
)

// DefaultDPI balances legibility of small print against payload size when
// sending page images to the vision model.
const DefaultDPI = 180

// maxPageWidth caps the raster width actually transmitted; anything wider is
// downscaled before base64 encoding.
const maxPageWidth = 2000

const rasterTimeout = 60 * time.Second

var pageNumRE = regexp.MustCompile(`-(\d+)\.png$`)

// RenderPages rasterizes every page of a PDF at the given DPI and returns
// PNG-encoded images in page order. Rendering uses poppler's pdftoppm, which
// must be on PATH. A document with zero renderable pages returns ErrNoPages.
func RenderPages(ctx context.Context, pdf []byte, dpi int) ([][]byte, error) {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	dir, err := os.MkdirTemp("", "labtrack-raster-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	pdfPath := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(pdfPath, pdf, 0o600); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, rasterTimeout)
	defer cancel()

	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, "pdftoppm", "-r", strconv.Itoa(dpi), "-png", pdfPath, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("pdftoppm timed out after %s", rasterTimeout)
		}
		return nil, fmt.Errorf("pdftoppm: %v: %s", err, stderr.String())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type page struct {
		n    int
		path string
	}
	var pages []page
	for _, e := range entries {
		m := pageNumRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		pages = append(pages, page{n: n, path: filepath.Join(dir, e.Name())})
	}
	if len(pages) == 0 {
		return nil, ErrNoPages
	}
	// pdftoppm zero-pads page numbers, but sort numerically anyway: the
	// merge rules depend on strict page order.
	sort.Slice(pages, func(i, j int) bool { return pages[i].n < pages[j].n })

	out := make([][]byte, 0, len(pages))
	for _, p := range pages {
		data, err := os.ReadFile(p.path)
		if err != nil {
			return nil, err
		}
		out = append(out, downscalePage(data))
	}
	return out, nil
}

// downscalePage shrinks rasters wider than maxPageWidth. Any decode or
// encode hiccup falls back to the original bytes.
func downscalePage(png []byte) []byte {
	img, err := imaging.Decode(bytes.NewReader(png))
	if err != nil {
		return png
	}
	if img.Bounds().Dx() <= maxPageWidth {
		return png
	}
	resized := imaging.Resize(img, maxPageWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
		return png
	}
	return buf.Bytes()
}
