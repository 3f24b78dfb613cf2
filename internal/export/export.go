// Package export writes the local mesh as a Wavefront OBJ with its
// material file and a JPEG color snapshot.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strconv"

	"github.com/anthonynsimon/bild/clone"
	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"

	"github.com/banshee-data/depthmesh/internal/fsutil"
	"github.com/banshee-data/depthmesh/internal/mesh"
	"github.com/banshee-data/depthmesh/internal/monitoring"
	"github.com/banshee-data/depthmesh/internal/security"
)

// MaterialName is the single material referenced by every export.
const MaterialName = "meshMaterial"

// ErrNoMesh is returned when there is no mesh to export.
var ErrNoMesh = errors.New("no mesh to export")

// Options configures an Exporter.
type Options struct {
	Dir         string // output directory; "." when empty
	JPEGQuality int    // 1..100; 90 when zero
	MaxTexture  int    // longest texture edge in pixels; 0 keeps the source size
	Atomic      bool   // write each file via a temporary and rename
}

// Result names the files written by one export.
type Result struct {
	Base     string `json:"base"`
	OBJ      string `json:"obj"`
	MTL      string `json:"mtl"`
	JPEG     string `json:"jpeg"`
	Vertices int    `json:"vertices"`
	Faces    int    `json:"faces"`
	Texture  bool   `json:"texture"`
}

// Exporter writes export triples to a filesystem.
type Exporter struct {
	fs   fsutil.FileSystem
	opts Options
}

// New returns an Exporter writing to fsys.
func New(fsys fsutil.FileSystem, opts Options) *Exporter {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 90
	}
	return &Exporter{fs: fsys, opts: opts}
}

// Export writes <base>.obj, <base>.mtl and <base>.jpg, overwriting any
// existing files. Files are written in that order and a failure stops the
// sequence, so without Atomic a failed export may leave a mix of old and
// new files. A nil color image skips the JPEG but the material still
// references it.
func (e *Exporter) Export(base string, buf *mesh.Buffer, color image.Image) (Result, error) {
	if buf == nil || len(buf.Vertices) == 0 {
		return Result{}, ErrNoMesh
	}
	base = security.SanitizeFilename(base)
	res := Result{
		Base:     base,
		OBJ:      filepath.Join(e.opts.Dir, base+".obj"),
		MTL:      filepath.Join(e.opts.Dir, base+".mtl"),
		JPEG:     filepath.Join(e.opts.Dir, base+".jpg"),
		Vertices: len(buf.Vertices),
		Faces:    len(buf.Triangles) / 3,
	}

	if e.opts.Dir != "." {
		if err := e.fs.MkdirAll(e.opts.Dir, 0o755); err != nil {
			return res, fmt.Errorf("create export dir: %w", err)
		}
	}

	if err := e.write(res.OBJ, func(w io.Writer) error { return WriteOBJ(w, base, buf) }); err != nil {
		return res, fmt.Errorf("write %s: %w", filepath.Base(res.OBJ), err)
	}
	if err := e.write(res.MTL, func(w io.Writer) error { return WriteMTL(w, base) }); err != nil {
		return res, fmt.Errorf("write %s: %w", filepath.Base(res.MTL), err)
	}
	if color != nil {
		img := e.prepareTexture(color)
		encode := imgio.JPEGEncoder(e.opts.JPEGQuality)
		if err := e.write(res.JPEG, func(w io.Writer) error { return encode(w, img) }); err != nil {
			return res, fmt.Errorf("write %s: %w", filepath.Base(res.JPEG), err)
		}
		res.Texture = true
	}

	monitoring.Logf("[Export] wrote %s (%d vertices, %d faces, texture=%v)", res.OBJ, res.Vertices, res.Faces, res.Texture)
	return res, nil
}

func (e *Exporter) write(name string, fn func(io.Writer) error) error {
	buffered := func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if err := fn(bw); err != nil {
			return err
		}
		return bw.Flush()
	}
	if e.opts.Atomic {
		return fsutil.WriteFileAtomic(e.fs, name, buffered)
	}
	return fsutil.WriteFile(e.fs, name, buffered)
}

// prepareTexture copies the color frame so the sensor may reuse its
// buffer, downscaling it when MaxTexture is set.
func (e *Exporter) prepareTexture(src image.Image) image.Image {
	img := clone.AsRGBA(src)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if e.opts.MaxTexture <= 0 || (w <= e.opts.MaxTexture && h <= e.opts.MaxTexture) {
		return img
	}
	scale := float64(e.opts.MaxTexture) / float64(max(w, h))
	return transform.Resize(img, max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale)), transform.Linear)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteOBJ writes the mesh geometry. Face corners reference vertex, UV and
// normal by the same 1-based index.
func WriteOBJ(w io.Writer, base string, buf *mesh.Buffer) error {
	bw := &errWriter{w: w}
	bw.printf("mtllib %s.mtl\n", base)
	bw.printf("o mesh\n")
	for _, v := range buf.Vertices {
		bw.printf("v %s %s %s\n", formatFloat(v.X), formatFloat(v.Y), formatFloat(v.Z))
	}
	for _, uv := range buf.UV {
		bw.printf("vt %s %s\n", formatFloat(uv.X), formatFloat(uv.Y))
	}
	for _, n := range buf.Normals() {
		bw.printf("vn %s %s %s\n", formatFloat(n.X), formatFloat(n.Y), formatFloat(n.Z))
	}
	bw.printf("usemtl %s\n", MaterialName)
	bw.printf("s off\n")
	for t := 0; t+2 < len(buf.Triangles); t += 3 {
		a, b, c := buf.Triangles[t]+1, buf.Triangles[t+1]+1, buf.Triangles[t+2]+1
		bw.printf("f %d/%d/%d %d/%d/%d %d/%d/%d\n", a, a, a, b, b, b, c, c, c)
	}
	return bw.err
}

// WriteMTL writes the material referencing <base>.jpg.
func WriteMTL(w io.Writer, base string) error {
	bw := &errWriter{w: w}
	bw.printf("newmtl %s\n", MaterialName)
	bw.printf("Ns 96.078431\n")
	bw.printf("Ka 1.000000 1.000000 1.000000\n")
	bw.printf("Kd 0.640000 0.640000 0.640000\n")
	bw.printf("Ks 0.500000 0.500000 0.500000\n")
	bw.printf("Ke 0.000000 0.000000 0.000000\n")
	bw.printf("Ni 1.000000\n")
	bw.printf("d 1.000000\n")
	bw.printf("illum 2\n")
	bw.printf("map_Kd %s.jpg\n", base)
	return bw.err
}

// errWriter keeps the first write error.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...interface{}) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
