package export

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depthmesh/internal/fsutil"
	"github.com/banshee-data/depthmesh/internal/mesh"
	"github.com/banshee-data/depthmesh/internal/monitoring"
)

func zeroDepthMesh(t *testing.T) *mesh.Buffer {
	t.Helper()
	g := mesh.FrameGeometry{Width: 4, Height: 4, Downsample: 1}
	buf, err := g.NewBuffer()
	require.NoError(t, err)
	_, err = buf.UpdateRegion(g, mesh.FullFrame(g, make([]uint16, 16)), nil)
	require.NoError(t, err)
	return buf
}

func solidImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func countPrefixes(lines []string) map[string]int {
	counts := make(map[string]int)
	for _, l := range lines {
		counts[strings.SplitN(l, " ", 2)[0]]++
	}
	return counts
}

func TestExport_FourByFourZeroDepth(t *testing.T) {
	defer monitoring.Mute()()

	fsys := fsutil.NewMemoryFileSystem()
	buf := zeroDepthMesh(t)
	res, err := New(fsys, Options{}).Export("scan", buf, solidImage(8, 8))
	require.NoError(t, err)
	assert.Equal(t, "scan.obj", res.OBJ)
	assert.Equal(t, 16, res.Vertices)
	assert.Equal(t, 18, res.Faces)
	assert.True(t, res.Texture)

	obj, err := fsys.ReadFile("scan.obj")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(obj), "\n"), "\n")
	counts := countPrefixes(lines)
	assert.Equal(t, 16, counts["v"])
	assert.Equal(t, 16, counts["vt"])
	assert.Equal(t, 16, counts["vn"])
	assert.Equal(t, 18, counts["f"])
	assert.Len(t, lines, 16+16+16+18+4)

	assert.Equal(t, "mtllib scan.mtl", lines[0])
	assert.Equal(t, "o mesh", lines[1])
	assert.Equal(t, "v 0 0 135", lines[2])
	assert.Equal(t, "v 1 -2 135", lines[2+9])
	assert.Equal(t, "vt 0.25 0.5", lines[2+16+9])
	assert.Equal(t, "vn 0 0 -1", lines[2+32])
	assert.Equal(t, "usemtl meshMaterial", lines[2+48])
	assert.Equal(t, "s off", lines[2+48+1])
	assert.Equal(t, "f 1/1/1 2/2/2 5/5/5", lines[2+48+2])
	assert.Equal(t, "f 5/5/5 2/2/2 6/6/6", lines[2+48+3])
}

func TestWriteOBJ_FacesMatchTriangles(t *testing.T) {
	buf, err := mesh.NewBuffer(3, 5)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, WriteOBJ(&out, "m", buf))

	var faces [][3]int
	for _, line := range strings.Split(out.String(), "\n") {
		if !strings.HasPrefix(line, "f ") {
			continue
		}
		var f [3]int
		var vt, vn [3]int
		_, err := fmt.Sscanf(line, "f %d/%d/%d %d/%d/%d %d/%d/%d",
			&f[0], &vt[0], &vn[0], &f[1], &vt[1], &vn[1], &f[2], &vt[2], &vn[2])
		require.NoError(t, err)
		assert.Equal(t, f, vt)
		assert.Equal(t, f, vn)
		faces = append(faces, f)
	}
	require.Len(t, faces, len(buf.Triangles)/3)
	for i, f := range faces {
		for k := 0; k < 3; k++ {
			assert.Equal(t, buf.Triangles[3*i+k]+1, f[k])
		}
	}
}

func TestWriteMTL(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, WriteMTL(&out, "scan"))
	want := `newmtl meshMaterial
Ns 96.078431
Ka 1.000000 1.000000 1.000000
Kd 0.640000 0.640000 0.640000
Ks 0.500000 0.500000 0.500000
Ke 0.000000 0.000000 0.000000
Ni 1.000000
d 1.000000
illum 2
map_Kd scan.jpg
`
	assert.Equal(t, want, out.String())
}

func TestExport_JPEG(t *testing.T) {
	defer monitoring.Mute()()

	fsys := fsutil.NewMemoryFileSystem()
	_, err := New(fsys, Options{Dir: "out", JPEGQuality: 75, MaxTexture: 32}).Export("scan", zeroDepthMesh(t), solidImage(128, 64))
	require.NoError(t, err)

	data, err := fsys.ReadFile("out/scan.jpg")
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
	assert.True(t, fsys.Exists("out"))
}

func TestExport_NoColorSkipsJPEG(t *testing.T) {
	defer monitoring.Mute()()

	fsys := fsutil.NewMemoryFileSystem()
	res, err := New(fsys, Options{}).Export("scan", zeroDepthMesh(t), nil)
	require.NoError(t, err)
	assert.False(t, res.Texture)
	assert.Equal(t, []string{"scan.mtl", "scan.obj"}, fsys.Files())
}

func TestExport_WriteFailureIsReturned(t *testing.T) {
	defer monitoring.Mute()()

	fsys := fsutil.NewMemoryFileSystem()
	fsys.Fail("scan.mtl", errors.New("disk full"))
	_, err := New(fsys, Options{}).Export("scan", zeroDepthMesh(t), solidImage(4, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan.mtl")
	assert.Contains(t, err.Error(), "disk full")
	// Non-atomic: the OBJ already went out.
	assert.Equal(t, []string{"scan.obj"}, fsys.Files())
}

func TestExport_AtomicKeepsPreviousFiles(t *testing.T) {
	defer monitoring.Mute()()

	fsys := fsutil.NewMemoryFileSystem()
	exp := New(fsys, Options{Atomic: true})
	_, err := exp.Export("scan", zeroDepthMesh(t), solidImage(4, 4))
	require.NoError(t, err)
	assert.Equal(t, []string{"scan.jpg", "scan.mtl", "scan.obj"}, fsys.Files())
	before, _ := fsys.ReadFile("scan.jpg")

	fsys.Fail("scan.jpg", errors.New("read-only"))
	_, err = exp.Export("scan", zeroDepthMesh(t), solidImage(16, 16))
	require.Error(t, err)
	assert.Equal(t, []string{"scan.jpg", "scan.mtl", "scan.obj"}, fsys.Files(), "no temporaries left behind")
	after, _ := fsys.ReadFile("scan.jpg")
	assert.Equal(t, before, after)
}

func TestExport_Errors(t *testing.T) {
	_, err := New(nil, Options{}).Export("scan", nil, nil)
	assert.ErrorIs(t, err, ErrNoMesh)
}

func TestExport_SanitisesBase(t *testing.T) {
	defer monitoring.Mute()()

	fsys := fsutil.NewMemoryFileSystem()
	res, err := New(fsys, Options{}).Export("../../etc/passwd", zeroDepthMesh(t), nil)
	require.NoError(t, err)
	assert.Equal(t, "etc_passwd", res.Base)
	mtl, _ := fsys.ReadFile("etc_passwd.mtl")
	assert.Contains(t, string(mtl), "map_Kd etc_passwd.jpg")
}
