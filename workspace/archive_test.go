package workspace

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	body     string
	typeflag byte
}

func makeTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		header := &tar.Header{Name: e.name, Typeflag: typeflag, Mode: 0o644, Size: int64(len(e.body))}
		if typeflag != tar.TypeReg {
			header.Size = 0
		}
		if typeflag == tar.TypeSymlink {
			header.Linkname = "/etc/passwd"
		}
		require.NoError(t, tw.WriteHeader(header))
		if typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestExpandArchive(t *testing.T) {
	t.Run("extracts regular files", func(t *testing.T) {
		data := makeTarGz(t, []tarEntry{
			{name: "data/", typeflag: tar.TypeDir},
			{name: "data/input.txt", body: "42"},
			{name: "./helper.py", body: "def f(): pass"},
		})

		files, err := ExpandArchive(data, Limits{}, nil)
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "data/input.txt", files[0].Path)
		assert.Equal(t, []byte("42"), files[0].Content)
		assert.Equal(t, "helper.py", files[1].Path)
	})

	t.Run("skips excluded entries", func(t *testing.T) {
		data := makeTarGz(t, []tarEntry{
			{name: "node_modules/left-pad/index.js", body: "x"},
			{name: "index.js", body: "y"},
		})

		files, err := ExpandArchive(data, Limits{}, []string{"node_modules/"})
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "index.js", files[0].Path)
	})

	t.Run("rejects traversal", func(t *testing.T) {
		data := makeTarGz(t, []tarEntry{{name: "../../etc/cron.d/evil", body: "x"}})
		_, err := ExpandArchive(data, Limits{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsafe relative path")
	})

	t.Run("rejects absolute paths", func(t *testing.T) {
		data := makeTarGz(t, []tarEntry{{name: "/etc/passwd", body: "x"}})
		_, err := ExpandArchive(data, Limits{}, nil)
		require.Error(t, err)
	})

	t.Run("rejects symlinks", func(t *testing.T) {
		data := makeTarGz(t, []tarEntry{{name: "link", typeflag: tar.TypeSymlink}})
		_, err := ExpandArchive(data, Limits{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported file type")
	})

	t.Run("enforces file count", func(t *testing.T) {
		data := makeTarGz(t, []tarEntry{{name: "a", body: "1"}, {name: "b", body: "2"}})
		_, err := ExpandArchive(data, Limits{MaxFiles: 1}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrLimitExceeded))
	})

	t.Run("enforces byte budget", func(t *testing.T) {
		data := makeTarGz(t, []tarEntry{{name: "a", body: "12345"}})
		_, err := ExpandArchive(data, Limits{MaxBytes: 4}, nil)
		require.ErrorIs(t, err, ErrLimitExceeded)
	})

	t.Run("rejects non gzip data", func(t *testing.T) {
		_, err := ExpandArchive([]byte("not an archive"), Limits{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gzip reader")
	})
}

func TestBuildTar(t *testing.T) {
	rd, err := BuildTar("workspace", []File{
		{Path: "main.py", Content: []byte("print(1)")},
		{Path: "data/in.txt", Content: []byte("in"), Mode: 0o600},
	}, Owner{UID: 65534, GID: 65534})
	require.NoError(t, err)

	tr := tar.NewReader(rd)
	seen := map[string]*tar.Header{}
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		seen[header.Name] = header
	}

	require.Contains(t, seen, "workspace/")
	require.Contains(t, seen, "workspace/data/")
	require.Contains(t, seen, "workspace/main.py")
	require.Contains(t, seen, "workspace/data/in.txt")

	assert.Equal(t, int64(DirPermission), seen["workspace/"].Mode)
	assert.Equal(t, 65534, seen["workspace/main.py"].Uid)
	assert.Equal(t, int64(FilePermission), seen["workspace/main.py"].Mode)
	assert.Equal(t, int64(0o600), seen["workspace/data/in.txt"].Mode)
}

func TestReadFirstFile(t *testing.T) {
	rd, err := BuildTar("", []File{{Path: "out/result.txt", Content: []byte("hello world")}}, Owner{})
	require.NoError(t, err)

	data, err := ReadFirstFile(rd, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)

	rd, err = BuildTar("", []File{{Path: "big.txt", Content: []byte("0123456789")}}, Owner{})
	require.NoError(t, err)
	data, err = ReadFirstFile(rd, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), data)

	rd, err = BuildTar("only-dirs", nil, Owner{})
	require.NoError(t, err)
	_, err = ReadFirstFile(rd, 0)
	require.ErrorIs(t, err, ErrNoFile)
}

func TestCompressArchiveRoundTrip(t *testing.T) {
	in := []File{{Path: "a.txt", Content: []byte("a")}, {Path: "nested/b.txt", Content: []byte("b")}}

	data, err := CompressArchive(in)
	require.NoError(t, err)

	out, err := ExpandArchive(data, Limits{}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a.txt", out[0].Path)
	assert.Equal(t, "nested/b.txt", out[1].Path)
}
