package workspace

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
)

// File permission constants
const (
	DirPermission  = 0o777
	FilePermission = 0o644
	ExecPermission = 0o755
)

// Limits bounds what an expanded archive may contain.
type Limits struct {
	MaxFiles int
	MaxBytes int64
}

// Owner is the numeric identity written into tar headers so that a non-root
// sandbox user can modify the uploaded workspace.
type Owner struct {
	UID int
	GID int
}

// ErrLimitExceeded is returned when an archive holds more files or bytes than allowed.
var ErrLimitExceeded = errors.New("workspace limit exceeded")

// ExpandArchive decompresses a tar.gz archive into a list of files.
// Directory entries are implied by file paths and dropped. Entries matching
// one of the exclude patterns are skipped. Links and devices are rejected.
func ExpandArchive(data []byte, limits Limits, exclude []string) ([]File, error) {
	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	var (
		files []File
		total int64
	)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if _, err := CleanPath(header.Name); err != nil && path.Clean(header.Name) != "." {
				return nil, fmt.Errorf("invalid directory in archive: %w", err)
			}
			continue
		case tar.TypeReg:
		default:
			return nil, fmt.Errorf("unsupported file type in tar: %c (%s)", header.Typeflag, header.Name)
		}

		name, err := CleanPath(header.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid file in archive: %w", err)
		}
		if ShouldExclude(name, exclude) {
			continue
		}

		if limits.MaxFiles > 0 && len(files)+1 > limits.MaxFiles {
			return nil, fmt.Errorf("%w: more than %d files", ErrLimitExceeded, limits.MaxFiles)
		}
		total += header.Size
		if limits.MaxBytes > 0 && total > limits.MaxBytes {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrLimitExceeded, limits.MaxBytes)
		}

		content := make([]byte, header.Size)
		if _, err := io.ReadFull(tarReader, content); err != nil {
			return nil, fmt.Errorf("failed to read file content: %w", err)
		}

		files = append(files, File{Path: name, Content: content, Mode: header.Mode & 0o777})
	}

	return files, nil
}

// BuildTar packs files under root into an uncompressed tar stream. Parent
// directories are emitted explicitly, world-writable and owned by owner.
func BuildTar(root string, files []File, owner Owner) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	dirs := map[string]struct{}{}
	if root != "" {
		dirs[root] = struct{}{}
	}
	for _, file := range files {
		for dir := path.Dir(path.Join(root, file.Path)); dir != "." && dir != "/" && dir != ""; dir = path.Dir(dir) {
			dirs[dir] = struct{}{}
		}
	}

	sortedDirs := make([]string, 0, len(dirs))
	for dir := range dirs {
		sortedDirs = append(sortedDirs, dir)
	}
	sort.Strings(sortedDirs)

	for _, dir := range sortedDirs {
		header := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     dir + "/",
			Mode:     DirPermission,
			Uid:      owner.UID,
			Gid:      owner.GID,
			ModTime:  now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write tar header: %w", err)
		}
	}

	for _, file := range files {
		mode := file.Mode
		if mode == 0 {
			mode = FilePermission
		}

		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(root, file.Path),
			Mode:     mode,
			Size:     int64(len(file.Content)),
			Uid:      owner.UID,
			Gid:      owner.GID,
			ModTime:  now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(file.Content); err != nil {
			return nil, fmt.Errorf("write tar contents: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}

	return bytes.NewReader(buf.Bytes()), nil
}

// ReadFirstFile returns the content of the first regular file in a tar stream,
// reading at most maxBytes of it (0 means unbounded).
func ReadFirstFile(r io.Reader, maxBytes int64) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		var src io.Reader = tr
		if maxBytes > 0 {
			src = io.LimitReader(tr, maxBytes)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, fmt.Errorf("read file contents: %w", err)
		}
		return data, nil
	}

	return nil, ErrNoFile
}

// ErrNoFile is returned by ReadFirstFile when the stream holds no regular file.
var ErrNoFile = errors.New("no regular file in archive")

// CompressArchive packs files into a tar.gz archive. It is the inverse of ExpandArchive.
func CompressArchive(files []File) ([]byte, error) {
	rd, err := BuildTar("", files, Owner{})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzipWriter, rd); err != nil {
		return nil, fmt.Errorf("compress archive: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}
