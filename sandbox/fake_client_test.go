package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

type notFoundError struct{ what string }

func (e notFoundError) Error() string { return e.what + ": not found" }
func (notFoundError) NotFound()       {}

type containerCreateCall struct {
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
}

type copyToCall struct {
	containerID string
	path        string
	options     container.CopyToContainerOptions
	data        []byte
}

// execScript describes how one exec behaves.
type execScript struct {
	stdout   string
	stderr   string
	exitCode int
	block    bool
}

type fakeDockerClient struct {
	mu sync.Mutex

	images      map[string]bool
	pulls       []string
	createCalls []containerCreateCall
	startErr    error
	removed     []string
	removeErr   error
	copyTo      []copyToCall
	copyFrom    map[string][]byte
	listed      []types.Container
	stats       string

	execs     []execScript
	execCmds  [][]string
	stdin     map[string]*fakeConn
	execState map[string]execScript
	closed    bool
}

func newFakeDockerClient() *fakeDockerClient {
	return &fakeDockerClient{
		images:    map[string]bool{},
		copyFrom:  map[string][]byte{},
		stdin:     map[string]*fakeConn{},
		execState: map[string]execScript{},
	}
}

func (f *fakeDockerClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (*fakeDockerClient) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeDockerClient) ImageInspectWithRaw(_ context.Context, ref string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return types.ImageInspect{}, nil, notFoundError{what: ref}
	}
	return types.ImageInspect{ID: ref}, nil, nil
}

func (f *fakeDockerClient) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	f.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeDockerClient) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, containerCreateCall{name: name, config: config, hostConfig: hostConfig})
	return container.CreateResponse{ID: fmt.Sprintf("container-%d", len(f.createCalls))}, nil
}

func (f *fakeDockerClient) ContainerStart(context.Context, string, container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startErr
}

func (f *fakeDockerClient) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDockerClient) ContainerList(context.Context, container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeDockerClient) CopyToContainer(_ context.Context, id, dstPath string, content io.Reader, options container.CopyToContainerOptions) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copyTo = append(f.copyTo, copyToCall{containerID: id, path: dstPath, options: options, data: data})
	return nil
}

func (f *fakeDockerClient) CopyFromContainer(_ context.Context, id, srcPath string) (io.ReadCloser, container.PathStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.copyFrom[id+"|"+srcPath]
	if !ok {
		return nil, container.PathStat{}, notFoundError{what: srcPath}
	}
	return io.NopCloser(bytes.NewReader(data)), container.PathStat{Name: srcPath}, nil
}

func (f *fakeDockerClient) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.execs) == 0 {
		return types.IDResponse{}, errors.New("no exec scripted")
	}
	id := fmt.Sprintf("exec-%d", len(f.execCmds))
	f.execCmds = append(f.execCmds, options.Cmd)
	f.execState[id] = f.execs[0]
	f.execs = f.execs[1:]
	return types.IDResponse{ID: id}, nil
}

func (f *fakeDockerClient) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	script := f.execState[execID]
	f.mu.Unlock()

	if script.block {
		client, server := net.Pipe()
		go func() {
			// Drain stdin until the client side closes.
			_, _ = io.Copy(io.Discard, server)
		}()
		return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
	}

	var buf bytes.Buffer
	if script.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(script.stdout))
	}
	if script.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(script.stderr))
	}
	conn := &fakeConn{}
	f.mu.Lock()
	f.stdin[execID] = conn
	f.mu.Unlock()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeDockerClient) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.ExecInspect{ExecID: execID, ExitCode: f.execState[execID].exitCode}, nil
}

func (f *fakeDockerClient) ContainerStats(context.Context, string, bool) (container.StatsResponseReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader(f.stats)), OSType: "linux"}, nil
}

func (f *fakeDockerClient) stdinOf(execID string) string {
	f.mu.Lock()
	conn := f.stdin[execID]
	f.mu.Unlock()
	if conn == nil {
		return ""
	}
	return conn.written()
}

type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (c *fakeConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *fakeConn) written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) CloseWrite() error { return nil }

func (*fakeConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (*fakeConn) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (*fakeConn) SetDeadline(time.Time) error      { return nil }
func (*fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (*fakeConn) SetWriteDeadline(time.Time) error { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return string(a) }
func (a fakeAddr) String() string  { return string(a) }

func tarEntries(data []byte) (map[string]*tar.Header, error) {
	entries := map[string]*tar.Header{}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries[h.Name] = h
	}
}

func singleFileTar(name, content string) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg})
	_, _ = tw.Write([]byte(content))
	_ = tw.Close()
	return buf.Bytes()
}
