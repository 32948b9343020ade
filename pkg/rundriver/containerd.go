// Package rundriver wraps containerd as the engine's Container Driver: the
// abstraction the Task Pipeline and Session Registry use to create, exec
// into, stream logs from, stop, and remove containers. Unknown container
// ids on Stop/Remove/Status are logged and swallowed, never returned as an
// error: the driver never blocks cleanup on a target that is already gone.
package rundriver

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/Yuanxyyds/steven-universe/pkg/telelog"
)

const (
	// Namespace is the containerd namespace the engine operates in.
	Namespace = "gpuengine"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Container labels. CreateOneoff stamps LabelTaskID and CreateSession
// stamps LabelSessionID; LabelCapabilityClass is defined but neither create
// call sets it, and nothing in the engine looks containers up by label.
const (
	LabelTaskID          = "gpuengine.task_id"
	LabelSessionID       = "gpuengine.session_id"
	LabelCapabilityClass = "gpuengine.capability_class"
)

// Status is the driver's view of one container's lifecycle.
type Status struct {
	State      string // "running", "stopped", "pending"
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   uint32
}

// ResourceLimits caps CPU and memory for a launched container.
type ResourceLimits struct {
	CPULimit      float64 // cores
	MemoryLimitMB int64
}

// Driver implements the Container Driver against containerd.
type Driver struct {
	client    *containerd.Client
	namespace string

	mu      sync.Mutex
	streams map[string]*logStream
}

// logStream is the live stdio tap for one container, created alongside its
// task so log bytes are never missed between container start and the first
// StreamLogs call.
type logStream struct {
	reader  *io.PipeReader
	hasher  hash.Hash
	counter *byteCounter
}

// New connects to the containerd daemon over socketPath.
func New(socketPath string) (*Driver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd: %w", err)
	}

	return &Driver{client: client, namespace: Namespace, streams: make(map[string]*logStream)}, nil
}

// Close closes the containerd client connection.
func (d *Driver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *Driver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

func resourceOpts(limits ResourceLimits) []oci.SpecOpts {
	var opts []oci.SpecOpts
	if limits.CPULimit > 0 {
		shares := uint64(limits.CPULimit * 1024)
		quota := int64(limits.CPULimit * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if limits.MemoryLimitMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(limits.MemoryLimitMB)*1024*1024))
	}
	return opts
}

// CreateOneoff creates and starts a container for a single task, bound to
// exactly one device by numeric id. The container is not removed when its
// task exits; only Remove deletes it.
func (d *Driver) CreateOneoff(ctx context.Context, taskID string, deviceID int, image string, command, env []string, limits ResourceLimits) (string, error) {
	ctx = d.ctx(ctx)

	img, err := d.client.GetImage(ctx, image)
	if err != nil {
		img, err = d.client.Pull(ctx, image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("pulling image %s: %w", image, err)
		}
	}

	opts := append([]oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(append(env, fmt.Sprintf("GPUENGINE_DEVICE_ID=%d", deviceID))),
	}, resourceOpts(limits)...)
	if len(command) > 0 {
		opts = append(opts, oci.WithProcessArgs(command...))
	}

	containerID := fmt.Sprintf("task-%s", taskID)
	ctrdContainer, err := d.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(containerID+"-snapshot", img),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			LabelTaskID: taskID,
		}),
	)
	if err != nil {
		return "", fmt.Errorf("creating one-off container: %w", err)
	}

	if err := d.startTask(ctx, ctrdContainer); err != nil {
		return "", err
	}

	return ctrdContainer.ID(), nil
}

// CreateSession creates a long-lived container for a session, bound to one
// device and one model. The caller (Session Registry), not the driver,
// destroys it.
func (d *Driver) CreateSession(ctx context.Context, sessionID string, deviceID int, image string, command, env []string, modelHostPath string, limits ResourceLimits) (string, error) {
	ctx = d.ctx(ctx)

	img, err := d.client.GetImage(ctx, image)
	if err != nil {
		img, err = d.client.Pull(ctx, image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("pulling image %s: %w", image, err)
		}
	}

	opts := append([]oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(append(env, fmt.Sprintf("GPUENGINE_DEVICE_ID=%d", deviceID))),
	}, resourceOpts(limits)...)
	if len(command) > 0 {
		opts = append(opts, oci.WithProcessArgs(command...))
	}
	if modelHostPath != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Source:      modelHostPath,
			Destination: "/model",
			Type:        "bind",
			Options:     []string{"ro", "bind"},
		}}))
	}

	containerID := fmt.Sprintf("session-%s", sessionID)
	ctrdContainer, err := d.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(containerID+"-snapshot", img),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			LabelSessionID: sessionID,
		}),
	)
	if err != nil {
		return "", fmt.Errorf("creating session container: %w", err)
	}

	if err := d.startTask(ctx, ctrdContainer); err != nil {
		return "", err
	}

	return ctrdContainer.ID(), nil
}

// startTask creates and starts the container's task with its combined
// stdout/stderr tapped into a logStream registered under the container's
// id, so StreamLogs can be called at any point after creation without
// missing output emitted before the first call.
func (d *Driver) startTask(ctx context.Context, ctrdContainer containerd.Container) error {
	pr, pw := io.Pipe()
	hasher := sha256.New()
	counter := &byteCounter{}
	tee := io.MultiWriter(pw, hasher, counter)

	task, err := ctrdContainer.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, tee, tee)))
	if err != nil {
		pr.Close()
		return fmt.Errorf("creating task: %w", err)
	}

	d.mu.Lock()
	d.streams[ctrdContainer.ID()] = &logStream{reader: pr, hasher: hasher, counter: counter}
	d.mu.Unlock()

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("starting task: %w", err)
	}

	go func() {
		statusC, err := task.Wait(ctx)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		<-statusC
		pw.Close()
	}()

	return nil
}

// Exec runs command inside a running container and returns its combined
// stdout. Used to deliver worker commands for session tasks; the driver
// guarantees only that the write happens once, not how the worker consumes
// it.
func (d *Driver) Exec(ctx context.Context, containerID string, command []string) (string, error) {
	ctx = d.ctx(ctx)

	ctrdContainer, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("loading container %s: %w", containerID, err)
	}

	task, err := ctrdContainer.Task(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("loading task for %s: %w", containerID, err)
	}

	var stdout outputBuffer
	process, err := task.Exec(ctx, fmt.Sprintf("exec-%d", time.Now().UnixNano()), &specs.Process{Args: command}, cio.NewCreator(cio.WithStreams(nil, &stdout, &stdout)))
	if err != nil {
		return "", fmt.Errorf("exec in %s: %w", containerID, err)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("waiting for exec in %s: %w", containerID, err)
	}
	if err := process.Start(ctx); err != nil {
		return "", fmt.Errorf("starting exec in %s: %w", containerID, err)
	}
	<-statusC

	return stdout.String(), nil
}

// outputBuffer is a minimal io.Writer sink for Exec's combined output.
type outputBuffer struct {
	data []byte
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *outputBuffer) String() string { return string(b.data) }

// LogLine is one line read from a container's combined stdout/stderr.
type LogLine struct {
	Text string
	Err  error // non-nil only on the final sentinel value
}

// StreamLogs returns a channel of newline-trimmed, UTF-8 lines from the
// container's combined stdout and stderr, and a function returning the
// rolling SHA-256 digest and byte count seen so far. This is the bridge
// between containerd's blocking cio stream (the producer regime, wired in
// startTask at container creation) and the channel-based consumer the
// Event Parser reads from (the second regime): a bufio.Scanner goroutine
// reads the container's stdio pipe and forwards each line onto the
// channel, closing it with a sentinel LogLine carrying the terminal error
// (io.EOF on normal exit) once the underlying stream closes.
//
// Only one caller may stream a given container's logs at a time; the pipe
// is consumed, not broadcast.
func (d *Driver) StreamLogs(ctx context.Context, containerID string) (<-chan LogLine, func() (digest string, bytesSeen int64), error) {
	d.mu.Lock()
	stream, ok := d.streams[containerID]
	d.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("no log stream registered for container %s", containerID)
	}

	lines := make(chan LogLine, 64)

	go func() {
		scanner := bufio.NewScanner(stream.reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- LogLine{Text: scanner.Text()}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		lines <- LogLine{Err: err}
		close(lines)
	}()

	return lines, func() (string, int64) {
		return hex.EncodeToString(stream.hasher.Sum(nil)), stream.counter.n
	}, nil
}

type byteCounter struct{ n int64 }

func (c *byteCounter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// Stop sends SIGTERM and waits up to graceSeconds (10 when graceSeconds is
// zero or less) before SIGKILL. Unknown container id is a warning, not an
// error.
func (d *Driver) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	ctx = d.ctx(ctx)
	log := telelog.WithComponent("rundriver")

	ctrdContainer, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		log.Warn().Str("container_id", containerID).Msg("stop: container not found")
		return nil
	}

	task, err := ctrdContainer.Task(ctx, nil)
	if err != nil {
		// No task means it's not running; nothing to stop.
		return nil
	}

	grace := time.Duration(graceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to %s: %w", containerID, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("waiting for %s to exit: %w", containerID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("sending SIGKILL to %s: %w", containerID, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("deleting task after stop")
	}

	d.mu.Lock()
	delete(d.streams, containerID)
	d.mu.Unlock()

	return nil
}

// Remove deletes a container and its snapshot. Unknown container id is a
// warning, not an error.
func (d *Driver) Remove(ctx context.Context, containerID string, force bool) error {
	ctx = d.ctx(ctx)
	log := telelog.WithComponent("rundriver")

	ctrdContainer, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		log.Warn().Str("container_id", containerID).Msg("remove: container not found")
		return nil
	}

	if force {
		_ = d.Stop(ctx, containerID, 0)
	}

	if err := ctrdContainer.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("deleting container %s: %w", containerID, err)
	}

	return nil
}

// Status returns a container's current lifecycle status. Unknown container
// id returns (nil, nil): a warning-level condition, not an error.
func (d *Driver) Status(ctx context.Context, containerID string) (*Status, error) {
	ctx = d.ctx(ctx)
	log := telelog.WithComponent("rundriver")

	ctrdContainer, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		log.Warn().Str("container_id", containerID).Msg("status: container not found")
		return nil, nil
	}

	task, err := ctrdContainer.Task(ctx, nil)
	if err != nil {
		return &Status{State: "pending"}, nil
	}

	taskStatus, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting task status for %s: %w", containerID, err)
	}

	switch taskStatus.Status {
	case containerd.Running, containerd.Paused:
		return &Status{State: "running"}, nil
	case containerd.Stopped:
		return &Status{State: "stopped", ExitCode: taskStatus.ExitStatus}, nil
	default:
		return &Status{State: "pending"}, nil
	}
}
