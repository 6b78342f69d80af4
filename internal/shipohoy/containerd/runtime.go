// Package containerd implements shipohoy.Runtime against a containerd daemon.
// Container names double as containerd ids. Logs are captured in memory from
// the task's stdio, so only output produced while this process is attached is
// available.
package containerd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/core/images"
	transferimage "github.com/containerd/containerd/v2/core/transfer/image"
	"github.com/containerd/containerd/v2/core/transfer/registry"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/pslog"
)

// Config configures the containerd runtime.
type Config struct {
	Address        string
	Namespace      string
	PullTimeout    time.Duration
	StopTimeout    time.Duration
	LogBufferBytes int
}

// DefaultNamespace is used when Config.Namespace is empty.
const DefaultNamespace = "berth"

// Runtime implements shipohoy.Runtime using containerd.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	pullTimeout time.Duration
	stopTimeout time.Duration
	logBytes    int

	logsMu sync.Mutex
	logs   map[string]*logCapture
}

// New constructs a containerd runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "containerd")
	var lastErr error
	for _, addr := range candidateAddresses(cfg.Address, "containerd") {
		log.Debug("containerd connect attempt", "address", addr)
		client, err := containerd.New(addr)
		if err != nil {
			log.Warn("containerd connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		rt := &Runtime{
			client:      client,
			namespace:   cfg.Namespace,
			pullTimeout: cfg.PullTimeout,
			stopTimeout: cfg.StopTimeout,
			logBytes:    cfg.LogBufferBytes,
			logs:        make(map[string]*logCapture),
		}
		if rt.namespace == "" {
			rt.namespace = DefaultNamespace
		}
		if rt.pullTimeout <= 0 {
			rt.pullTimeout = 5 * time.Minute
		}
		if rt.stopTimeout <= 0 {
			rt.stopTimeout = 10 * time.Second
		}
		if rt.logBytes <= 0 {
			rt.logBytes = defaultLogBufferBytes
		}
		log.Info("containerd runtime ready", "address", addr, "namespace", rt.namespace)
		return rt, nil
	}
	if lastErr == nil {
		lastErr = errors.New("containerd address not configured")
	}
	log.Warn("containerd runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases the containerd client.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

func notFound(err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", shipohoy.ErrNotFound, err)
	}
	return err
}

// ListContainers lists containers in the namespace matching filter.
func (r *Runtime) ListContainers(ctx context.Context, filter shipohoy.ListFilter) ([]shipohoy.ContainerSummary, error) {
	ctx = r.ns(ctx)
	list, err := r.client.Containers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]shipohoy.ContainerSummary, 0, len(list))
	for _, container := range list {
		info, err := container.Info(ctx)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !filter.Matches(info.Labels) {
			continue
		}
		summary := r.summarize(ctx, container, info)
		if filter.Running && !summary.Running() {
			continue
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (r *Runtime) summarize(ctx context.Context, container containerd.Container, info containers.Container) shipohoy.ContainerSummary {
	return shipohoy.ContainerSummary{
		ID:      info.ID,
		Name:    info.ID,
		Image:   familiarName(info.Image),
		State:   taskState(ctx, container),
		Labels:  info.Labels,
		Created: info.CreatedAt,
	}
}

func taskState(ctx context.Context, container containerd.Container) string {
	task, err := container.Task(ctx, nil)
	if err != nil {
		return "created"
	}
	status, err := task.Status(ctx)
	if err != nil {
		return "unknown"
	}
	switch status.Status {
	case containerd.Running:
		return "running"
	case containerd.Paused, containerd.Pausing:
		return "paused"
	case containerd.Stopped:
		return "exited"
	default:
		return string(status.Status)
	}
}

// CreateContainer pulls the image if needed and creates the container without
// starting a task.
func (r *Runtime) CreateContainer(ctx context.Context, spec shipohoy.ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return "", errors.New("container image is required")
	}
	id := strings.TrimSpace(spec.Name)
	if id == "" {
		id = uuid.NewString()
	}
	log := r.logger(ctx).With("container", id, "image", spec.Image)
	ctx = r.ns(ctx)
	image, err := r.ensureImage(ctx, spec.Image)
	if err != nil {
		log.Warn("containerd ensure image failed", "err", err)
		return "", err
	}
	specOpts := append([]oci.SpecOpts{oci.WithImageConfig(image)}, specOptions(spec)...)
	container, err := r.client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithContainerLabels(spec.Labels),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		log.Warn("containerd create container failed", "err", err)
		return "", err
	}
	log.Info("containerd container created")
	return container.ID(), nil
}

func (r *Runtime) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	name := normalizeRef(ref)
	img, err := r.client.GetImage(ctx, name)
	if err == nil {
		if err := img.Unpack(ctx, ""); err != nil && !errdefs.IsAlreadyExists(err) {
			return nil, err
		}
		return img, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	log := r.logger(ctx).With("image", name)
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	log.Info("containerd image pull start")
	pulled, err := r.pullWithTransfer(pullCtx, name)
	if err == nil {
		log.Info("containerd image pull ok", "method", "transfer")
		return pulled, nil
	}
	log.Debug("containerd transfer pull failed", "err", err)
	img, err = r.client.Pull(pullCtx, name, containerd.WithPullUnpack)
	if err != nil {
		log.Warn("containerd image pull failed", "err", err)
		return nil, notFound(err)
	}
	log.Info("containerd image pull ok", "method", "pull")
	return img, nil
}

func (r *Runtime) pullWithTransfer(ctx context.Context, image string) (containerd.Image, error) {
	store := transferimage.NewStore(image, transferimage.WithUnpack(platforms.DefaultSpec(), ""))
	reg, err := registry.NewOCIRegistry(ctx, image)
	if err != nil {
		return nil, err
	}
	if err := r.client.Transfer(ctx, reg, store); err != nil {
		return nil, err
	}
	return r.client.GetImage(ctx, image)
}

// StartContainer starts the container's task, replacing an exited one.
func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	log := r.logger(ctx).With("container", id)
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return notFound(err)
	}
	task, err := container.Task(ctx, nil)
	if err == nil {
		status, err := task.Status(ctx)
		if err != nil {
			return err
		}
		switch status.Status {
		case containerd.Running:
			return nil
		case containerd.Paused:
			return task.Resume(ctx)
		case containerd.Created:
			return task.Start(ctx)
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	} else if !errdefs.IsNotFound(err) {
		return err
	}
	capture := r.logCapture(id)
	task, err = container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, capture, capture)))
	if err != nil {
		log.Warn("containerd task create failed", "err", err)
		return err
	}
	if err := task.Start(ctx); err != nil {
		log.Warn("containerd task start failed", "err", err)
		_, _ = task.Delete(ctx)
		return err
	}
	log.Info("containerd task started", "pid", task.Pid())
	return nil
}

// StopContainer sends SIGTERM, then SIGKILL after the stop timeout. The
// exited task is kept so the container reports as stopped.
func (r *Runtime) StopContainer(ctx context.Context, id string) error {
	log := r.logger(ctx).With("container", id)
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return notFound(err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	status, err := task.Status(ctx)
	if err != nil {
		return err
	}
	if status.Status == containerd.Stopped || status.Status == containerd.Created {
		return nil
	}
	exitCh, err := task.Wait(ctx)
	if err != nil {
		return err
	}
	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	select {
	case <-exitCh:
	case <-time.After(r.stopTimeout):
		log.Info("containerd stop escalating", "signal", "SIGKILL")
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		select {
		case <-exitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info("containerd stop ok")
	return nil
}

// RemoveContainer kills any task and deletes the container and its snapshot.
func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	log := r.logger(ctx).With("container", id)
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return notFound(err)
	}
	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn("containerd task delete failed", "err", err)
			return err
		}
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		log.Warn("containerd remove failed", "err", err)
		return notFound(err)
	}
	r.clearLogCapture(id)
	log.Info("containerd remove ok")
	return nil
}

// InspectContainer returns the container summary or shipohoy.ErrNotFound.
func (r *Runtime) InspectContainer(ctx context.Context, id string) (shipohoy.ContainerSummary, error) {
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return shipohoy.ContainerSummary{}, notFound(err)
	}
	info, err := container.Info(ctx)
	if err != nil {
		return shipohoy.ContainerSummary{}, notFound(err)
	}
	return r.summarize(ctx, container, info), nil
}

// TailLogs returns the captured output tail. Lines are stamped as they
// arrive; the stamp is stripped unless spec.Timestamps is set.
func (r *Runtime) TailLogs(ctx context.Context, id string, spec shipohoy.LogSpec) (string, error) {
	ctx = r.ns(ctx)
	if _, err := r.client.LoadContainer(ctx, id); err != nil {
		return "", notFound(err)
	}
	r.logsMu.Lock()
	capture := r.logs[id]
	r.logsMu.Unlock()
	if capture == nil {
		return "", nil
	}
	return capture.tail(spec.Tail, spec.Timestamps), nil
}

// ListImages groups image records by target digest.
func (r *Runtime) ListImages(ctx context.Context) ([]shipohoy.ImageSummary, error) {
	ctx = r.ns(ctx)
	list, err := r.client.ImageService().List(ctx)
	if err != nil {
		return nil, err
	}
	byDigest := map[string]*shipohoy.ImageSummary{}
	var order []string
	for _, img := range list {
		id := img.Target.Digest.String()
		summary := byDigest[id]
		if summary == nil {
			handle := containerd.NewImage(r.client, img)
			size, err := handle.Size(ctx)
			if err != nil {
				size = img.Target.Size
			}
			created := img.CreatedAt
			if cfg, err := handle.Spec(ctx); err == nil {
				created = imageCreated(cfg, img.CreatedAt)
			}
			summary = &shipohoy.ImageSummary{ID: id, Size: size, Created: created}
			byDigest[id] = summary
			order = append(order, id)
		}
		if !isDangling(img.Name) {
			summary.RepoTags = append(summary.RepoTags, familiarName(img.Name))
		}
	}
	out := make([]shipohoy.ImageSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byDigest[id])
	}
	return out, nil
}

// imageCreated prefers the build time recorded in the image config over the
// time the record was written to this daemon.
func imageCreated(cfg ocispec.Image, fallback time.Time) time.Time {
	if cfg.Created == nil || cfg.Created.IsZero() {
		return fallback
	}
	return *cfg.Created
}

// RemoveImage deletes one image name, or every name of a digest when ref is
// an image id.
func (r *Runtime) RemoveImage(ctx context.Context, ref string) error {
	ctx = r.ns(ctx)
	svc := r.client.ImageService()
	if strings.HasPrefix(ref, "sha256:") {
		list, err := svc.List(ctx)
		if err != nil {
			return err
		}
		removed := 0
		for _, img := range list {
			if img.Target.Digest.String() != ref {
				continue
			}
			if err := svc.Delete(ctx, img.Name, images.SynchronousDelete()); err != nil && !errdefs.IsNotFound(err) {
				return err
			}
			removed++
		}
		if removed == 0 {
			return fmt.Errorf("%w: image %s", shipohoy.ErrNotFound, ref)
		}
		return nil
	}
	return notFound(svc.Delete(ctx, normalizeRef(ref), images.SynchronousDelete()))
}

// PruneImages removes image records that carry no tag.
func (r *Runtime) PruneImages(ctx context.Context) (shipohoy.PruneResult, error) {
	ctx = r.ns(ctx)
	svc := r.client.ImageService()
	list, err := svc.List(ctx)
	if err != nil {
		return shipohoy.PruneResult{}, err
	}
	var res shipohoy.PruneResult
	for _, img := range list {
		if !isDangling(img.Name) {
			continue
		}
		size, _ := containerd.NewImage(r.client, img).Size(ctx)
		if err := svc.Delete(ctx, img.Name, images.SynchronousDelete()); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return res, err
		}
		res.Deleted = append(res.Deleted, img.Target.Digest.String())
		if size > 0 {
			res.SpaceReclaimed += uint64(size)
		}
	}
	return res, nil
}

// Info summarises the daemon and the host it shares with this process.
func (r *Runtime) Info(ctx context.Context) (shipohoy.HostInfo, error) {
	list, err := r.ListContainers(ctx, shipohoy.ListFilter{})
	if err != nil {
		return shipohoy.HostInfo{}, err
	}
	info := shipohoy.HostInfo{
		Containers: len(list),
		CPUs:       runtime.NumCPU(),
		OS:         runtime.GOOS,
	}
	for _, c := range list {
		switch c.State {
		case "running":
			info.Running++
		case "paused":
			info.Paused++
		default:
			info.Stopped++
		}
	}
	imgs, err := r.ListImages(ctx)
	if err != nil {
		return shipohoy.HostInfo{}, err
	}
	info.Images = len(imgs)
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		info.MemoryBytes = int64(si.Totalram) * int64(si.Unit)
	}
	version, err := r.client.Version(r.ns(ctx))
	if err != nil {
		return shipohoy.HostInfo{}, err
	}
	info.Version = version.Version
	return info, nil
}

func specOptions(spec shipohoy.ContainerSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{}
	if env := flattenEnv(spec.Env); len(env) > 0 {
		opts = append(opts, oci.WithEnv(env))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.ResourceCaps != nil {
		opts = append(opts, withResources(*spec.ResourceCaps))
	}
	return opts
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

func withResources(caps shipohoy.ResourceCaps) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, spec *specs.Spec) error {
		if spec.Linux == nil {
			spec.Linux = &specs.Linux{}
		}
		if spec.Linux.Resources == nil {
			spec.Linux.Resources = &specs.LinuxResources{}
		}
		if caps.MemoryBytes > 0 {
			limit := caps.MemoryBytes
			spec.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &limit}
		}
		if caps.NanoCPUs > 0 {
			period := uint64(100000)
			quota := caps.NanoCPUs * int64(period) / 1_000_000_000
			spec.Linux.Resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
		}
		return nil
	}
}

// normalizeRef expands a familiar reference ("nginx:1") to the fully
// qualified name containerd stores ("docker.io/library/nginx:1").
func normalizeRef(ref string) string {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return reference.TagNameOnly(named).String()
}

// familiarName is the inverse of normalizeRef.
func familiarName(name string) string {
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return name
	}
	return reference.FamiliarString(named)
}

// isDangling reports whether an image record has no usable tag.
func isDangling(name string) bool {
	if name == "" || strings.HasPrefix(name, "<none>") {
		return true
	}
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return true
	}
	_, tagged := named.(reference.Tagged)
	return !tagged
}

func candidateAddresses(primary string, name string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = normalizeAddress(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add(filepath.Join(runtimeDir, name, name+".sock"))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(filepath.Join(userRunDir, name, name+".sock"))
	}
	add(filepath.Join("/run", name, name+".sock"))
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "unix://")
	addr = strings.TrimPrefix(addr, "unix:")
	return addr
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd")
}
