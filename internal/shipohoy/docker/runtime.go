// Package docker implements shipohoy.Runtime and shipohoy.BuilderWithEvents
// against the Docker Engine HTTP API. Podman's compatibility socket speaks the
// same API.
package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/pslog"
)

// Config configures the Docker runtime.
type Config struct {
	Address     string
	APIVersion  string
	PullTimeout time.Duration
	StopTimeout time.Duration
}

// Runtime implements shipohoy.Runtime using the Engine HTTP API.
type Runtime struct {
	client      *client
	pullTimeout time.Duration
	stopTimeout time.Duration
}

// New constructs a Docker runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "docker")
	var lastErr error
	for _, addr := range candidateAddresses(cfg.Address) {
		log.Debug("docker connect attempt", "address", addr)
		cl, err := newClient(addr, cfg.APIVersion)
		if err != nil {
			log.Warn("docker connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		if err := cl.ping(ctx); err != nil {
			log.Warn("docker ping failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		log.Info("docker connected", "address", addr, "api_version", cl.apiVersion)
		return newRuntime(cl, cfg), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no docker address candidates")
	}
	return nil, lastErr
}

func newRuntime(cl *client, cfg Config) *Runtime {
	pull := cfg.PullTimeout
	if pull <= 0 {
		pull = 5 * time.Minute
	}
	stop := cfg.StopTimeout
	if stop <= 0 {
		stop = 10 * time.Second
	}
	return &Runtime{client: cl, pullTimeout: pull, stopTimeout: stop}
}

// Close releases runtime resources.
func (r *Runtime) Close() error { return nil }

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "docker")
}

// ListContainers lists all containers, running or not, matching filter.
func (r *Runtime) ListContainers(ctx context.Context, filter shipohoy.ListFilter) ([]shipohoy.ContainerSummary, error) {
	query := url.Values{}
	query.Set("all", "1")
	filters := map[string][]string{}
	for k, v := range filter.Labels {
		if v == "" {
			filters["label"] = append(filters["label"], k)
		} else {
			filters["label"] = append(filters["label"], k+"="+v)
		}
	}
	if filter.Running {
		filters["status"] = []string{"running"}
	}
	if len(filters) > 0 {
		raw, err := json.Marshal(filters)
		if err != nil {
			return nil, err
		}
		query.Set("filters", string(raw))
	}
	res, err := r.client.do(ctx, http.MethodGet, "/containers/json", query, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return nil, readAPIError(res)
	}
	var items []containerListItem
	if err := json.NewDecoder(res.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode container list: %w", err)
	}
	out := make([]shipohoy.ContainerSummary, 0, len(items))
	for _, item := range items {
		out = append(out, shipohoy.ContainerSummary{
			ID:      item.ID,
			Name:    containerName(item),
			Image:   item.Image,
			State:   item.State,
			Labels:  item.Labels,
			Created: time.Unix(item.Created, 0).UTC(),
		})
	}
	return out, nil
}

// CreateContainer creates (but does not start) a container, pulling the image
// when the engine does not have it.
func (r *Runtime) CreateContainer(ctx context.Context, spec shipohoy.ContainerSpec) (string, error) {
	log := r.logger(ctx).With("container_name", spec.Name, "image", spec.Image)
	resp, err := r.createContainer(ctx, spec)
	if err != nil && errors.Is(err, shipohoy.ErrNotFound) {
		log.Info("docker image missing, pulling")
		if pullErr := r.EnsureImage(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = r.createContainer(ctx, spec)
	}
	if err != nil {
		log.Warn("docker create failed", "err", err)
		return "", err
	}
	for _, w := range resp.Warnings {
		log.Warn("docker create warning", "warning", w)
	}
	log.Debug("docker container created", "container", resp.ID)
	return resp.ID, nil
}

func (r *Runtime) createContainer(ctx context.Context, spec shipohoy.ContainerSpec) (createResponse, error) {
	hostConfig := map[string]any{
		"AutoRemove": spec.AutoRemove,
	}
	if spec.ResourceCaps != nil {
		if spec.ResourceCaps.MemoryBytes > 0 {
			hostConfig["Memory"] = spec.ResourceCaps.MemoryBytes
		}
		if spec.ResourceCaps.NanoCPUs > 0 {
			hostConfig["NanoCpus"] = spec.ResourceCaps.NanoCPUs
		}
	}
	body := map[string]any{
		"Image":      spec.Image,
		"Labels":     spec.Labels,
		"Env":        envMapToSlice(spec.Env),
		"HostConfig": hostConfig,
	}
	if len(spec.Command) > 0 {
		body["Cmd"] = spec.Command
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return createResponse{}, err
	}
	query := url.Values{}
	if spec.Name != "" {
		query.Set("name", spec.Name)
	}
	res, err := r.client.do(ctx, http.MethodPost, "/containers/create", query, bytes.NewReader(payload), "application/json")
	if err != nil {
		return createResponse{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return createResponse{}, readAPIError(res)
	}
	var resp createResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return createResponse{}, fmt.Errorf("decode create response: %w", err)
	}
	return resp, nil
}

// StartContainer starts a container. Starting a running container is a no-op.
func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	res, err := r.client.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/start", nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotModified {
		return nil
	}
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

// StopContainer stops a container. Stopping a stopped container is a no-op.
func (r *Runtime) StopContainer(ctx context.Context, id string) error {
	query := url.Values{}
	query.Set("t", strconv.Itoa(int(r.stopTimeout.Seconds())))
	ctx, cancel := withTimeout(ctx, r.stopTimeout+30*time.Second)
	defer cancel()
	res, err := r.client.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/stop", query, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotModified {
		return nil
	}
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

// RemoveContainer force-removes a container.
func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.do(ctx, http.MethodDelete, "/containers/"+url.PathEscape(id), query, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

// InspectContainer returns the container summary or shipohoy.ErrNotFound.
func (r *Runtime) InspectContainer(ctx context.Context, id string) (shipohoy.ContainerSummary, error) {
	info, err := r.inspectContainer(ctx, id)
	if err != nil {
		return shipohoy.ContainerSummary{}, err
	}
	created, _ := time.Parse(time.RFC3339Nano, info.Created)
	return shipohoy.ContainerSummary{
		ID:      info.ID,
		Name:    strings.TrimPrefix(info.Name, "/"),
		Image:   info.Config.Image,
		State:   info.State.Status,
		Labels:  info.Config.Labels,
		Created: created,
	}, nil
}

func (r *Runtime) inspectContainer(ctx context.Context, id string) (inspectContainer, error) {
	res, err := r.client.do(ctx, http.MethodGet, "/containers/"+url.PathEscape(id)+"/json", nil, nil, "")
	if err != nil {
		return inspectContainer{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return inspectContainer{}, readAPIError(res)
	}
	var info inspectContainer
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return inspectContainer{}, fmt.Errorf("decode inspect: %w", err)
	}
	return info, nil
}

// TailLogs returns the last spec.Tail lines of combined stdout and stderr.
func (r *Runtime) TailLogs(ctx context.Context, id string, spec shipohoy.LogSpec) (string, error) {
	info, err := r.inspectContainer(ctx, id)
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set("stdout", "1")
	query.Set("stderr", "1")
	if spec.Tail > 0 {
		query.Set("tail", strconv.Itoa(spec.Tail))
	} else {
		query.Set("tail", "all")
	}
	if spec.Timestamps {
		query.Set("timestamps", "1")
	}
	res, err := r.client.do(ctx, http.MethodGet, "/containers/"+url.PathEscape(id)+"/logs", query, nil, "")
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return "", readAPIError(res)
	}
	var buf bytes.Buffer
	if info.Config.Tty {
		_, err = io.Copy(&buf, res.Body)
	} else {
		err = copyDockerStream(res.Body, &buf, &buf)
	}
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ListImages lists top-level images.
func (r *Runtime) ListImages(ctx context.Context) ([]shipohoy.ImageSummary, error) {
	res, err := r.client.do(ctx, http.MethodGet, "/images/json", nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return nil, readAPIError(res)
	}
	var items []imageListItem
	if err := json.NewDecoder(res.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode image list: %w", err)
	}
	out := make([]shipohoy.ImageSummary, 0, len(items))
	for _, item := range items {
		var tags []string
		for _, tag := range item.RepoTags {
			if tag == "" || tag == "<none>:<none>" {
				continue
			}
			tags = append(tags, tag)
		}
		out = append(out, shipohoy.ImageSummary{
			ID:       item.ID,
			RepoTags: tags,
			Size:     item.Size,
			Created:  time.Unix(item.Created, 0).UTC(),
		})
	}
	return out, nil
}

// RemoveImage force-removes an image by reference or id.
func (r *Runtime) RemoveImage(ctx context.Context, ref string) error {
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.do(ctx, http.MethodDelete, "/images/"+escapeImagePath(ref), query, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// PruneImages removes dangling images.
func (r *Runtime) PruneImages(ctx context.Context) (shipohoy.PruneResult, error) {
	query := url.Values{}
	query.Set("filters", `{"dangling":["true"]}`)
	res, err := r.client.do(ctx, http.MethodPost, "/images/prune", query, nil, "")
	if err != nil {
		return shipohoy.PruneResult{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return shipohoy.PruneResult{}, readAPIError(res)
	}
	var resp pruneResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return shipohoy.PruneResult{}, fmt.Errorf("decode prune response: %w", err)
	}
	out := shipohoy.PruneResult{SpaceReclaimed: resp.SpaceReclaimed}
	for _, item := range resp.ImagesDeleted {
		if item.Deleted != "" {
			out.Deleted = append(out.Deleted, item.Deleted)
		}
	}
	return out, nil
}

// Info summarises the engine host.
func (r *Runtime) Info(ctx context.Context) (shipohoy.HostInfo, error) {
	var info infoResponse
	if err := r.getJSON(ctx, "/info", &info); err != nil {
		return shipohoy.HostInfo{}, err
	}
	var version versionResponse
	if err := r.getJSON(ctx, "/version", &version); err != nil {
		return shipohoy.HostInfo{}, err
	}
	return shipohoy.HostInfo{
		Containers:  info.Containers,
		Running:     info.ContainersRunning,
		Paused:      info.ContainersPaused,
		Stopped:     info.ContainersStopped,
		Images:      info.Images,
		CPUs:        info.NCPU,
		MemoryBytes: info.MemTotal,
		OS:          info.OperatingSystem,
		Version:     version.Version,
	}, nil
}

func (r *Runtime) getJSON(ctx context.Context, endpoint string, out any) error {
	res, err := r.client.do(ctx, http.MethodGet, endpoint, nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// EnsureImage pulls image unless the engine already has it.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	res, err := r.client.do(ctx, http.MethodGet, "/images/"+escapeImagePath(image)+"/json", nil, nil, "")
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
	if res.StatusCode < 300 {
		return nil
	}
	log.Info("docker image pull start")
	pullCtx, cancel := withTimeout(ctx, r.pullTimeout)
	defer cancel()
	query := url.Values{}
	name, tag := splitImageRef(image)
	query.Set("fromImage", name)
	if tag != "" {
		query.Set("tag", tag)
	}
	res, err = r.client.do(pullCtx, http.MethodPost, "/images/create", query, nil, "")
	if err != nil {
		log.Warn("docker image pull failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		err := readAPIError(res)
		log.Warn("docker image pull failed", "err", err)
		return err
	}
	if err := drainPullStream(res.Body); err != nil {
		log.Warn("docker image pull failed", "err", err)
		return err
	}
	log.Info("docker image pull ok")
	return nil
}

// drainPullStream consumes a pull progress stream and surfaces its last error.
func drainPullStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg buildResponse
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return &apiError{status: http.StatusNotFound, msg: msg.Error}
		}
	}
}

func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// copyDockerStream demultiplexes the 8-byte framed stdout/stderr stream.
func copyDockerStream(r io.Reader, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			return err
		}
	}
}

func containerName(item containerListItem) string {
	if len(item.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(item.Names[0], "/")
}

func splitImageRef(image string) (string, string) {
	image = strings.TrimSpace(image)
	if at := strings.Index(image, "@"); at >= 0 {
		return image[:at], image[at+1:]
	}
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon > slash {
		return image[:colon], image[colon+1:]
	}
	return image, ""
}
