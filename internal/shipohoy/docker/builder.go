package docker

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/pslog"
)

// Builder implements shipohoy.BuilderWithEvents using the Engine /build
// endpoint.
type Builder struct {
	client *client
}

// Builder returns a builder sharing the runtime's connection.
func (r *Runtime) Builder() *Builder {
	return &Builder{client: r.client}
}

// BuildWithEvents builds an image and streams progress events. events may be
// nil.
func (b *Builder) BuildWithEvents(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "docker")
	if len(spec.Tags) == 0 {
		log.Warn("docker build rejected", "reason", "missing tags")
		return shipohoy.BuildResult{}, errors.New("build tags are required")
	}
	contextDir := spec.ContextDir
	if contextDir == "" {
		log.Warn("docker build rejected", "reason", "missing context")
		return shipohoy.BuildResult{}, errors.New("build context is required")
	}
	dockerfilePath := spec.ContainerfilePath
	if dockerfilePath == "" {
		dockerfilePath = filepath.Join(contextDir, "Dockerfile")
	}
	relDockerfile, err := filepath.Rel(contextDir, dockerfilePath)
	if err != nil || strings.HasPrefix(relDockerfile, "..") {
		log.Warn("docker build rejected", "reason", "dockerfile outside context", "path", dockerfilePath)
		return shipohoy.BuildResult{}, fmt.Errorf("dockerfile must be within context: %s", dockerfilePath)
	}

	cl := b.client
	if cl == nil {
		log.Warn("docker build rejected", "reason", "no engine connection")
		return shipohoy.BuildResult{}, errors.New("docker builder is not connected")
	}

	ctx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()
	log.Info("docker build start", "tags", len(spec.Tags))

	tarStream := buildContextTar(contextDir)
	defer func() { _ = tarStream.Close() }()

	query := url.Values{}
	query.Set("dockerfile", filepath.ToSlash(relDockerfile))
	for _, tag := range spec.Tags {
		query.Add("t", tag)
	}
	if len(spec.BuildArgs) > 0 {
		args, err := json.Marshal(spec.BuildArgs)
		if err != nil {
			return shipohoy.BuildResult{}, err
		}
		query.Set("buildargs", string(args))
	}

	res, err := cl.do(ctx, http.MethodPost, "/build", query, tarStream, "application/x-tar")
	if err != nil {
		log.Warn("docker build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		err := readAPIError(res)
		log.Warn("docker build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}

	if err := decodeBuildStream(ctx, res.Body, events); err != nil {
		log.Warn("docker build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}
	log.Info("docker build ok", "tags", len(spec.Tags))
	return shipohoy.BuildResult{ImageNames: spec.Tags}, nil
}

func buildContextTar(root string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == root {
				return nil
			}
			if d.IsDir() && d.Name() == ".git" {
				return filepath.SkipDir
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			link := ""
			if info.Mode()&fs.ModeSymlink != 0 {
				if link, err = os.Readlink(path); err != nil {
					return err
				}
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if info.Mode().IsRegular() {
				file, err := os.Open(path)
				if err != nil {
					return err
				}
				_, err = io.Copy(tw, file)
				_ = file.Close()
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			err = tw.Close()
		}
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.Close()
	}()
	return pr
}

// decodeBuildStream turns the engine's JSON progress lines into build events.
// Stream text is passed through unmodified; undecodable lines become raw
// events; an error line ends the build.
func decodeBuildStream(ctx context.Context, body io.Reader, events chan<- shipohoy.BuildEvent) error {
	const maxLine = 1024 * 1024
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var resp buildResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			sendBuildEvent(ctx, events, shipohoy.BuildEvent{
				Kind:      shipohoy.BuildEventRaw,
				Message:   line,
				Timestamp: time.Now(),
			})
			continue
		}
		if resp.Error != "" || resp.ErrorDetail.Message != "" {
			msg := resp.Error
			if msg == "" {
				msg = resp.ErrorDetail.Message
			}
			sendBuildEvent(ctx, events, shipohoy.BuildEvent{
				Kind:      shipohoy.BuildEventError,
				Error:     msg,
				Timestamp: time.Now(),
			})
			return errors.New(msg)
		}
		switch {
		case resp.Stream != "":
			sendBuildEvent(ctx, events, shipohoy.BuildEvent{
				Kind:      shipohoy.BuildEventLog,
				Message:   resp.Stream,
				Timestamp: time.Now(),
			})
		case resp.Status != "":
			sendBuildEvent(ctx, events, shipohoy.BuildEvent{
				Kind:      shipohoy.BuildEventLog,
				Message:   resp.Status + "\n",
				Timestamp: time.Now(),
			})
		}
	}
	return scanner.Err()
}

// sendBuildEvent blocks until the event is delivered or ctx ends.
func sendBuildEvent(ctx context.Context, events chan<- shipohoy.BuildEvent, event shipohoy.BuildEvent) {
	if events == nil {
		return
	}
	select {
	case <-ctx.Done():
	case events <- event:
	}
}
