package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"pkt.systems/berth/internal/shipohoy"
)

// DefaultAPIVersion is the Engine API version requested when none is configured.
const DefaultAPIVersion = "v1.43"

// client wraps the Docker Engine HTTP API.
type client struct {
	address    string
	apiVersion string
	baseURL    *url.URL
	http       *http.Client
}

func newClient(address, apiVersion string) (*client, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return nil, errors.New("docker address is required")
	}
	baseURL, transport, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	apiVersion = strings.TrimSpace(apiVersion)
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	if !strings.HasPrefix(apiVersion, "v") {
		apiVersion = "v" + apiVersion
	}
	return &client{
		address:    addr,
		apiVersion: apiVersion,
		baseURL:    baseURL,
		http: &http.Client{
			Transport: transport,
			Timeout:   0,
		},
	}, nil
}

func (c *client) ping(ctx context.Context) error {
	res, err := c.do(ctx, http.MethodGet, "/_ping", nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

func parseAddress(addr string) (*url.URL, *http.Transport, error) {
	if strings.HasPrefix(addr, "unix://") {
		socket := strings.TrimPrefix(addr, "unix://")
		if socket == "" {
			return nil, nil, errors.New("docker unix socket path is required")
		}
		transport := &http.Transport{
			DisableCompression: true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socket)
			},
		}
		baseURL, _ := url.Parse("http://unix")
		return baseURL, transport, nil
	}
	if strings.HasPrefix(addr, "tcp://") {
		addr = "http://" + strings.TrimPrefix(addr, "tcp://")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	baseURL, err := url.Parse(addr)
	if err != nil {
		return nil, nil, err
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return baseURL, transport, nil
}

func (c *client) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	if c == nil || c.http == nil || c.baseURL == nil {
		return nil, errors.New("docker client not initialized")
	}
	if query == nil {
		query = url.Values{}
	}
	reqURL := *c.baseURL
	reqURL.Path = path.Join("/", strings.TrimSuffix(c.baseURL.Path, "/"), c.apiVersion, strings.TrimPrefix(endpoint, "/"))
	reqURL.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

// apiError is a non-2xx Engine API response.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("docker API error (%d): %s", e.status, e.msg)
}

// Is lets a 404 match shipohoy.ErrNotFound.
func (e *apiError) Is(target error) bool {
	return target == shipohoy.ErrNotFound && e.status == http.StatusNotFound
}

func readAPIError(res *http.Response) error {
	if res == nil {
		return errors.New("docker API error")
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = res.Status
	}
	return &apiError{status: res.StatusCode, msg: msg}
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
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
	add(os.Getenv("DOCKER_HOST"))
	add("unix:///var/run/docker.sock")
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		add(fmt.Sprintf("unix://%s", path.Join(runtimeDir, "docker.sock")))
	}
	return out
}

func escapeImagePath(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	escaped := url.PathEscape(value)
	return strings.ReplaceAll(escaped, "%2F", "/")
}
