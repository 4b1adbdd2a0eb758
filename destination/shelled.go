package destination

// ShelledMultiCloud backs onto an external CLI tool (rclone and
// compatible multi-cloud movers expose the same verb set) rather than
// a Go SDK per cloud provider. None of the cloud SDKs retrieved in the
// pack (the teacher has none; the wider pack's cloud exposure is
// limited to unrelated k8s-operator tooling) are grounded for direct
// use here, so this variant follows the contract by shelling out, the
// same way a CLI-wrapping destination would in any Go backup tool.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/scrat-backup/scrat/errs"
)

// ShelledMultiCloud invokes Command with an operation-specific argument
// list, templated on RemoteSpec (e.g. "s3remote:bucket/prefix").
type ShelledMultiCloud struct {
	Command    string
	RemoteSpec string
}

func NewShelledMultiCloud(command, remoteSpec string) *ShelledMultiCloud {
	return &ShelledMultiCloud{Command: command, RemoteSpec: remoteSpec}
}

func (m *ShelledMultiCloud) Kind() string { return string(KindShelledMultiCloud) }

func (m *ShelledMultiCloud) remote(key string) string {
	return strings.TrimRight(m.RemoteSpec, "/") + "/" + strings.TrimLeft(key, "/")
}

func (m *ShelledMultiCloud) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, m.Command, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &errs.DestinationError{Kind: m.Kind(), Op: strings.Join(args, " "), Retryable: true,
			Err: fmt.Errorf("%w: %s", err, stderr.String())}
	}
	return stdout.Bytes(), nil
}

func (m *ShelledMultiCloud) Connect(ctx context.Context) error {
	_, err := m.run(ctx, nil, "mkdir", m.RemoteSpec)
	return err
}

func (m *ShelledMultiCloud) PutStream(ctx context.Context, key string, r io.Reader) error {
	_, err := m.run(ctx, r, "rcat", m.remote(key))
	return err
}

func (m *ShelledMultiCloud) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, m.Command, "cat", m.remote(key))
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &errs.DestinationError{Kind: m.Kind(), Op: "cat " + key, Retryable: true, Err: err}
	}
	return &cmdReadCloser{ReadCloser: pipe, cmd: cmd}, nil
}

type cmdReadCloser struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c *cmdReadCloser) Close() error {
	c.ReadCloser.Close()
	return c.cmd.Wait()
}

func (m *ShelledMultiCloud) List(ctx context.Context, prefix string) ([]string, error) {
	out, err := m.run(ctx, nil, "lsf", "-R", m.remote(prefix))
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	var keys []string
	for _, l := range lines {
		if l != "" {
			keys = append(keys, l)
		}
	}
	return keys, nil
}

func (m *ShelledMultiCloud) Delete(ctx context.Context, key string) error {
	_, err := m.run(ctx, nil, "deletefile", m.remote(key))
	return err
}

func (m *ShelledMultiCloud) Stat(ctx context.Context, key string) (Info, error) {
	out, err := m.run(ctx, nil, "size", m.remote(key))
	if err != nil {
		return Info{}, err
	}
	size, _ := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	return Info{Key: key, Size: size, ModTime: time.Now()}, nil
}

func (m *ShelledMultiCloud) FreeSpace(ctx context.Context) (int64, error) { return -1, nil }

func (m *ShelledMultiCloud) Test(ctx context.Context) error {
	_, err := m.run(ctx, nil, "lsd", m.RemoteSpec)
	return err
}

func (m *ShelledMultiCloud) Close() error { return nil }
