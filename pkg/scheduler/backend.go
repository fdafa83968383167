package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/OpenPrinting/goipp"

	"github.com/openspool/printd/pkg/attr"
	"github.com/openspool/printd/pkg/types"
)

// Backend transmits a job's documents to the destination device and
// returns the number of impressions produced.
type Backend interface {
	Send(ctx context.Context, p *types.Printer, j *types.Job, creds []string) (int, error)
}

// Sentinel errors a Backend returns to steer the job's final state
// instead of the destination error policy.
var (
	// ErrAuthRequired parks the job held-for-authentication until the
	// user supplies credentials via Authenticate-Job.
	ErrAuthRequired = errors.New("device requires authentication")

	// ErrHoldJob holds the job indefinitely.
	ErrHoldJob = errors.New("device asked to hold the job")

	// ErrStopQueue stops the whole destination, not only the job.
	ErrStopQueue = errors.New("device asked to stop the queue")

	// ErrCancelJob discards the job.
	ErrCancelJob = errors.New("device discarded the job")

	// ErrRetry requeues the job as pending.
	ErrRetry = errors.New("device asked to retry the job")
)

// Backend process exit codes.
const (
	exitOK           = 0
	exitFailed       = 1
	exitAuthRequired = 2
	exitHold         = 3
	exitStopQueue    = 4
	exitCancel       = 5
	exitRetry        = 6
)

// ExecBackend hands documents to the device by running the backend
// binary named after the device URI scheme, one invocation per
// document copy, streaming the document on stdin. file:// devices are
// written directly without a child process.
type ExecBackend struct {
	// Dir holds the backend executables.
	Dir string
}

func (b *ExecBackend) Send(ctx context.Context, p *types.Printer, j *types.Job, creds []string) (int, error) {
	u, err := url.Parse(p.DeviceURI)
	if err != nil || u.Scheme == "" {
		return 0, fmt.Errorf("malformed device-uri %q", p.DeviceURI)
	}

	copies := 1
	if n, ok := attr.Integer(j.Attrs, "copies"); ok && n > 0 {
		copies = n
	}

	if strings.EqualFold(u.Scheme, "file") {
		return b.sendFile(u.Path, j, copies)
	}

	cmdPath := filepath.Join(b.Dir, strings.ToLower(u.Scheme))
	sent := 0
	for c := 0; c < copies; c++ {
		for _, f := range j.Files {
			if err := b.run(ctx, cmdPath, p, j, f, creds); err != nil {
				return sent, err
			}
			sent++
		}
	}
	return sent, nil
}

// run executes one backend invocation for one document. The argument
// vector is job-id, user, title, copies, options; the device URI and
// credentials travel in the environment.
func (b *ExecBackend) run(ctx context.Context, cmdPath string, p *types.Printer, j *types.Job, f types.JobFile, creds []string) error {
	in, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("job %d document: %w", j.ID, err)
	}
	defer in.Close()

	title := j.Name
	if title == "" {
		title = "Untitled"
	}

	cmd := exec.CommandContext(ctx, cmdPath,
		strconv.Itoa(j.ID), j.User, title, "1", optionsString(j.Attrs))
	cmd.Stdin = in
	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	cmd.Env = append(os.Environ(),
		"DEVICE_URI="+p.DeviceURI,
		"PRINTER="+p.Name,
		"CONTENT_TYPE="+f.MimeType,
	)
	if len(creds) > 0 {
		cmd.Env = append(cmd.Env, "AUTH_USERNAME="+creds[0])
	}
	if len(creds) > 1 {
		cmd.Env = append(cmd.Env, "AUTH_PASSWORD="+creds[1])
	}

	err = cmd.Run()
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		switch ee.ExitCode() {
		case exitAuthRequired:
			return ErrAuthRequired
		case exitHold:
			return ErrHoldJob
		case exitStopQueue:
			return ErrStopQueue
		case exitCancel:
			return ErrCancelJob
		case exitRetry:
			return ErrRetry
		}
		if msg := strings.TrimSpace(errOut.String()); msg != "" {
			return fmt.Errorf("%s: %s", filepath.Base(cmdPath), msg)
		}
	}
	return fmt.Errorf("%s: %w", filepath.Base(cmdPath), err)
}

// sendFile appends the documents to the target path.
func (b *ExecBackend) sendFile(path string, j *types.Job, copies int) (int, error) {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	sent := 0
	for c := 0; c < copies; c++ {
		for _, f := range j.Files {
			in, err := os.Open(f.Path)
			if err != nil {
				return sent, fmt.Errorf("job %d document: %w", j.ID, err)
			}
			_, err = io.Copy(out, in)
			in.Close()
			if err != nil {
				return sent, err
			}
			sent++
		}
	}
	return sent, nil
}

// optionsString flattens the job's scalar attributes into the
// blank-separated name=value form backends expect.
func optionsString(attrs goipp.Attributes) string {
	var parts []string
	for _, a := range attrs {
		if len(a.Values) == 0 {
			continue
		}
		switch v := a.Values[0].V.(type) {
		case goipp.String:
			parts = append(parts, a.Name+"="+string(v))
		case goipp.Integer:
			parts = append(parts, fmt.Sprintf("%s=%d", a.Name, int(v)))
		case goipp.Boolean:
			parts = append(parts, fmt.Sprintf("%s=%v", a.Name, bool(v)))
		}
	}
	return strings.Join(parts, " ")
}
