package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"
)

// Helper enumerates devices or driver files through an external
// program that answers with an encoded IPP message.
type Helper interface {
	Run(ctx context.Context, limit int) ([]goipp.Group, error)
}

// ExecHelper runs a helper binary with the requested limit as its
// argument and decodes printer groups from its stdout.
type ExecHelper struct {
	Command string
	Timeout time.Duration
}

func (h *ExecHelper) Run(ctx context.Context, limit int) ([]goipp.Group, error) {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, h.Command, strconv.Itoa(limit))
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(errOut.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", h.Command, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", h.Command, err)
	}

	var msg goipp.Message
	if err := msg.DecodeBytes(out.Bytes()); err != nil {
		return nil, fmt.Errorf("bad helper output: %w", err)
	}
	var groups []goipp.Group
	for _, g := range msg.AttrGroups() {
		if g.Tag == goipp.TagPrinterGroup {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

// Prober checks that a temporary printer's device answers and captures
// its description file.
type Prober interface {
	Probe(printerName, deviceURI string) error
}

// ExecProber runs a probe binary with the device URI as its argument
// and stores its stdout as the destination's PPD.
type ExecProber struct {
	Command string
	Timeout time.Duration
	PPDDir  string
}

func (p *ExecProber) Probe(printerName, deviceURI string) error {
	ctx := context.Background()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, p.Command, deviceURI)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(errOut.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", p.Command, err, msg)
		}
		return fmt.Errorf("%s: %w", p.Command, err)
	}

	if err := os.MkdirAll(p.PPDDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.PPDDir, printerName+".ppd"), out.Bytes(), 0o644)
}
