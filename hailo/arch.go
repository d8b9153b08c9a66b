package hailo

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrArchUnknown is returned when the accelerator cannot be identified.
var ErrArchUnknown = errors.New("could not auto-detect Hailo architecture, please specify --arch manually")

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ParseArch reads the "Device Architecture" line of
// `hailortcli fw-control identify`.
func ParseArch(output []byte) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "Device Architecture") {
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.Contains(upper, "HAILO8L"):
			return ArchHailo8L, true
		case strings.Contains(upper, "HAILO10H"):
			return ArchHailo10H, true
		case strings.Contains(upper, "HAILO8"):
			return ArchHailo8, true
		}
	}
	return "", false
}

// DetectArch asks hailortcli for the attached device.
func DetectArch(ctx context.Context, run Runner) (string, error) {
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, "hailortcli", "fw-control", "identify")
	if err != nil {
		return "", errors.Wrapf(ErrArchUnknown, "hailortcli fw-control identify: %v: %s", err, strings.TrimSpace(string(out)))
	}
	arch, ok := ParseArch(out)
	if !ok {
		return "", ErrArchUnknown
	}
	return arch, nil
}

// ResolveArch keeps a configured architecture and detects otherwise.
func ResolveArch(ctx context.Context, configured string, run Runner) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return DetectArch(ctx, run)
}
