// Package locator discovers the local Antigravity language server process and
// the loopback TCP ports it listens on. Discovery shells out to short-lived OS
// utilities and parses their text output; every failure path degrades to an
// empty candidate list so callers never have to handle discovery errors.
package locator

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const defaultCommandTimeout = 5 * time.Second

// Candidate pairs a listening port with the CSRF token scraped from the
// language server's command line. Every port of a discovered process carries
// the same token.
type Candidate struct {
	Port      string `json:"port"`
	CSRFToken string `json:"-"`
}

// Locator finds quota endpoint candidates on the local machine.
type Locator interface {
	// Locate returns the discovered candidates in first-seen port order.
	// It never fails; any discovery problem yields an empty slice.
	Locate(ctx context.Context) []Candidate
}

// New returns the locator for the current platform. processName is the
// substring that identifies the language server in a process listing; timeout
// bounds each spawned utility, with a default of five seconds when zero.
func New(processName string, timeout time.Duration) Locator {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if runtime.GOOS == "windows" {
		return &windowsLocator{processName: processName, timeout: timeout}
	}
	return &unixLocator{processName: processName, timeout: timeout}
}

func runCommand(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// extractCSRFToken pulls the value of the --csrf_token argument from a command
// line, accepting both the space-delimited and =-delimited forms.
func extractCSRFToken(cmdline string) string {
	fields := strings.Fields(cmdline)
	for i, field := range fields {
		if field == "--csrf_token" && i+1 < len(fields) {
			return fields[i+1]
		}
		if value, ok := strings.CutPrefix(field, "--csrf_token="); ok {
			return value
		}
	}
	return ""
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
