package locator

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// unixLocator scrapes ps and lsof output. It serves both darwin and linux;
// the invoked flags are in the POSIX/BSD intersection supported by both.
type unixLocator struct {
	processName string
	timeout     time.Duration
}

func (l *unixLocator) Locate(ctx context.Context) []Candidate {
	psOut, errPS := runCommand(ctx, l.timeout, "ps", "axo", "pid=,args=")
	if errPS != nil {
		log.WithError(errPS).Debugf("locator: ps failed")
		return nil
	}
	pid, cmdline := matchProcessLine(psOut, l.processName)
	if pid == "" {
		log.Debugf("locator: no process matching %q", l.processName)
		return nil
	}
	token := extractCSRFToken(cmdline)

	// lsof exits non-zero when the process has no matching sockets; that is
	// just "no candidates", not an error worth surfacing.
	lsofOut, errLsof := runCommand(ctx, l.timeout, "lsof", "-a", "-iTCP", "-sTCP:LISTEN", "-P", "-n", "-p", pid)
	if errLsof != nil {
		log.WithError(errLsof).Debugf("locator: lsof failed (pid=%s)", pid)
		return nil
	}
	ports := parseLsofPorts(lsofOut)
	if len(ports) == 0 {
		log.Debugf("locator: no listening ports (pid=%s)", pid)
		return nil
	}

	candidates := make([]Candidate, 0, len(ports))
	for _, port := range ports {
		candidates = append(candidates, Candidate{Port: port, CSRFToken: token})
	}
	log.Debugf("locator: found pid=%s ports=%v", pid, ports)
	return candidates
}

// matchProcessLine scans "ps axo pid=,args=" output for the first line whose
// command contains marker and returns its pid and full command line.
func matchProcessLine(out, marker string) (pid, cmdline string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, rest, found := strings.Cut(line, " ")
		if !found || !isNumeric(id) {
			continue
		}
		rest = strings.TrimSpace(rest)
		if !strings.Contains(rest, marker) {
			continue
		}
		return id, rest
	}
	return "", ""
}

// parseLsofPorts extracts distinct listening ports from lsof -P -n output,
// preserving first-seen order. Handles IPv4, IPv6 and wildcard binds.
func parseLsofPorts(out string) []string {
	seen := make(map[string]struct{})
	var ports []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "(LISTEN)") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr := fields[len(fields)-2]
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			continue
		}
		port := addr[idx+1:]
		if !isNumeric(port) {
			continue
		}
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		ports = append(ports, port)
	}
	return ports
}
