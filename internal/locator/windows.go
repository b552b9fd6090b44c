package locator

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// windowsLocator queries WMI through PowerShell for the process and scans
// netstat for its listening ports.
type windowsLocator struct {
	processName string
	timeout     time.Duration
}

func (l *windowsLocator) Locate(ctx context.Context) []Candidate {
	script := fmt.Sprintf(
		`Get-CimInstance Win32_Process -Filter "CommandLine like '%%%s%%'" | Select-Object ProcessId,CommandLine | ConvertTo-Json -Compress`,
		strings.ReplaceAll(l.processName, "'", "''"),
	)
	cimOut, errCIM := runCommand(ctx, l.timeout, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	if errCIM != nil {
		log.WithError(errCIM).Debugf("locator: powershell failed")
		return nil
	}
	pid, cmdline := matchCIMProcess(cimOut, l.processName)
	if pid == "" {
		log.Debugf("locator: no process matching %q", l.processName)
		return nil
	}
	token := extractCSRFToken(cmdline)

	netstatOut, errNetstat := runCommand(ctx, l.timeout, "netstat", "-ano", "-p", "tcp")
	if errNetstat != nil {
		log.WithError(errNetstat).Debugf("locator: netstat failed")
		return nil
	}
	ports := parseNetstatPorts(netstatOut, pid)
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

// matchCIMProcess parses ConvertTo-Json output, which is a single object for
// one match and an array for several, and returns the first process whose
// command line contains marker.
func matchCIMProcess(out, marker string) (pid, cmdline string) {
	out = strings.TrimPrefix(strings.TrimSpace(out), "\ufeff")
	if out == "" {
		return "", ""
	}
	parsed := gjson.Parse(out)
	items := []gjson.Result{parsed}
	if parsed.IsArray() {
		items = parsed.Array()
	}
	for _, item := range items {
		id := item.Get("ProcessId")
		if !id.Exists() || id.Int() <= 0 {
			continue
		}
		line := item.Get("CommandLine").String()
		if !strings.Contains(line, marker) {
			continue
		}
		return id.String(), line
	}
	return "", ""
}

// parseNetstatPorts extracts distinct listening ports owned by pid from
// "netstat -ano -p tcp" output, preserving first-seen order.
func parseNetstatPorts(out, pid string) []string {
	seen := make(map[string]struct{})
	var ports []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		if !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.EqualFold(fields[3], "LISTENING") || fields[4] != pid {
			continue
		}
		addr := fields[1]
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
