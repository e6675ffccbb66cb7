package scanner

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

const heartbeatAppName = "moto-security-worker"

// SyslogSender carries the per-run heartbeat to a syslog receiver.
type SyslogSender interface {
	SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error
}

type SyslogClient struct {
	addr string
}

func NewSyslogClient(addr string) *SyslogClient {
	return &SyslogClient{addr: addr}
}

func (c *SyslogClient) SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error {
	var (
		conn net.Conn
		err  error
	)
	if timeout > 0 {
		conn, err = net.DialTimeout("tcp", c.addr, timeout)
	} else {
		conn, err = net.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(formatRFC5424(appName, structuredData, message, time.Now())); err != nil {
		return err
	}
	return w.Flush()
}

func formatRFC5424(appName string, structuredData string, message string, ts time.Time) string {
	host, _ := os.Hostname()
	if appName == "" {
		appName = heartbeatAppName
	}
	if structuredData == "" {
		structuredData = "-"
	}
	pri := 134 // local0.info
	return fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n",
		pri,
		ts.UTC().Format(time.RFC3339Nano),
		sanitizeSyslogToken(host),
		sanitizeSyslogToken(appName),
		structuredData,
		strings.TrimSpace(message))
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

var sdPreferredOrder = []string{"job", "service", "env", "site", "scan", "status"}

// buildStructuredData renders one SD-ELEMENT. Empty values are dropped;
// unknown keys follow the preferred ones in sorted order.
func buildStructuredData(sdID string, kv map[string]string) string {
	if sdID == "" {
		sdID = "motosec"
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)
	write := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}

	seen := make(map[string]struct{}, len(kv))
	for _, k := range sdPreferredOrder {
		v, ok := kv[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		write(k, v)
	}
	extra := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		write(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	r := strings.NewReplacer(
		"\\", "\\\\",
		"\"", "\\\"",
		"]", "\\]",
		"\n", " ",
		"\r", " ",
	)
	return r.Replace(v)
}
