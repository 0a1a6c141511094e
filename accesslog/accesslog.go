// Package accesslog writes one Common Log Format line per reply.
package accesslog

import (
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/blockdns/config"
	"github.com/semihalev/blockdns/dnswire"
	"github.com/semihalev/zlog/v2"
)

// AccessLog type
type AccessLog struct {
	mu sync.Mutex
	w  io.Writer
}

// New returns a new AccessLog, or nil when cfg.AccessLog is empty or the
// file cannot be opened.
func New(cfg *config.Config) *AccessLog {
	if cfg.AccessLog == "" {
		return nil
	}

	logFile, err := os.OpenFile(cfg.AccessLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		zlog.Error("Access log file open failed", "error", strings.Trim(err.Error(), "\n"))
		return nil
	}

	return &AccessLog{w: logFile}
}

// NewWriter returns an AccessLog writing to w.
func NewWriter(w io.Writer) *AccessLog {
	return &AccessLog{w: w}
}

// Log writes the record of a reply of size bytes sent to client.
func (a *AccessLog) Log(client netip.AddrPort, resp *dnswire.Message, size int, now time.Time) {
	if a == nil || resp == nil || len(resp.Question) == 0 {
		return
	}

	cd := "-cd"
	if resp.CheckingDisabled {
		cd = "+cd"
	}

	record := []string{
		client.Addr().Unmap().String() + " -",
		"[" + now.Format("02/Jan/2006:15:04:05 -0700") + "]",
		formatQuestion(resp.Question[0]),
		"udp",
		cd,
		dns.RcodeToString[int(resp.Rcode)],
		strconv.Itoa(size),
	}

	a.mu.Lock()
	_, err := io.WriteString(a.w, strings.Join(record, " ")+"\n")
	a.mu.Unlock()

	if err != nil {
		zlog.Error("Access log write failed", "error", strings.Trim(err.Error(), "\n"))
	}
}

// Close closes the underlying file, if any.
func (a *AccessLog) Close() error {
	if a == nil {
		return nil
	}
	if c, ok := a.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func formatQuestion(q dnswire.Question) string {
	return "\"" + strings.ToLower(q.Name) + " " + dns.ClassToString[uint16(q.Class)] + " " + dns.TypeToString[uint16(q.Type)] + "\""
}
