package clamd

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"fileguard/pkg/domain"
)

const chunkSize = 32 * 1024

// Result is one scan outcome as reported by the daemon.
type Result struct {
	Verdict    domain.Verdict
	ThreatName string
}

// Version identifies the daemon build and its signature database.
type Version struct {
	Daemon     string
	Signatures string
}

// Client talks to a clamd daemon over TCP using the z-terminated command
// protocol. Each operation dials a fresh connection; a weighted semaphore
// caps how many are open at once so a large worker pool cannot exhaust the
// daemon's connection limit.
type Client struct {
	addr    string
	timeout time.Duration
	conns   *semaphore.Weighted
}

// New builds a client for the daemon at addr. maxConns bounds concurrent
// connections and should be at least the scan worker count.
func New(addr string, maxConns int64, timeout time.Duration) *Client {
	if maxConns < 1 {
		maxConns = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		addr:    addr,
		timeout: timeout,
		conns:   semaphore.NewWeighted(maxConns),
	}
}

// Scan streams content through the daemon's INSTREAM command and parses the
// verdict. A daemon-reported scan problem comes back as an error verdict with
// a nil error; transport and protocol failures return a non-nil error.
func (c *Client) Scan(ctx context.Context, r io.Reader) (Result, error) {
	conn, release, err := c.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()
	defer conn.Close()

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return Result{}, fmt.Errorf("send INSTREAM: %w", err)
	}

	buf := make([]byte, chunkSize)
	var prefix [4]byte
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix[:], uint32(n))
			if _, err := conn.Write(prefix[:]); err != nil {
				return Result{}, fmt.Errorf("send chunk header: %w", err)
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return Result{}, fmt.Errorf("send chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Result{}, fmt.Errorf("read content: %w", readErr)
		}
	}
	binary.BigEndian.PutUint32(prefix[:], 0)
	if _, err := conn.Write(prefix[:]); err != nil {
		return Result{}, fmt.Errorf("send stream terminator: %w", err)
	}

	line, err := readReply(conn)
	if err != nil {
		return Result{}, fmt.Errorf("read verdict: %w", err)
	}
	return parseVerdict(line)
}

// Ping checks daemon liveness.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.command(ctx, "zPING\x00")
	if err != nil {
		return err
	}
	if reply != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", reply)
	}
	return nil
}

// GetVersion reports the daemon and signature database versions.
func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	reply, err := c.command(ctx, "zVERSION\x00")
	if err != nil {
		return Version{}, err
	}
	return parseVersion(reply), nil
}

func (c *Client) command(ctx context.Context, cmd string) (string, error) {
	conn, release, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	defer conn.Close()

	if _, err := conn.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	return readReply(conn)
}

func (c *Client) dial(ctx context.Context) (net.Conn, func(), error) {
	if err := c.conns.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.conns.Release(1)
		return nil, nil, fmt.Errorf("dial clamd at %s: %w", c.addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	return conn, func() { c.conns.Release(1) }, nil
}

// readReply reads one NUL-terminated reply to a z-prefixed command.
func readReply(conn net.Conn) (string, error) {
	line, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSpace(line), "\x00"), nil
}

// parseVerdict maps INSTREAM reply lines:
//
//	stream: OK
//	stream: Eicar-Signature FOUND
//	INSTREAM size limit exceeded. ERROR
func parseVerdict(line string) (Result, error) {
	msg := strings.TrimSpace(strings.TrimPrefix(line, "stream:"))
	switch {
	case msg == "OK":
		return Result{Verdict: domain.VerdictClean}, nil
	case strings.HasSuffix(msg, " FOUND"):
		return Result{
			Verdict:    domain.VerdictInfected,
			ThreatName: strings.TrimSuffix(msg, " FOUND"),
		}, nil
	case strings.HasSuffix(msg, "ERROR"):
		return Result{
			Verdict:    domain.VerdictError,
			ThreatName: strings.TrimSpace(strings.TrimSuffix(msg, "ERROR")),
		}, nil
	default:
		return Result{}, fmt.Errorf("unrecognized clamd reply %q", line)
	}
}

// parseVersion splits "ClamAV 1.2.1/27065/Thu Oct 12 ..." into the daemon
// build and the signature database revision.
func parseVersion(line string) Version {
	parts := strings.SplitN(line, "/", 3)
	v := Version{Daemon: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		v.Signatures = strings.TrimSpace(parts[1])
	}
	return v
}
