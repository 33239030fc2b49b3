package clamd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"fileguard/pkg/domain"
)

// fakeDaemon implements enough of the clamd TCP protocol for client tests:
// zPING, zVERSION, and zINSTREAM with a marker-based verdict.
func fakeDaemon(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn)
		}
	}()
	return ln.Addr().String()
}

func serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	cmd, err := r.ReadString('\x00')
	if err != nil {
		return
	}
	switch strings.Trim(cmd, "\x00") {
	case "zPING":
		conn.Write([]byte("PONG\x00"))
	case "zVERSION":
		conn.Write([]byte("ClamAV 1.2.1/27065/Thu Oct 12 08:22:51 2023\x00"))
	case "zINSTREAM":
		var body bytes.Buffer
		for {
			var prefix [4]byte
			if _, err := io.ReadFull(r, prefix[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(prefix[:])
			if n == 0 {
				break
			}
			if _, err := io.CopyN(&body, r, int64(n)); err != nil {
				return
			}
		}
		switch {
		case bytes.Contains(body.Bytes(), []byte("EICAR")):
			conn.Write([]byte("stream: Eicar-Test-Signature FOUND\x00"))
		case bytes.Contains(body.Bytes(), []byte("TOOBIG")):
			conn.Write([]byte("INSTREAM size limit exceeded. ERROR\x00"))
		default:
			conn.Write([]byte("stream: OK\x00"))
		}
	}
}

func testClient(t *testing.T) *Client {
	return New(fakeDaemon(t), 4, 5*time.Second)
}

func TestScanClean(t *testing.T) {
	c := testClient(t)
	res, err := c.Scan(context.Background(), strings.NewReader("perfectly ordinary bytes"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Verdict != domain.VerdictClean {
		t.Errorf("verdict = %s, want clean", res.Verdict)
	}
	if res.ThreatName != "" {
		t.Errorf("threat name = %q, want empty", res.ThreatName)
	}
}

func TestScanInfected(t *testing.T) {
	c := testClient(t)
	res, err := c.Scan(context.Background(), strings.NewReader("payload EICAR payload"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Verdict != domain.VerdictInfected {
		t.Errorf("verdict = %s, want infected", res.Verdict)
	}
	if res.ThreatName != "Eicar-Test-Signature" {
		t.Errorf("threat name = %q", res.ThreatName)
	}
}

func TestScanDaemonError(t *testing.T) {
	c := testClient(t)
	res, err := c.Scan(context.Background(), strings.NewReader("TOOBIG"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Verdict != domain.VerdictError {
		t.Errorf("verdict = %s, want error", res.Verdict)
	}
}

func TestScanZeroBytes(t *testing.T) {
	c := testClient(t)
	res, err := c.Scan(context.Background(), strings.NewReader(""))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Verdict != domain.VerdictClean {
		t.Errorf("verdict = %s, want clean", res.Verdict)
	}
}

func TestScanLargeContentChunked(t *testing.T) {
	c := testClient(t)
	// Larger than one chunk, marker straddling nothing in particular.
	content := strings.Repeat("x", 3*chunkSize) + "EICAR"
	res, err := c.Scan(context.Background(), strings.NewReader(content))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Verdict != domain.VerdictInfected {
		t.Errorf("verdict = %s, want infected", res.Verdict)
	}
}

func TestPing(t *testing.T) {
	c := testClient(t)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestPingUnreachable(t *testing.T) {
	c := New("127.0.0.1:1", 1, 500*time.Millisecond)
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error pinging a closed port")
	}
}

func TestGetVersion(t *testing.T) {
	c := testClient(t)
	v, err := c.GetVersion(context.Background())
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v.Daemon != "ClamAV 1.2.1" {
		t.Errorf("daemon = %q", v.Daemon)
	}
	if v.Signatures != "27065" {
		t.Errorf("signatures = %q", v.Signatures)
	}
}

func TestParseVerdictUnrecognized(t *testing.T) {
	if _, err := parseVerdict("garbage"); err == nil {
		t.Fatal("expected error for unrecognized reply")
	}
}
