package emitter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"sst/telemetry/pkg/proto"
	"sst/telemetry/pkg/session"
)

const (
	secretHex = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	otherHex  = "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"
)

type fixedSampler struct{ cpu uint8 }

func (f fixedSampler) Sample(context.Context) proto.SystemStats {
	return proto.SystemStats{ValidMask: proto.ValidCPU | proto.ValidProcs, CPUUsage: f.cpu, ProcCount: 0x80000001}
}

type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (l *logSink) logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logSink) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func mustSecret(t *testing.T, s string) proto.Secret {
	t.Helper()
	k, err := proto.ParseSecret(s)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// startEmitter runs a TLS emitter on loopback and returns its port and a
// client TLS config that trusts it.
func startEmitter(t *testing.T, srv *Server) (int, *tls.Config) {
	t.Helper()
	dir := t.TempDir()
	cert, err := LoadOrGenerate(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"), []string{"127.0.0.1", "localhost"})
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return ln.Addr().(*net.TCPAddr).Port, &tls.Config{RootCAs: pool}
}

func TestEndToEndStream(t *testing.T) {
	logs := &logSink{}
	srv := New(fixedSampler{cpu: 61}, mustSecret(t, secretHex), 20*time.Millisecond)
	srv.logf = logs.logf
	port, clientTLS := startEmitter(t, srv)

	mgr := session.NewManager(&session.TLSDialer{Timeout: 2 * time.Second, Config: clientTLS},
		session.WithLogger(func(string, ...any) {}), session.WithRetryDelay(10*time.Millisecond), session.WithClientID(3))
	feed := session.NewFeed(mgr)
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe := feed.Subscribe(8)
	defer func() {
		cancel()
		mgr.CloseAll()
		feed.Wait()
		unsubscribe()
	}()

	ep := session.Endpoint{Host: "127.0.0.1", Port: port}
	feed.Stream(ctx, ep)
	mgr.Connect(ctx, ep, secretHex)
	if !mgr.IsConnected(ep) {
		t.Fatal("not connected")
	}

	for i := 0; i < 3; i++ {
		select {
		case snap := <-ch:
			if snap.Stats.CPUUsage != 61 || snap.Stats.ProcCount != 0x80000001 {
				t.Fatalf("stats = %+v", snap.Stats)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no snapshot %d", i)
		}
	}

	mgr.Disconnect(ep)
	deadline := time.Now().Add(3 * time.Second)
	// depending on timing the emitter sees EOF or a failed write first
	for !logs.contains("closed the session") && !logs.contains("write stats") {
		if time.Now().After(deadline) {
			t.Fatal("emitter did not notice the disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialRaw(t *testing.T, port int, cfg *tls.Config) *tls.Conn {
	t.Helper()
	cfg = cfg.Clone()
	cfg.ServerName = "127.0.0.1"
	c, err := tls.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRejectsWrongSecret(t *testing.T) {
	logs := &logSink{}
	srv := New(fixedSampler{}, mustSecret(t, secretHex), 20*time.Millisecond)
	srv.logf = logs.logf
	port, clientTLS := startEmitter(t, srv)

	c := dialRaw(t, port, clientTLS)
	frame, err := proto.BuildAuthFrame(1, 1, otherHex)
	if err != nil {
		t.Fatal(err)
	}
	c.Write(frame)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if n, err := c.Read(make([]byte, 1)); err == nil || n > 0 {
		t.Fatal("emitter sent data to an unauthenticated client")
	}
	deadline := time.Now().Add(3 * time.Second)
	for !logs.contains("tag mismatch") {
		if time.Now().After(deadline) {
			t.Fatal("rejection not logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSetSecretRotates(t *testing.T) {
	srv := New(fixedSampler{cpu: 9}, mustSecret(t, secretHex), 20*time.Millisecond)
	srv.logf = func(string, ...any) {}
	port, clientTLS := startEmitter(t, srv)
	srv.SetSecret(mustSecret(t, otherHex))

	c := dialRaw(t, port, clientTLS)
	frame, _ := proto.BuildAuthFrame(1, 7, otherHex)
	c.Write(frame)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	f, err := proto.ReadFrame(c)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.Stats == nil || f.Stats.CPUUsage != 9 {
		t.Fatalf("frame = %+v", f)
	}
	if f.Header.ClientID != 1 || f.Header.RequestID != 8 || f.Header.Type != proto.TypeSystemStats {
		t.Fatalf("header = %+v", f.Header)
	}
}

func TestGenerateCertPairSANs(t *testing.T) {
	certPEM, keyPEM, err := GenerateCertPair([]string{"emit.example", "10.0.0.5"})
	if err != nil {
		t.Fatal(err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	leaf, _ := x509.ParseCertificate(pair.Certificate[0])
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "emit.example" {
		t.Errorf("dns names = %v", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || !leaf.IPAddresses[0].Equal(net.ParseIP("10.0.0.5")) {
		t.Errorf("ips = %v", leaf.IPAddresses)
	}
}
