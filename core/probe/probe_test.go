package probe

import (
	"net"
	"testing"
	"time"
)

func TestProbe_AliveOpenConnection(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	p, err := NewProber()
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	liveness := Check(client, p)
	if liveness == Dead {
		t.Error("expected an open connection to report Alive or Unknown, got Dead")
	}
}

func TestProbe_DeadAfterPeerCloses(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()

	server.Close() // peer hangs up; client's socket should observe EOF on peek

	// Give the FIN a moment to arrive.
	deadline := time.Now().Add(time.Second)
	p, err := NewProber()
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	var liveness Liveness
	for time.Now().Before(deadline) {
		liveness = Check(client, p)
		if liveness == Dead {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if liveness != Dead && liveness != Unknown {
		t.Errorf("expected Dead (or Unknown on an unsupported platform) after the peer closed, got %v", liveness)
	}
}

func dialLoopback(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		acceptCh <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptCh
	if server == nil {
		t.Fatal("expected an accepted server connection")
	}
	return client.(*net.TCPConn), server.(*net.TCPConn)
}
