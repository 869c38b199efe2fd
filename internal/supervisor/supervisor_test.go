package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testOptions(t *testing.T, argv []string) Options {
	t.Helper()
	return Options{
		RuntimeDir:  t.TempDir(),
		Argv:        argv,
		ProbeArgs:   []string{"-c", "exit 0"},
		StopTimeout: 2 * time.Second,
	}
}

func TestSpawnWritesDescriptorAndStops(t *testing.T) {
	sup := New(testOptions(t, []string{"-c", "test -f {connection_file} && sleep 30"}), nil, nil)
	defer sup.Shutdown()

	proc, err := sup.Spawn(context.Background(), "sess-1", "/bin/sh", "sh")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if proc.PID() == 0 {
		t.Fatalf("expected live pid")
	}
	if !sup.IsRunning("sess-1") {
		t.Fatalf("expected process to be tracked")
	}

	desc, err := ReadDescriptor(proc.DescriptorPath())
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}
	if desc.SessionID != "sess-1" {
		t.Fatalf("descriptor session id %q", desc.SessionID)
	}
	if desc.Transport != "tcp" || desc.SignatureScheme != "hmac-sha256" {
		t.Fatalf("unexpected transport fields: %+v", desc)
	}
	if len(desc.Key) != 64 {
		t.Fatalf("expected 32-byte hex key, got %d chars", len(desc.Key))
	}
	ports := []int{desc.ShellPort, desc.IOPubPort, desc.StdinPort, desc.ControlPort, desc.HeartbeatPort}
	for i := 1; i < len(ports); i++ {
		if ports[i] != ports[0]+i {
			t.Fatalf("ports not consecutive: %v", ports)
		}
	}

	if err := sup.Stop("sess-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sup.IsRunning("sess-1") {
		t.Fatalf("process still tracked after stop")
	}
	if _, err := os.Stat(proc.DescriptorPath()); !os.IsNotExist(err) {
		t.Fatalf("descriptor file should be removed after exit, stat err: %v", err)
	}
}

func TestSpawnRejectsMissingDependency(t *testing.T) {
	opts := testOptions(t, []string{"-c", "sleep 30"})
	opts.ProbeArgs = []string{"-c", "exit 1"}
	sup := New(opts, nil, nil)
	defer sup.Shutdown()

	_, err := sup.Spawn(context.Background(), "sess-1", "/bin/sh", "sh")
	if !errors.Is(err, ErrDependencyMissing) {
		t.Fatalf("expected ErrDependencyMissing, got %v", err)
	}
}

func TestSpawnRejectsDuplicateSession(t *testing.T) {
	sup := New(testOptions(t, []string{"-c", "sleep 30"}), nil, nil)
	defer sup.Shutdown()

	if _, err := sup.Spawn(context.Background(), "sess-1", "/bin/sh", "sh"); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := sup.Spawn(context.Background(), "sess-1", "/bin/sh", "sh"); err == nil {
		t.Fatalf("expected duplicate spawn to fail")
	}
}

func TestLogCapturesBothStreams(t *testing.T) {
	sup := New(testOptions(t, []string{"-c", "echo out-line; echo err-line >&2"}), nil, nil)
	defer sup.Shutdown()

	proc, err := sup.Spawn(context.Background(), "sess-1", "/bin/sh", "sh")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-proc.Done()

	logPath := filepath.Join(sup.RuntimeDir(), "kernel-sess-1.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "out-line\n") {
		t.Fatalf("stdout missing from log: %q", data)
	}
	if !strings.Contains(string(data), "[stderr] err-line\n") {
		t.Fatalf("tagged stderr missing from log: %q", data)
	}
}

func TestPrefixWriterTagsAcrossChunks(t *testing.T) {
	var buf bytes.Buffer
	pw := &prefixWriter{w: &buf, prefix: []byte("[stderr] ")}

	// One line split across writes, then two lines in one write.
	for _, chunk := range []string{"par", "tial\n", "a\nb\n"} {
		if _, err := pw.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	want := "[stderr] partial\n[stderr] a\n[stderr] b\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestUnexpectedExitFiresCallback(t *testing.T) {
	exited := make(chan string, 1)
	onExit := func(sessionID string, err error) {
		exited <- sessionID
	}
	sup := New(testOptions(t, []string{"-c", "exit 3"}), onExit, nil)
	defer sup.Shutdown()

	proc, err := sup.Spawn(context.Background(), "sess-1", "/bin/sh", "sh")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case id := <-exited:
		if id != "sess-1" {
			t.Fatalf("callback for wrong session %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("exit callback never fired")
	}

	<-proc.Done()
	if proc.ExitErr() == nil {
		t.Fatalf("expected non-nil exit error for status 3")
	}
	if _, err := os.Stat(proc.DescriptorPath()); !os.IsNotExist(err) {
		t.Fatalf("descriptor should be removed on exit")
	}
}

func TestStopSuppressesExitCallback(t *testing.T) {
	exited := make(chan string, 1)
	sup := New(testOptions(t, []string{"-c", "sleep 30"}), func(id string, err error) { exited <- id }, nil)
	defer sup.Shutdown()

	if _, err := sup.Spawn(context.Background(), "sess-1", "/bin/sh", "sh"); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := sup.Stop("sess-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case id := <-exited:
		t.Fatalf("unexpected exit callback for %q after explicit stop", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStopUnknownSession(t *testing.T) {
	sup := New(testOptions(t, nil), nil, nil)
	defer sup.Shutdown()
	if err := sup.Stop("nope"); !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}
}

func TestDescriptorEndpoints(t *testing.T) {
	d := &ConnectionDescriptor{
		ShellPort: 49160, IOPubPort: 49161, StdinPort: 49162,
		ControlPort: 49163, HeartbeatPort: 49164, IP: "127.0.0.1",
	}
	ep := d.Endpoints()
	if ep.Shell != 49160 || ep.IOPub != 49161 || ep.Stdin != 49162 || ep.Control != 49163 || ep.Heartbeat != 49164 {
		t.Fatalf("endpoint mapping wrong: %+v", ep)
	}
}

func TestDescriptorFileNaming(t *testing.T) {
	dir := t.TempDir()
	d, err := newDescriptor("abc", "python3", "127.0.0.1")
	if err != nil {
		t.Fatalf("new descriptor: %v", err)
	}
	path, err := d.write(dir)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Base(path) != "kernel-abc.json" {
		t.Fatalf("unexpected file name %q", filepath.Base(path))
	}
}
