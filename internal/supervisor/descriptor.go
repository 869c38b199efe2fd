package supervisor

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sevir/kernelbridge/internal/ports"
	"github.com/sevir/kernelbridge/internal/transport"
)

// channelCount is the number of consecutive ports one interpreter needs.
const channelCount = 5

// ConnectionDescriptor is the file handed to the interpreter process at
// launch. Field names and the signature scheme are fixed by the protocol;
// SessionID is an extension the interpreter ignores.
type ConnectionDescriptor struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HeartbeatPort   int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`
	SessionID       string `json:"session_id"`
}

// newDescriptor allocates a port block, generates a signing key, and
// fills in a descriptor for the given session.
func newDescriptor(sessionID, kernelName, ip string) (*ConnectionDescriptor, error) {
	base, err := ports.AllocateConsecutive(channelCount)
	if err != nil {
		return nil, err
	}
	key, err := newSigningKey()
	if err != nil {
		return nil, err
	}
	return &ConnectionDescriptor{
		ShellPort:       base,
		IOPubPort:       base + 1,
		StdinPort:       base + 2,
		ControlPort:     base + 3,
		HeartbeatPort:   base + 4,
		IP:              ip,
		Key:             key,
		Transport:       "tcp",
		SignatureScheme: "hmac-sha256",
		KernelName:      kernelName,
		SessionID:       sessionID,
	}, nil
}

// newSigningKey returns 32 random bytes hex encoded.
func newSigningKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Endpoints converts the descriptor into transport endpoints.
func (d *ConnectionDescriptor) Endpoints() transport.Endpoints {
	return transport.Endpoints{
		IP:        d.IP,
		Shell:     d.ShellPort,
		IOPub:     d.IOPubPort,
		Control:   d.ControlPort,
		Stdin:     d.StdinPort,
		Heartbeat: d.HeartbeatPort,
	}
}

// write persists the descriptor atomically under dir and returns its
// path. The interpreter reads it exactly once at startup, but the file
// stays on disk for the process lifetime so external tools can attach.
func (d *ConnectionDescriptor) write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create runtime dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal descriptor: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("kernel-%s.json", d.SessionID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write descriptor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("place descriptor: %w", err)
	}
	return path, nil
}

// ReadDescriptor loads a descriptor file, mainly for tests and external
// attach tooling.
func ReadDescriptor(path string) (*ConnectionDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	var d ConnectionDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	return &d, nil
}
