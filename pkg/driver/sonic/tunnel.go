package sonic

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHTunnel forwards a local TCP port to an address inside an SSH host.
// Used to reach Redis (127.0.0.1:6379) on a switch whose Redis port is not
// exposed.
type SSHTunnel struct {
	localAddr string
	remote    string
	client    *ssh.Client
	listener  net.Listener
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSSHTunnel dials SSH on host:22 and forwards a random local port to
// remote inside the host.
func NewSSHTunnel(host, user, pass, remote string, timeout time.Duration) (*SSHTunnel, error) {
	config := &ssh.ClientConfig{
		User:    user,
		Auth:    []ssh.AuthMethod{ssh.Password(pass)},
		Timeout: timeout,
		// Lab environment: host keys are not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(host, "22"), config)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", host, err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("local listen: %w", err)
	}

	t := &SSHTunnel{
		localAddr: listener.Addr().String(),
		remote:    remote,
		client:    client,
		listener:  listener,
		done:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// LocalAddr returns the local end of the tunnel.
func (t *SSHTunnel) LocalAddr() string {
	return t.localAddr
}

// Close stops the listener, waits for forwarding goroutines and closes the
// SSH connection.
func (t *SSHTunnel) Close() error {
	close(t.done)
	t.listener.Close()
	err := t.client.Close()
	t.wg.Wait()
	return err
}

func (t *SSHTunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *SSHTunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.client.Dial("tcp", t.remote)
	if err != nil {
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-t.done:
	}
}
