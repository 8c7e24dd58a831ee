// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/cvex/pkg/execcontext"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var (
	ErrNoAuthMethod = errors.New("either a password or a private key is required")
	ErrHostRequired = errors.New("host is required")
)

const defaultPort = "22"

// Client implements remote.Executor over SSH, with file transfers over SFTP.
// Every call dials its own connection, so a Client is safe for concurrent use.
type Client struct {
	Host       string
	User       string
	Password   string
	PrivateKey []byte
	Port       string

	// ExecCtx renders commands; Windows guests use execcontext.NewWindows.
	ExecCtx execcontext.Context
}

// Option configures a Client.
type Option func(*Client)

// WithPassword authenticates with a password, as Vagrant Windows boxes do.
func WithPassword(password string) Option {
	return func(c *Client) {
		c.Password = password
	}
}

// WithPrivateKey authenticates with a PEM private key.
func WithPrivateKey(key []byte) Option {
	return func(c *Client) {
		c.PrivateKey = key
	}
}

// WithExecContext selects how commands are rendered.
func WithExecContext(execCtx execcontext.Context) Option {
	return func(c *Client) {
		c.ExecCtx = execCtx
	}
}

// NewClient creates a new SSH client.
func NewClient(host, user, port string, opts ...Option) (*Client, error) {
	if host == "" {
		return nil, ErrHostRequired
	}
	if port == "" {
		port = defaultPort
	}

	c := &Client{
		Host:    host,
		User:    user,
		Port:    port,
		ExecCtx: execcontext.New(nil, nil),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.Password == "" && len(c.PrivateKey) == 0 {
		return nil, ErrNoAuthMethod
	}

	return c, nil
}

// ReadPrivateKey reads a private key file for WithPrivateKey.
func ReadPrivateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	return key, nil
}

// Run implements remote.Executor.
func (c *Client) Run(ctx context.Context, cmd ...string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(execcontext.FormatCmd(c.ExecCtx, cmd...))
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdoutBuf.String(), fmt.Errorf("remote command failed: %w: %s",
				err, strings.TrimSpace(stderrBuf.String()))
		}
	}

	return stdoutBuf.String(), nil
}

// Upload implements remote.Executor.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	return c.withSFTP(ctx, func(client *sftp.Client) error {
		src, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer runFuncAndLogErr(src.Close)

		dst, err := client.Create(sftpPath(remotePath))
		if err != nil {
			return fmt.Errorf("unable to create remote file: %w", err)
		}

		_, err = io.Copy(dst, src)
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		return err
	})
}

// Download implements remote.Executor. No file is left at localPath when the
// transfer fails.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	return c.withSFTP(ctx, func(client *sftp.Client) error {
		src, err := client.Open(sftpPath(remotePath))
		if err != nil {
			return fmt.Errorf("unable to open remote file: %w", err)
		}
		defer runFuncAndLogErr(src.Close)

		return writeFile(localPath, src)
	})
}

// writeFile copies r to path and removes path if the copy or the close fails.
func writeFile(path string, r io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}

	_, err = io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		runFuncAndLogErr(func() error { return os.Remove(path) })
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// AwaitServer waits for the SSH server to be available.
func (c *Client) AwaitServer(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		slog.Debug("ssh server not available yet", "addr", c.addr(), "err", err.Error())

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for SSH server at %s: %w", c.addr(), ctx.Err())
		case <-tick.C:
		}
	}
}

func (c *Client) withSFTP(ctx context.Context, f func(*sftp.Client) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer runFuncAndLogErr(conn.Close)

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("unable to start SFTP subsystem: %w", err)
	}
	defer runFuncAndLogErr(client.Close)

	done := make(chan error, 1)
	go func() { done <- f(client) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := c.addr()
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // disposable test VMs
		Timeout:         10 * time.Second,
	}, nil
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// sftpPath converts a Windows path such as C:\Windows\hosts into the /C:/Windows/hosts
// form expected by the OpenSSH SFTP server. POSIX paths are returned unchanged.
func sftpPath(p string) string {
	if len(p) >= 2 && p[1] == ':' {
		return "/" + strings.ReplaceAll(p, `\`, "/")
	}
	return p
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
