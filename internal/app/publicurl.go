package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/openclaw/voicebridge/internal/config"
)

// tunnelStartTimeout bounds the wait for the tunnel command to print its
// public URL.
const tunnelStartTimeout = 30 * time.Second

var httpsURLRe = regexp.MustCompile(`https://[^\s"']+`)

// resolvePublicURL picks the externally reachable base URL in priority
// order: explicit public_url, an already-running tunnel's URL, a tunnel
// command started (and kept open) as a child process, the LAN address when
// expose_lan is set, and finally the local listen address.
func resolvePublicURL(ctx context.Context, cfg config.ServerConfig) (string, *tunnel, error) {
	if cfg.PublicURL != "" {
		return strings.TrimSuffix(cfg.PublicURL, "/"), nil, nil
	}
	if cfg.TunnelURL != "" {
		return strings.TrimSuffix(cfg.TunnelURL, "/"), nil, nil
	}
	if cfg.TunnelCommand != "" {
		tun, err := startTunnel(ctx, cfg.TunnelCommand)
		if err != nil {
			return "", nil, err
		}
		return tun.url, tun, nil
	}
	port := listenPort(cfg.ListenAddr)
	if cfg.ExposeLAN {
		if ip := lanIP(); ip != "" {
			return "http://" + net.JoinHostPort(ip, port), nil, nil
		}
		slog.Warn("expose_lan set but no LAN address found, using localhost")
	}
	return "http://localhost:" + port, nil, nil
}

// tunnel is a child process (ngrok, cloudflared, ...) kept open for the
// server's lifetime.
type tunnel struct {
	cmd *exec.Cmd
	url string
}

// startTunnel launches the command and waits for the first https URL it
// prints on stdout or stderr. The process keeps running after the URL is
// captured.
func startTunnel(ctx context.Context, command string) (*tunnel, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("tunnel command is empty")
	}

	// No CommandContext: the tunnel must outlive the startup context and is
	// stopped explicitly.
	cmd := exec.Command(fields[0], fields[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tunnel stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("tunnel stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tunnel %q: %w", fields[0], err)
	}

	urlCh := make(chan string, 2)
	scan := func(r io.Reader) {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := sc.Text()
			if m := httpsURLRe.FindString(line); m != "" {
				select {
				case urlCh <- m:
				default:
				}
			}
		}
	}
	go scan(stdout)
	go scan(stderr)

	select {
	case url := <-urlCh:
		slog.Info("tunnel established", "command", fields[0], "url", url)
		return &tunnel{cmd: cmd, url: strings.TrimSuffix(url, "/")}, nil
	case <-time.After(tunnelStartTimeout):
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("tunnel %q printed no https url within %s", fields[0], tunnelStartTimeout)
	case <-ctx.Done():
		cmd.Process.Kill()
		cmd.Wait()
		return nil, ctx.Err()
	}
}

// Stop kills the tunnel process and reaps it.
func (t *tunnel) Stop() {
	if t == nil || t.cmd == nil || t.cmd.Process == nil {
		return
	}
	t.cmd.Process.Kill()
	t.cmd.Wait()
}

// lanIP returns the interface address used for outbound traffic. The UDP
// dial never sends a packet; it only asks the kernel for a route.
func lanIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

func listenPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return "8080"
	}
	return port
}
