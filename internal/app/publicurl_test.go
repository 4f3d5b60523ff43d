package app

import (
	"context"
	"strings"
	"testing"

	"github.com/openclaw/voicebridge/internal/config"
)

func TestResolvePublicURL_ExplicitWins(t *testing.T) {
	t.Parallel()
	url, tun, err := resolvePublicURL(context.Background(), config.ServerConfig{
		PublicURL:  "https://bridge.example.com/",
		TunnelURL:  "https://tunnel.example.com",
		ListenAddr: ":8080",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tun != nil {
		t.Error("no tunnel should be started for an explicit url")
	}
	if url != "https://bridge.example.com" {
		t.Errorf("url = %q, want explicit with trailing slash trimmed", url)
	}
}

func TestResolvePublicURL_TunnelURL(t *testing.T) {
	t.Parallel()
	url, _, err := resolvePublicURL(context.Background(), config.ServerConfig{
		TunnelURL:  "https://abc.ngrok.app",
		ListenAddr: ":8080",
	})
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://abc.ngrok.app" {
		t.Errorf("url = %q", url)
	}
}

func TestResolvePublicURL_LocalFallback(t *testing.T) {
	t.Parallel()
	url, _, err := resolvePublicURL(context.Background(), config.ServerConfig{ListenAddr: ":9191"})
	if err != nil {
		t.Fatal(err)
	}
	if url != "http://localhost:9191" {
		t.Errorf("url = %q", url)
	}
}

func TestResolvePublicURL_TunnelCommand(t *testing.T) {
	t.Parallel()
	url, tun, err := resolvePublicURL(context.Background(), config.ServerConfig{
		TunnelCommand: "echo tunnel ready at https://xyz.trycloudflare.com for you",
		ListenAddr:    ":8080",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tun.Stop()
	if url != "https://xyz.trycloudflare.com" {
		t.Errorf("url = %q, want the first https url printed", url)
	}
}

func TestListenPort(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		":8080":          "8080",
		"0.0.0.0:9000":   "9000",
		"localhost:3000": "3000",
		"garbage":        "8080",
		"":               "8080",
	}
	for in, want := range cases {
		if got := listenPort(in); got != want {
			t.Errorf("listenPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLanIPWellFormed(t *testing.T) {
	t.Parallel()
	ip := lanIP()
	if ip == "" {
		t.Skip("no route available in this environment")
	}
	if strings.Count(ip, ".") != 3 && !strings.Contains(ip, ":") {
		t.Errorf("lanIP() = %q, not an address", ip)
	}
}
