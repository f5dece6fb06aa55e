// Package proxy provisions and removes nginx reverse-proxy vhosts for
// deployed apps, with TLS certificates acquired automatically via
// golang.org/x/crypto/acme/autocert (§4.5 PROVISION_DOMAIN / DELETE_PROXY,
// SPEC_FULL.md §8 domain stack). Nothing in the retrieved pack runs nginx
// directly, so the vhost-write-then-reload shape is grounded on the same
// os/exec idiom the teacher's GitClient uses for every git invocation:
// build the argument list, run it, surface CombinedOutput on failure.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme/autocert"
)

const vhostTemplate = `server {
    listen 80;
    server_name {{.Domain}};
    location / {
        proxy_pass http://127.0.0.1:{{.Port}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
    }
}
`

// Manager writes nginx vhost files and reloads nginx, optionally wiring in
// autocert-issued TLS for a domain.
type Manager struct {
	vhostDir  string
	certCache string
	reload    func(ctx context.Context) error
	log       zerolog.Logger
	tmpl      *template.Template

	mu       sync.Mutex
	acmeMgrs map[string]*autocert.Manager // domain -> manager, for TLSListener
}

// New constructs a Manager. vhostDir is typically /etc/nginx/sites-enabled;
// certCache is autocert's on-disk certificate cache directory.
func New(vhostDir, certCache string, log zerolog.Logger) *Manager {
	return &Manager{
		vhostDir:  vhostDir,
		certCache: certCache,
		reload:    reloadNginx,
		log:       log.With().Str("component", "proxy").Logger(),
		tmpl:      template.Must(template.New("vhost").Parse(vhostTemplate)),
		acmeMgrs:  make(map[string]*autocert.Manager),
	}
}

type vhostData struct {
	Domain string
	Port   int
}

// Provision writes a vhost file routing domain -> 127.0.0.1:port, reloads
// nginx, and (if sslEnabled) registers the domain with an autocert manager
// so the next TLS handshake for it triggers certificate issuance.
func (m *Manager) Provision(ctx context.Context, proxyID, domain string, port int, sslEnabled bool) error {
	if err := os.MkdirAll(m.vhostDir, 0o755); err != nil {
		return fmt.Errorf("create vhost directory: %w", err)
	}

	path := m.vhostPath(proxyID)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create vhost file: %w", err)
	}
	defer f.Close()

	if err := m.tmpl.Execute(f, vhostData{Domain: domain, Port: port}); err != nil {
		return fmt.Errorf("render vhost template: %w", err)
	}

	if sslEnabled {
		if err := m.enableTLS(domain); err != nil {
			return fmt.Errorf("enable TLS: %w", err)
		}
	}

	if err := m.reload(ctx); err != nil {
		return fmt.Errorf("reload nginx: %w", err)
	}

	m.log.Info().Str("proxyId", proxyID).Str("domain", domain).Int("port", port).Msg("provisioned proxy")
	return nil
}

// enableTLS registers an autocert Manager for domain so a later
// TLSListener call can front nginx with a terminating TLS listener that
// fetches and renews its certificate on demand.
func (m *Manager) enableTLS(domain string) error {
	if err := os.MkdirAll(m.certCache, 0o700); err != nil {
		return fmt.Errorf("create cert cache: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acmeMgrs[domain] = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Cache:      autocert.DirCache(m.certCache),
	}
	return nil
}

// TLSListener wraps a plain listener with a TLS listener that serves an
// autocert-issued certificate for domain, renewing automatically. Returns
// an error if domain has no registered autocert.Manager (Provision was
// never called for it with sslEnabled).
func (m *Manager) TLSListener(domain string, inner net.Listener) (net.Listener, error) {
	m.mu.Lock()
	mgr, ok := m.acmeMgrs[domain]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no TLS manager registered for domain %q", domain)
	}
	return tls.NewListener(inner, mgr.TLSConfig()), nil
}

// Remove deletes the vhost file for proxyID and reloads nginx, dropping any
// registered autocert.Manager for domain.
func (m *Manager) Remove(ctx context.Context, proxyID, domain string) error {
	path := m.vhostPath(proxyID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove vhost file: %w", err)
	}
	m.mu.Lock()
	delete(m.acmeMgrs, domain)
	m.mu.Unlock()
	if err := m.reload(ctx); err != nil {
		return fmt.Errorf("reload nginx: %w", err)
	}
	m.log.Info().Str("proxyId", proxyID).Msg("removed proxy")
	return nil
}

func (m *Manager) vhostPath(proxyID string) string {
	return filepath.Join(m.vhostDir, fmt.Sprintf("%s.conf", proxyID))
}

func reloadNginx(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "nginx", "-s", "reload")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
