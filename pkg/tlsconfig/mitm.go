package tlsconfig

import (
	"crypto/tls"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/WhileEndless/go-httpproxy/pkg/errors"
)

// Identity holds the proxy's forged TLS identity used to terminate MITM
// CONNECT tunnels: one certificate and key, presented to every client
// regardless of the tunneled hostname.
type Identity struct {
	certFile string
	keyFile  string
	log      hclog.Logger

	mu   sync.RWMutex
	cert tls.Certificate

	watcher *fsnotify.Watcher
	closed  atomic.Bool
}

// LoadIdentity loads a PEM-encoded certificate and private key from disk and
// begins watching both files for changes, reloading the in-memory
// certificate whenever either is rewritten (e.g. a renewed cert dropped in
// place without restarting the proxy).
func LoadIdentity(certFile, keyFile string, log hclog.Logger) (*Identity, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.NewTLSError(certFile, 0, err)
	}

	id := &Identity{
		certFile: certFile,
		keyFile:  keyFile,
		log:      log.Named("mitm-identity"),
		cert:     cert,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Hot-reload is a convenience, not a correctness requirement; the
		// proxy can run fine with the cert it already loaded.
		id.log.Warn("certificate watcher unavailable, hot-reload disabled", "error", err)
		return id, nil
	}
	if err := watcher.Add(certFile); err != nil {
		id.log.Warn("failed to watch certificate file", "file", certFile, "error", err)
	}
	if err := watcher.Add(keyFile); err != nil {
		id.log.Warn("failed to watch key file", "file", keyFile, "error", err)
	}
	id.watcher = watcher

	go id.watchLoop()

	return id, nil
}

func (id *Identity) watchLoop() {
	for {
		select {
		case event, ok := <-id.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			id.reload()
		case err, ok := <-id.watcher.Errors:
			if !ok {
				return
			}
			id.log.Warn("certificate watcher error", "error", err)
		}
	}
}

func (id *Identity) reload() {
	cert, err := tls.LoadX509KeyPair(id.certFile, id.keyFile)
	if err != nil {
		id.log.Warn("certificate reload failed, keeping previous identity", "error", err)
		return
	}
	id.mu.Lock()
	id.cert = cert
	id.mu.Unlock()
	id.log.Info("MITM certificate reloaded", "cert", id.certFile)
}

// Certificate returns the currently active certificate. Safe for concurrent
// use with reload.
func (id *Identity) Certificate() tls.Certificate {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.cert
}

// ServerConfig returns a tls.Config suitable for terminating the client-side
// leg of an intercepted CONNECT tunnel, always resolving the current
// certificate even across a hot-reload.
func (id *Identity) ServerConfig() *tls.Config {
	cfg := &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := id.Certificate()
			return &cert, nil
		},
	}
	ApplyVersionProfile(cfg, ProfileSecure)
	ApplyCipherSuites(cfg, cfg.MinVersion)
	return cfg
}

// Close stops the certificate watcher, if any.
func (id *Identity) Close() error {
	if !id.closed.CompareAndSwap(false, true) {
		return nil
	}
	if id.watcher != nil {
		return id.watcher.Close()
	}
	return nil
}
