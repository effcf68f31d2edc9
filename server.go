package pirest

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// ConnMode is the connection mode a `Server` was constructed with.
type ConnMode uint8

// connection modes
const (
	// ModePlain serves HTTP only.
	ModePlain ConnMode = iota

	// ModeTLS serves HTTPS only.
	ModeTLS

	// ModeDetect sniffs the first bytes of every connection and serves
	// both HTTP and HTTPS.
	ModeDetect
)

// Server owns the listener, the accept loop, the shared TLS context, a
// `Router` and a `Setting`.
//
// It is highly recommended not to modify the value of any field of the
// `Server` after calling the `Server.ListenAndServe`, which will cause
// unpredictable problems.
//
// The new instances of the `Server` should only be created by calling the
// `NewPlainServer`, the `NewTLSServer` or the `NewDetectServer`.
type Server struct {
	// TLSConfig is the TLS configuration shared read-only by every TLS
	// connection for the lifetime of the server. It is cloned and
	// completed at `ListenAndServe` time; the minimum version is raised
	// to TLS 1.2.
	//
	// Default value: nil
	TLSConfig *tls.Config

	// TLSCertFile is the path to the TLS certificate file.
	//
	// The `TLSCertFile` must be set together with the `TLSKeyFile`. The
	// certificate is appended to the `Certificates` of the TLS context.
	//
	// Default value: ""
	TLSCertFile string

	// TLSKeyFile is the path to the TLS key file.
	//
	// Default value: ""
	TLSKeyFile string

	// ACMEEnabled indicates whether the ACME feature is enabled, giving
	// the server the ability to automatically obtain new certificates
	// from the ACME CA.
	//
	// Default value: false
	ACMEEnabled bool

	// ACMEDirectoryURL is the ACME CA directory URL of the ACME feature.
	//
	// Default value: "https://acme-v02.api.letsencrypt.org/directory"
	ACMEDirectoryURL string

	// ACMECertRoot is the root of the certificates of the ACME feature.
	//
	// Default value: "acme-certs"
	ACMECertRoot string

	// ACMEHostWhitelist is the list of hosts allowed by the ACME
	// feature. A zero length means all hosts are allowed.
	//
	// Default value: nil
	ACMEHostWhitelist []string

	// MaintainerEmail is the e-mail address registered with the ACME CA.
	//
	// Default value: ""
	MaintainerEmail string

	// ConfigFile is the path to the configuration file that will be
	// parsed into the matching `Setting` fields before listening.
	//
	// The ".json" extension means the configuration file is JSON-based.
	// The ".toml" extension means the configuration file is TOML-based.
	// The ".yaml" and ".yml" extensions mean the configuration file is
	// YAML-based.
	//
	// Default value: ""
	ConfigFile string

	// Logger logs the runtime of the server: accept failures at the
	// error level, per-connection I/O failures at the debug level.
	//
	// Default value: `logrus.StandardLogger()`
	Logger *logrus.Logger

	mode      ConnMode
	setting   *Setting
	router    *Router
	tlsConfig *tls.Config

	mutex      sync.Mutex
	closed     bool
	listener   net.Listener
	acceptDone chan struct{}
	conns      map[net.Conn]struct{}
}

// NewPlainServer returns a new instance of the `Server` that serves HTTP
// only.
func NewPlainServer() *Server {
	return newServer(ModePlain)
}

// NewTLSServer returns a new instance of the `Server` that serves HTTPS
// only.
func NewTLSServer() *Server {
	return newServer(ModeTLS)
}

// NewDetectServer returns a new instance of the `Server` that auto-detects
// whether each connection speaks TLS and serves both HTTP and HTTPS.
func NewDetectServer() *Server {
	return newServer(ModeDetect)
}

// newServer returns a new instance of the `Server` with the mode.
func newServer(mode ConnMode) *Server {
	return &Server{
		ACMEDirectoryURL: "https://acme-v02.api.letsencrypt.org" +
			"/directory",
		ACMECertRoot: "acme-certs",
		Logger:       logrus.StandardLogger(),
		mode:         mode,
		setting:      NewSetting(),
		router:       NewRouter(),
		conns:        map[net.Conn]struct{}{},
	}
}

// Mode returns the connection mode of the s.
func (s *Server) Mode() ConnMode {
	return s.mode
}

// Setting returns the `Setting` of the s for configuration before the
// `ListenAndServe`.
func (s *Server) Setting() *Setting {
	return s.setting
}

// HandleFunc registers the handler for the target template and the
// allowedMethods in the router of the s. See the `Router.AddRoute`.
//
// Routes are frozen by convention once the s begins serving.
func (s *Server) HandleFunc(
	target string,
	handler interface{},
	allowedMethods []string,
) error {
	return s.router.AddRoute(target, handler, allowedMethods)
}

// ListenAndServe binds the address and the port with SO_REUSEADDR, starts
// the accept loop and returns. Serving continues until the `Close`.
//
// A port of 0 picks a free port; the `LocalEndpoint` reports the bound
// address.
func (s *Server) ListenAndServe(address string, port uint16) error {
	s.mutex.Lock()
	if s.listener != nil {
		s.mutex.Unlock()
		return errors.New("pirest: server is already listening")
	}
	s.mutex.Unlock()

	if s.ConfigFile != "" {
		if err := s.setting.loadFile(s.ConfigFile); err != nil {
			return err
		}
	}

	if s.mode != ModePlain {
		tlsConfig, err := s.buildTLSConfig()
		if err != nil {
			return err
		}

		s.tlsConfig = tlsConfig
	}

	lc := net.ListenConfig{
		Control: controlReuseAddr,
	}

	l, err := lc.Listen(
		context.Background(),
		"tcp",
		net.JoinHostPort(
			address,
			strconv.FormatUint(uint64(port), 10),
		),
	)
	if err != nil {
		return err
	}

	done := make(chan struct{})

	s.mutex.Lock()
	s.closed = false
	s.listener = l
	s.acceptDone = done
	s.mutex.Unlock()

	go s.acceptLoop(l, done)

	return nil
}

// LocalEndpoint returns the bound address of the s, or nil when the s is not
// listening.
func (s *Server) LocalEndpoint() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Close stops the s: the acceptor is closed and joined, and every live
// connection's socket is closed so that its pending operations run to their
// failure. The `Close` is idempotent, and the s may be re-opened with a
// subsequent `ListenAndServe`.
//
// The `Close` blocks until the accept loop has exited. It never joins a
// connection goroutine, so calling it from a handler or filter cannot
// deadlock on the caller's own connection.
func (s *Server) Close() {
	s.mutex.Lock()
	s.closed = true
	l := s.listener
	s.listener = nil
	done := s.acceptDone
	s.acceptDone = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for nc := range s.conns {
		conns = append(conns, nc)
	}
	s.conns = map[net.Conn]struct{}{}
	s.mutex.Unlock()

	if l != nil {
		l.Close()
	}

	if done != nil {
		<-done
	}

	for _, nc := range conns {
		nc.Close()
	}
}

// buildTLSConfig assembles the shared TLS context of the s from the
// `TLSConfig`, the certificate files and the ACME feature.
func (s *Server) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := s.TLSConfig
	if tlsConfig != nil {
		tlsConfig = tlsConfig.Clone()
	} else {
		tlsConfig = &tls.Config{}
	}

	if tlsConfig.MinVersion < tls.VersionTLS12 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	if s.TLSCertFile != "" && s.TLSKeyFile != "" {
		c, err := tls.LoadX509KeyPair(s.TLSCertFile, s.TLSKeyFile)
		if err != nil {
			return nil, err
		}

		tlsConfig.Certificates = append(tlsConfig.Certificates, c)
	}

	if s.ACMEEnabled {
		acm := &autocert.Manager{
			Prompt: autocert.AcceptTOS,
			Cache:  autocert.DirCache(s.ACMECertRoot),
			Client: &acme.Client{
				DirectoryURL: s.ACMEDirectoryURL,
			},
			Email: s.MaintainerEmail,
		}
		if len(s.ACMEHostWhitelist) > 0 {
			acm.HostPolicy = autocert.HostWhitelist(
				s.ACMEHostWhitelist...,
			)
		}

		getCertificate := tlsConfig.GetCertificate
		tlsConfig.GetCertificate = func(
			chi *tls.ClientHelloInfo,
		) (*tls.Certificate, error) {
			if getCertificate != nil {
				c, err := getCertificate(chi)
				if err != nil {
					return nil, err
				}

				if c != nil {
					return c, nil
				}
			}

			return acm.GetCertificate(chi)
		}

		for _, proto := range acm.TLSConfig().NextProtos {
			if !stringSliceContains(
				tlsConfig.NextProtos,
				proto,
				false,
			) {
				tlsConfig.NextProtos = append(
					tlsConfig.NextProtos,
					proto,
				)
			}
		}
	}

	return tlsConfig, nil
}

// acceptLoop accepts sockets on the l and hands each to a fresh connection
// until the s is closed. A per-socket failure never stops the loop.
func (s *Server) acceptLoop(l net.Listener, done chan struct{}) {
	defer close(done)

	for {
		nc, err := l.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.Logger.Errorf("pirest: accept failed: %v", err)

			continue
		}

		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(3 * time.Minute)
		}

		nc.SetReadDeadline(time.Now().Add(s.setting.ReadTimeout))

		s.trackConn(nc, true)

		c := newConn(s, nc)
		go func() {
			c.serve()
			s.trackConn(nc, false)
		}()
	}
}

// isClosed reports whether the s has been closed.
func (s *Server) isClosed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}

// trackConn records or forgets a live socket of the s.
func (s *Server) trackConn(nc net.Conn, add bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if add {
		s.conns[nc] = struct{}{}
	} else {
		delete(s.conns, nc)
	}
}
