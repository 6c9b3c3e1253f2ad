package callback

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server is the GENA NOTIFY ingestion endpoint (§4.C). It binds the first
// free port in a configured range on the machine's routable local
// interface, and exposes a single unguessable path (the token) that every
// subscription's CALLBACK header points at. Header validation happens
// here; the NOTIFY body is handed to the Router untouched — XML decoding
// is the event processor's job (§9: callback server has no XML knowledge).
type Server struct {
	listener net.Listener
	http     *http.Server
	router   *Router
	token    string
	baseURL  string
	logger   zerolog.Logger
}

// ErrNoPortAvailable is returned by NewServer when every port in the
// configured range is already bound.
type ErrNoPortAvailable struct {
	Start, End int
}

func (e *ErrNoPortAvailable) Error() string {
	return fmt.Sprintf("callback: no free port in range %d-%d", e.Start, e.End)
}

// NewServer binds a listener in [portStart, portEnd] and wires a chi
// router with the NOTIFY route. It does not start serving until Start is
// called.
func NewServer(router *Router, portStart, portEnd int, logger zerolog.Logger) (*Server, error) {
	localIP, err := discoverLocalIP()
	if err != nil {
		return nil, fmt.Errorf("callback: discover local ip: %w", err)
	}

	listener, port, err := bindInRange(portStart, portEnd)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	baseURL := fmt.Sprintf("http://%s:%d/notify/%s", localIP, port, token)

	s := &Server{
		listener: listener,
		router:   router,
		token:    token,
		baseURL:  baseURL,
		logger:   logger.With().Str("component", "callback_server").Logger(),
	}

	mux := chi.NewRouter()
	mux.MethodFunc("NOTIFY", "/notify/{token}", s.handleNotify)
	s.http = &http.Server{Handler: mux}

	return s, nil
}

// Start begins serving in a background goroutine. The returned error
// channel receives at most one value: the error http.Serve exited with
// (nil on clean Shutdown).
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		err := s.http.Serve(s.listener)
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()
	return errCh
}

// Shutdown gracefully stops the server, waiting at most the context
// deadline for in-flight NOTIFYs to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// CallbackURL returns the base URL every subscription should register,
// already wrapped in angle brackets per the GENA CALLBACK header format.
func (s *Server) CallbackURL() string {
	return "<" + s.baseURL + ">"
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token != s.token {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	sid := canonicalSID(r.Header.Get("SID"))
	if sid == "" {
		http.Error(w, "missing SID", http.StatusBadRequest)
		return
	}

	if nt := r.Header.Get("NT"); nt != "" && nt != "upnp:event" {
		http.Error(w, "unsupported NT", http.StatusBadRequest)
		return
	}
	if nts := r.Header.Get("NTS"); nts != "" && nts != "upnp:propchange" {
		http.Error(w, "unsupported NTS", http.StatusBadRequest)
		return
	}

	seq, _ := strconv.Atoi(r.Header.Get("SEQ"))

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	sourceIP := sourceIPFromRequest(r)

	n := Notification{
		SID:      sid,
		Seq:      seq,
		NT:       r.Header.Get("NT"),
		NTS:      r.Header.Get("NTS"),
		SourceIP: sourceIP,
		Body:     body,
	}

	if !s.router.Dispatch(n) {
		if s.router.Has(sid) {
			// Known SID whose buffer is full: the router already logged
			// the drop, and the device still gets a 200.
			w.WriteHeader(http.StatusOK)
			return
		}
		s.logger.Debug().Str("sid", sid).Msg("no registrant for SID, dropping notification")
		http.Error(w, "unknown SID", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func sourceIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func canonicalSID(sid string) string {
	return strings.TrimPrefix(strings.TrimSpace(sid), "uuid:")
}

// bindInRange tries every port in [start, end] in order and returns the
// first one that binds.
func bindInRange(start, end int) (net.Listener, int, error) {
	for port := start; port <= end; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, &ErrNoPortAvailable{Start: start, End: end}
}

// discoverLocalIP finds the routable local interface address by dialing a
// UDP "connection" (no packet is actually sent) and reading back the
// local address the kernel picked for that route. This is the standard
// trick for finding "the" local IP without enumerating interfaces by hand.
func discoverLocalIP() (string, error) {
	conn, err := net.DialTimeout("udp", "8.8.8.8:80", 2*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("callback: unexpected local addr type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
