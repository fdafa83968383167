package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/rs/zerolog"

	"github.com/openspool/printd/pkg/config"
	"github.com/openspool/printd/pkg/dispatch"
	"github.com/openspool/printd/pkg/log"
)

// Server is the IPP channel front: it accepts application/ipp POST
// requests, frames them into messages, and hands them to the
// dispatcher.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher

	// Authenticate verifies Basic credentials; nil treats every request
	// as unauthenticated, leaving policy to challenge where required.
	Authenticate func(user, pass string) bool

	httpSrv *http.Server
	logger  zerolog.Logger
}

// New creates the channel front over the dispatcher.
func New(cfg *config.Config, d *dispatch.Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		logger:     log.WithComponent("server"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIPP)
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

// Start binds the listen address and serves in the background. The
// bind itself is synchronous so a bad address fails startup.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpSrv.Addr, err)
	}
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("listening")

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()
	return nil
}

// Stop drains connections and shuts the listener down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleIPP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "printd is running")
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/ipp" {
		http.Error(w, "Unsupported media type", http.StatusUnsupportedMediaType)
		return
	}

	// The decoder stops at the end-of-attributes tag; whatever remains
	// in the reader is the document payload.
	body := bufio.NewReader(r.Body)
	var msg goipp.Message
	if err := msg.Decode(body); err != nil {
		s.logger.Debug().Err(err).Str("host", r.RemoteAddr).Msg("undecodable request")
		http.Error(w, "Bad IPP message", http.StatusBadRequest)
		return
	}

	res := s.dispatcher.Dispatch(r.Context(), s.client(r), &msg, body)

	data, err := res.Msg.EncodeBytes()
	if err != nil {
		s.logger.Error().Err(err).Msg("response encoding failed")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/ipp")
	if res.HTTPStatus == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", s.cfg.ServerName))
	}
	if res.HTTPStatus != 0 {
		w.WriteHeader(res.HTTPStatus)
	}
	if _, err := w.Write(data); err != nil {
		return
	}
	if res.File != "" {
		s.sendFile(w, res.File)
	}
}

// sendFile streams a retained document after the encoded response.
func (s *Server) sendFile(w http.ResponseWriter, path string) {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("document stream failed")
		return
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug().Err(err).Msg("document copy interrupted")
	}
}

// client derives what the dispatcher needs to know about the peer.
func (s *Server) client(r *http.Request) *dispatch.Client {
	cl := &dispatch.Client{TLS: r.TLS != nil}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	cl.Host = host
	if ip := net.ParseIP(host); ip != nil {
		cl.Local = ip.IsLoopback()
	} else {
		cl.Local = strings.EqualFold(host, "localhost")
	}

	if user, pass, ok := r.BasicAuth(); ok && user != "" {
		if s.Authenticate != nil && s.Authenticate(user, pass) {
			cl.User = user
			cl.Authenticated = true
		}
	}
	return cl
}
