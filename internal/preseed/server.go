// Package preseed serves a local preseed file to the installer over HTTP.
package preseed

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/gofiber/fiber/v2"
)

const (
	// Path is where the preseed file is served.
	Path = "/preseed.cfg"
	// GuestHostAddress is the host as seen from a QEMU user-mode network.
	GuestHostAddress = "10.0.2.2"
)

// NewApp returns the HTTP application serving content at Path.
func NewApp(content []byte, logger *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Get(Path, func(c *fiber.Ctx) error {
		logger.Info("serving preseed file", slog.String("remote", c.IP()))
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Send(content)
	})

	return app
}

// Server is a running preseed HTTP server.
type Server struct {
	app      *fiber.App
	listener net.Listener
	served   chan error
	logger   *slog.Logger
}

// Start serves the file at path on listen until Shutdown.
func Start(listen, path string, logger *slog.Logger) (*Server, error) {
	logger = logger.With(slog.String("component", "preseed"))

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read preseed file: %w", err)
	}

	listener, err := net.Listen("tcp4", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listen, err)
	}

	s := &Server{
		app:      NewApp(content, logger),
		listener: listener,
		served:   make(chan error, 1),
		logger:   logger,
	}

	go func() {
		s.served <- s.app.Listener(listener)
	}()

	logger.Info("preseed server started",
		slog.String("address", listener.Addr().String()),
		slog.String("file", path),
	)

	return s, nil
}

// Port is the TCP port the server listens on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// GuestURL is the preseed URL as reachable from a guest on QEMU user-mode
// networking.
func (s *Server) GuestURL() string {
	return fmt.Sprintf("http://%s:%d%s", GuestHostAddress, s.Port(), Path)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("failed to stop preseed server: %w", err)
	}
	// Unblocks a server that had not started accepting yet.
	_ = s.listener.Close()
	if err := <-s.served; err != nil {
		return fmt.Errorf("preseed server failed: %w", err)
	}
	s.logger.Info("preseed server stopped")
	return nil
}

// GuestURLFor is the guest URL a server started on listen will have. The
// port must be explicit.
func GuestURLFor(listen string) (string, error) {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("invalid preseed listen address %q: %w", listen, err)
	}
	if port == "" || port == "0" {
		return "", fmt.Errorf("preseed listen address %q has no fixed port", listen)
	}
	return fmt.Sprintf("http://%s:%s%s", GuestHostAddress, port, Path), nil
}
