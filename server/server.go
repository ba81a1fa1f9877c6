// Package server runs the reconciliation loop and serves a small read-only
// HTTP surface for operators.
package server

import (
	"bytes"
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/logging"
	"github.com/pullrekun/pullrekun/models"
)

// EnvironmentView is one environment as shown by the HTTP surface.
type EnvironmentView struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	Ref        string `json:"ref"`
	SHA        string `json:"sha"`
	ShortSHA   string `json:"-"`
	Launched   bool   `json:"launched"`
	ServerID   int64  `json:"server_id"`
	ServerName string `json:"server_name"`
	CheckURL   string `json:"check_url"`
}

type indexData struct {
	Repo         string
	Environments []EnvironmentView
	Status       Status
}

// Server is the long running process: the scheduler plus HTTP.
type Server struct {
	App             *fiber.App
	Store           ledger.Store
	Scheduler       *Scheduler
	Logger          *logging.SimpleLogger
	Repo            models.Repo
	Addr            string
	ShutdownTimeout time.Duration
}

// New builds the server and registers its routes.
func New(store ledger.Store, scheduler *Scheduler, logger *logging.SimpleLogger, repo models.Repo, addr string, shutdownTimeout time.Duration) *Server {
	s := &Server{
		App:             fiber.New(fiber.Config{DisableStartupMessage: true}),
		Store:           store,
		Scheduler:       scheduler,
		Logger:          logger,
		Repo:            repo,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	s.App.Use(recover.New())
	s.App.Use(requestid.New())
	s.App.Use(requestLogger(logger))

	s.App.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	s.App.Get("/api/environments", s.environments)
	s.App.Get("/api/status", s.status)
	s.App.Get("/", s.index)
	return s
}

// Start runs the scheduler and the HTTP listener until ctx is done, then
// shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	schedulerDone := make(chan struct{})
	if s.Scheduler != nil {
		go func() {
			defer close(schedulerDone)
			s.Scheduler.Start(ctx)
		}()
	} else {
		close(schedulerDone)
	}

	listenErr := make(chan error, 1)
	go func() {
		s.Logger.Info("listening on %s", s.Addr)
		listenErr <- s.App.Listen(s.Addr)
	}()

	select {
	case err := <-listenErr:
		return errors.Wrap(err, "listening")
	case <-ctx.Done():
	}

	if err := s.App.ShutdownWithTimeout(s.ShutdownTimeout); err != nil {
		s.Logger.Warn("server shutdown: %s", err)
	}
	<-schedulerDone
	return nil
}

func (s *Server) loadEnvironments(ctx context.Context) ([]EnvironmentView, error) {
	var views []EnvironmentView
	err := s.Store.View(ctx, func(tx ledger.Tx) error {
		envs, err := ledger.Environments(ctx, tx)
		if err != nil {
			return err
		}
		for _, e := range envs {
			short := e.Pull.SHA
			if len(short) > 7 {
				short = short[:7]
			}
			views = append(views, EnvironmentView{
				Number:     e.Pull.Number,
				Title:      e.Pull.Title,
				Ref:        e.Pull.Ref,
				SHA:        e.Pull.SHA,
				ShortSHA:   short,
				Launched:   e.Pull.IsLaunched,
				ServerID:   e.Server.ID,
				ServerName: e.Server.Name,
				CheckURL:   e.Server.CheckURL,
			})
		}
		return nil
	})
	return views, err
}

func (s *Server) environments(c *fiber.Ctx) error {
	views, err := s.loadEnvironments(c.UserContext())
	if err != nil {
		s.Logger.Err("loading environments: %s", err)
		return fiber.NewError(fiber.StatusInternalServerError, "could not load environments")
	}
	if views == nil {
		views = []EnvironmentView{}
	}
	return c.JSON(views)
}

func (s *Server) status(c *fiber.Ctx) error {
	var st Status
	if s.Scheduler != nil {
		st = s.Scheduler.Status()
	}
	return c.JSON(st)
}

func (s *Server) index(c *fiber.Ctx) error {
	views, err := s.loadEnvironments(c.UserContext())
	if err != nil {
		s.Logger.Err("loading environments: %s", err)
		return fiber.NewError(fiber.StatusInternalServerError, "could not load environments")
	}
	data := indexData{Repo: s.Repo.FullName(), Environments: views}
	if s.Scheduler != nil {
		data.Status = s.Scheduler.Status()
	}
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, data); err != nil {
		s.Logger.Err("rendering index: %s", err)
		return fiber.NewError(fiber.StatusInternalServerError, "could not render index")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Send(buf.Bytes())
}

func requestLogger(logger *logging.SimpleLogger) fiber.Handler {
	log := logger.Zap()
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		reqID, _ := c.Locals("requestid").(string)
		log.Debugw("http",
			"method", c.Method(),
			"path", c.OriginalURL(),
			"status", c.Response().StatusCode(),
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
			"request_id", reqID,
		)
		return err
	}
}
