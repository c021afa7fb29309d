// Package app wires the session client together: the REST client, the channel dialer, the
// session registry, the optional Redis relay and the status API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/relay"
	"github.com/victornm/codeduel/internal/rest"
	"github.com/victornm/codeduel/internal/session"
	"github.com/victornm/codeduel/internal/statusapi"
	"github.com/victornm/codeduel/internal/telemetry"
	"github.com/victornm/codeduel/internal/transport"
)

type Config struct {
	// HTTP serves the status API. Port 0 disables it.
	HTTP struct {
		Port int32
	}

	API struct {
		BaseURL       string
		AuthScheme    string
		Token         string
		TrailingSlash bool
		Timeout       time.Duration
	}

	Channel struct {
		BaseURL      string
		PathFormat   string
		PingInterval time.Duration
	}

	Session struct {
		ReadyConfirmTimeout time.Duration
		StartConfirmTimeout time.Duration
		TimeoutGrace        time.Duration
		ReconnectBackoff    time.Duration
		DefaultDuration     time.Duration
		PollInterval        time.Duration
	}

	Redis struct {
		// Relay is disabled when no address is configured.
		Relay struct {
			Addrs     []string
			Pass      string
			Prefix    string
			ResultTTL time.Duration
		}
	}

	Self struct {
		ID          string
		DisplayName string
	}
}

func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.API.BaseURL = "http://localhost:8000/api"
	c.API.AuthScheme = "Bearer"
	c.API.TrailingSlash = true
	c.API.Timeout = 10 * time.Second
	c.Channel.BaseURL = "ws://localhost:8000"
	c.Channel.PathFormat = "/ws/sessions/%s/"
	c.Channel.PingInterval = 20 * time.Second
	c.Session.ReadyConfirmTimeout = session.DefaultReadyConfirmTimeout
	c.Session.StartConfirmTimeout = session.DefaultStartConfirmTimeout
	c.Session.TimeoutGrace = session.DefaultTimeoutGrace
	c.Session.ReconnectBackoff = session.DefaultReconnectBackoff
	c.Session.DefaultDuration = session.DefaultDuration
	c.Redis.Relay.Addrs = []string{}
	c.Redis.Relay.Prefix = "codeduel"
	c.Redis.Relay.ResultTTL = relay.DefaultResultTTL
	return c
}

type App struct {
	c Config

	infra struct {
		redis redis.UniversalClient
	}

	service struct {
		rest     *rest.Client
		relay    *relay.Relay
		sessions *session.Registry
	}

	http *http.Server
	done chan struct{}
}

func Init(c Config) (*App, error) {
	a := &App{c: c, done: make(chan struct{})}

	if err := a.initInfra(); err != nil {
		return nil, fmt.Errorf("app: init infra: %w", err)
	}

	a.initService()
	a.initAPI()
	return a, nil
}

func (a *App) initInfra() error {
	rc := a.c.Redis.Relay
	if len(rc.Addrs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    rc.Addrs,
		Password: rc.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return fmt.Errorf("redis: relay: %w", err)
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: relay: %w", err)
	}

	a.infra.redis = r
	return nil
}

func (a *App) initService() {
	a.service.rest = rest.New(rest.Config{
		BaseURL:       a.c.API.BaseURL,
		AuthScheme:    a.c.API.AuthScheme,
		TrailingSlash: a.c.API.TrailingSlash,
		Timeout:       a.c.API.Timeout,
	}, rest.StaticCredential(a.c.API.Token))

	header := make(http.Header)
	if a.c.API.Token != "" {
		header.Set("Authorization", a.c.API.AuthScheme+" "+a.c.API.Token)
	}

	dialer := transport.NewWebsocketDialer(transport.WebsocketConfig{
		BaseURL:      a.c.Channel.BaseURL,
		PathFormat:   a.c.Channel.PathFormat,
		Header:       header,
		PingInterval: a.c.Channel.PingInterval,
	})

	var hooks []func(string, *session.Machine)
	if a.infra.redis != nil {
		a.service.relay = relay.New(relay.Config{
			Redis:     a.infra.redis,
			Prefix:    a.c.Redis.Relay.Prefix,
			ResultTTL: a.c.Redis.Relay.ResultTTL,
		})

		hooks = append(hooks, func(sessionID string, m *session.Machine) {
			a.service.relay.Attach(sessionID, m)
		})
	}

	a.service.sessions = session.NewRegistry(session.Config{
		REST:                a.service.rest,
		Dialer:              dialer,
		ReadyConfirmTimeout: a.c.Session.ReadyConfirmTimeout,
		StartConfirmTimeout: a.c.Session.StartConfirmTimeout,
		TimeoutGrace:        a.c.Session.TimeoutGrace,
		ReconnectBackoff:    a.c.Session.ReconnectBackoff,
		DefaultDuration:     a.c.Session.DefaultDuration,
		PollInterval:        a.c.Session.PollInterval,
	}, hooks...)
}

func (a *App) initAPI() {
	if a.c.HTTP.Port == 0 {
		return
	}

	c := statusapi.Config{Sessions: a.service.sessions}
	if a.service.relay != nil {
		c.Results = a.service.relay
	}

	a.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.c.HTTP.Port),
		Handler:           statusapi.New(c),
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// REST is the session service client, for the calls that are not bound to a held session
// such as create and join.
func (a *App) REST() *rest.Client { return a.service.rest }

func (a *App) Sessions() *session.Registry { return a.service.sessions }

// Self returns the configured local participant. Host is left for the caller to decide.
func (a *App) Self() domain.Participant {
	return domain.Participant{ID: a.c.Self.ID, DisplayName: a.c.Self.DisplayName}
}

// Start blocks until the relay and the status API stop.
func (a *App) Start() {
	defer close(a.done)
	ctx := context.TODO()

	var eg errgroup.Group
	if a.service.relay != nil {
		eg.Go(func() error {
			slog.InfoContext(ctx, "app: relay started", "prefix", a.c.Redis.Relay.Prefix)
			return a.service.relay.Run(ctx)
		})
	}

	if a.http != nil {
		eg.Go(func() error {
			slog.InfoContext(ctx, fmt.Sprintf("app: HTTP listening on port %d", a.c.HTTP.Port))
			if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "app: shutdown with error", "error", err)
	}
}

// Shutdown closes every session, drains the relay and stops the status API. It must be called
// after Start.
func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.service.sessions.Close()

	if a.service.relay != nil {
		a.service.relay.Close()
	}

	if a.http != nil {
		if err := a.http.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "app: shutdown HTTP failed", "error", err)
		}
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		slog.WarnContext(ctx, "app: relay not drained before shutdown deadline")
	}

	if a.infra.redis != nil {
		if err := a.infra.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "app: close redis failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "app: shutdown completed")
}
