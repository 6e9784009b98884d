package subcommands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"Mokpell/internal/backend"
	"Mokpell/internal/config"
	"Mokpell/internal/logging"
	"Mokpell/internal/session"
)

// App carries what every subcommand needs: the resolved configuration, the
// logger and the streams to write to.
type App struct {
	Cfg      config.Config
	Log      zerolog.Logger
	Registry *backend.Registry
	In       io.Reader
	Out      io.Writer
	Err      io.Writer
}

// Setup installs cfg and initializes logging. toFile forces file logging for
// full-screen commands.
func (a *App) Setup(cfg config.Config, toFile bool) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := logging.Init(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		ToFile: cfg.Logging.ToFile || toFile,
		Out:    a.Err,
	})
	if err != nil {
		return err
	}
	a.Cfg, a.Log = cfg, log
	if a.Registry == nil {
		a.Registry = backend.DefaultRegistry
	}
	return nil
}

// OpenSession loads the configured model and creates a session over it.
func (a *App) OpenSession(opts ...session.Option) (*session.Session, error) {
	path := strings.TrimSpace(a.Cfg.Runtime.ModelPath)
	if path == "" {
		return nil, errors.New("no model configured: set runtime.model_path or pass --model")
	}
	b, err := a.Registry.New(a.Cfg.Runtime.Backend)
	if err != nil {
		return nil, err
	}
	opts = append([]session.Option{
		session.WithLogger(a.Log),
		session.WithObserver(session.LogObserver{Log: a.Log}),
	}, opts...)
	s, err := session.Open(b, path, a.Cfg.ModelOptions(), a.Cfg.SessionConfig(), opts...)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	a.Log.Debug().
		Str("session", s.ID()).
		Str("backend", b.Name()).
		Str("model", path).
		Msg("model loaded")
	return s, nil
}

// CloseSession closes s and the backend that created it.
func (a *App) CloseSession(s *session.Session) {
	if s == nil {
		return
	}
	b := s.Backend()
	if err := s.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("close session")
	}
	if err := b.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("close backend")
	}
}

// Conversation prefixes history with the configured system message.
func (a *App) Conversation(history []session.Message) []session.Message {
	sys := strings.TrimSpace(a.Cfg.Session.SystemMessage)
	if sys == "" {
		return history
	}
	msgs := make([]session.Message, 0, len(history)+1)
	msgs = append(msgs, session.Message{Role: "system", Content: sys})
	return append(msgs, history...)
}

// Reply is the outcome of one generation.
type Reply struct {
	Text     string
	Reason   session.StopReason
	Stats    session.Stats
	Duration time.Duration
}

// Generate runs msgs on s until a stop condition holds, handing every
// fragment to onToken. An error from onToken cancels the generation. The
// session is released afterwards.
func Generate(ctx context.Context, s *session.Session, msgs []session.Message, onToken func(string) error) (Reply, error) {
	start := time.Now()
	if err := s.Init(ctx, msgs); err != nil {
		if !errors.Is(err, session.ErrAlreadyRunning) {
			s.Release()
		}
		return Reply{}, err
	}
	defer s.Release()

	var sb strings.Builder
	done := func(reason session.StopReason) Reply {
		return Reply{Text: sb.String(), Reason: reason, Stats: s.Stats(), Duration: time.Since(start)}
	}
	for {
		out, err := s.Step(ctx)
		sb.WriteString(out.Text)
		if err != nil {
			if errors.Is(err, session.ErrCancelled) {
				return done(session.ReasonCancelled), nil
			}
			return done(session.ReasonNone), err
		}
		if onToken != nil && out.Text != "" {
			if cbErr := onToken(out.Text); cbErr != nil {
				s.Cancel()
				return done(session.ReasonCancelled), cbErr
			}
		}
		if out.Finished {
			return done(out.Reason), nil
		}
	}
}

// statsLine formats generation counters for humans.
func statsLine(r Reply) string {
	tps := 0.0
	if r.Stats.Generate > 0 {
		tps = float64(r.Stats.GeneratedTokens) / r.Stats.Generate.Seconds()
	}
	return fmt.Sprintf("prompt=%d gen=%d prefill=%s %.1f t/s reason=%s (%s)",
		r.Stats.PromptTokens, r.Stats.GeneratedTokens,
		r.Stats.Prefill.Truncate(time.Millisecond), tps, r.Reason,
		r.Duration.Truncate(time.Millisecond))
}
