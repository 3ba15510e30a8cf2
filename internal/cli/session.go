package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ppiankov/impetus/internal/audit"
	"github.com/ppiankov/impetus/internal/breakglass"
	"github.com/ppiankov/impetus/internal/config"
	"github.com/ppiankov/impetus/internal/decision"
	"github.com/ppiankov/impetus/internal/engine"
	"github.com/ppiankov/impetus/internal/feedback"
	"github.com/ppiankov/impetus/internal/feedback/term"
	"github.com/ppiankov/impetus/internal/journal"
	"github.com/ppiankov/impetus/internal/model"
	"github.com/ppiankov/impetus/internal/session"
)

// stores holds the on-disk state a session writes to. Nil members are
// disabled in config.
type stores struct {
	audit   *audit.Log
	journal *journal.Store
	tokens  *breakglass.Store
}

func breakglassDir(cfg *config.Config) string {
	if cfg.Storage.Breakglass != "" {
		return cfg.Storage.Breakglass
	}
	return breakglass.DefaultDir()
}

func openStores(cfg *config.Config) (*stores, error) {
	s := &stores{}
	var err error
	if cfg.Storage.AuditLog != "" {
		if s.audit, err = audit.Open(cfg.Storage.AuditLog); err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}
	if cfg.Storage.Journal != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Journal), 0o700); err != nil {
			s.Close()
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		if s.journal, err = journal.Open(cfg.Storage.Journal); err != nil {
			s.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}
	if s.tokens, err = breakglass.NewStore(breakglassDir(cfg)); err != nil {
		s.Close()
		return nil, fmt.Errorf("open breakglass store: %w", err)
	}
	return s, nil
}

func (s *stores) options() []engine.Option {
	var opts []engine.Option
	if s.audit != nil {
		opts = append(opts, engine.WithAudit(s.audit))
	}
	if s.journal != nil {
		opts = append(opts, engine.WithJournal(s.journal))
	}
	if s.tokens != nil {
		opts = append(opts, engine.WithTokens(s.tokens))
	}
	return opts
}

func (s *stores) Close() error {
	var errs []error
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	return errors.Join(errs...)
}

// fileSession is a document bound to an engine plus everything it owns.
type fileSession struct {
	*session.File
	stores   *stores
	feedback *feedback.Orchestrator
}

func (fs *fileSession) Close() error {
	err := fs.File.Close()
	fs.feedback.Stop()
	return errors.Join(err, fs.stores.Close())
}

// openFileSession loads config, opens every store and starts an engine for
// path. mode overrides the configured mode when non-empty. Terminal
// feedback is drawn on out.
func openFileSession(path, mode string, out io.Writer, logger *slog.Logger) (*fileSession, error) {
	cfg, hash, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if _, err := model.ParseMode(cfg.Mode); err != nil {
		return nil, err
	}

	client, err := decision.NewHTTPClient(decision.HTTPConfig{
		BaseURL:       cfg.Decision.BaseURL,
		Timeout:       cfg.Decision.Timeout,
		Retries:       cfg.Decision.Retries,
		Backoff:       cfg.Decision.Backoff,
		RatePerSecond: cfg.Decision.RatePerSecond,
		Burst:         cfg.Decision.Burst,
	}, decision.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("decision client: %w", err)
	}

	st, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	var audio feedback.Audio
	if cfg.Feedback.Audio {
		audio = term.NewBell(out)
	}
	fb := feedback.New(term.NewVisual(out), audio,
		feedback.WithReducedMotion(cfg.Feedback.ReducedMotion),
		feedback.WithLogger(logger))

	abs, err := filepath.Abs(path)
	if err != nil {
		st.Close()
		return nil, err
	}
	file, err := session.Open(abs, fb, func(text string, n engine.Notifier) (*engine.Engine, error) {
		opts := append(st.options(), engine.WithLogger(logger), engine.WithNotifier(n))
		return engine.New(text, client, engine.FromConfig(cfg, abs, hash), opts...)
	}, session.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, err
	}
	return &fileSession{File: file, stores: st, feedback: fb}, nil
}
