package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/JonMunkholm/csvmerge/internal/config"
	"github.com/JonMunkholm/csvmerge/internal/github"
	"github.com/JonMunkholm/csvmerge/internal/gitsource"
	"github.com/JonMunkholm/csvmerge/internal/ingest"
	"github.com/JonMunkholm/csvmerge/internal/pgstore"
)

// pipeline is a wired orchestrator plus the resources it holds.
type pipeline struct {
	orchestrator *ingest.Orchestrator
	close        func()
}

// buildPipeline connects to the database and wires every collaborator.
func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	creds, err := credentialsFor(&cfg.GitHub)
	if err != nil {
		return nil, err
	}

	pool, err := pgstore.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	opts := optionsFor(cfg)
	store := pgstore.New(pool, ingest.MergeStrategy(cfg.Ingest.MergeStrategy))
	if err := store.CheckCatalog(ctx, opts.Target); err != nil {
		pool.Close()
		return nil, err
	}
	orch := ingest.NewOrchestrator(opts, creds, openerFor(&cfg.Source), store)
	return &pipeline{orchestrator: orch, close: pool.Close}, nil
}

// credentialsFor picks the GitHub App, a static token, or anonymous access,
// in that order.
func credentialsFor(cfg *config.GitHubConfig) (ingest.CredentialProvider, error) {
	switch {
	case cfg.UsesApp():
		pem, err := cfg.PrivateKeyPEM()
		if err != nil {
			return nil, err
		}
		p, err := github.NewAppTokenProvider(cfg.AppID, cfg.InstallationID, pem, github.WithAPIURL(cfg.APIURL))
		if err != nil {
			return nil, err
		}
		slog.Debug("using github app credentials", "app_id", cfg.AppID, "installation_id", cfg.InstallationID)
		return p, nil
	case cfg.Token != "":
		slog.Debug("using static github token")
		return github.NewStaticTokenProvider(cfg.Token), nil
	default:
		slog.Debug("no github credentials configured, reading anonymously")
		return github.AnonymousProvider{}, nil
	}
}

// openerFor reads a local checkout when a path is set and clones otherwise.
func openerFor(cfg *config.SourceConfig) ingest.SourceOpener {
	if cfg.Path != "" {
		return gitsource.NewLocalOpener(cfg.Path, cfg.MaxFileSize)
	}
	return gitsource.NewCloneOpener(cfg.CloneTarget(), cfg.MaxFileSize)
}

func optionsFor(cfg *config.Config) ingest.Options {
	return ingest.Options{
		Target: ingest.TableRef{
			Project: cfg.Target.Project,
			Dataset: cfg.Target.Dataset,
			Table:   cfg.Target.Table,
		},
		FileExtension:   cfg.Source.FileExtension,
		Concurrency:     cfg.Ingest.Concurrency,
		DuplicatePolicy: ingest.DuplicatePolicy(cfg.Ingest.DuplicatePolicy),
		Timeouts: ingest.Timeouts{
			Auth:    cfg.Ingest.AuthTimeout,
			Fetch:   cfg.Ingest.FetchTimeout,
			Stage:   cfg.Ingest.StageTimeout,
			Merge:   cfg.Ingest.MergeTimeout,
			Cleanup: cfg.Ingest.CleanupTimeout,
		},
	}
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	msg  string
	err  error
}

func (e exitError) Error() string { return e.msg }
func (e exitError) ExitCode() int { return e.code }
func (e exitError) Unwrap() error { return e.err }

const (
	exitCodeAborted     = 1
	exitCodeFilesFailed = 2
)

func filesFailedError(failed int, err error) error {
	return exitError{code: exitCodeFilesFailed, msg: fmt.Sprintf("%d file(s) failed to ingest", failed), err: err}
}
