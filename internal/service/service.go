// Package service runs the modes of the command line tool. Each mode opens
// what it needs (session, checkpoint state, ledger run), drives the scrapers
// and the claim engine and leaves everything persisted when it returns, even
// when it returns an error.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"itchclaim/internal/catalog"
	"itchclaim/internal/checkpoint"
	"itchclaim/internal/claim"
	"itchclaim/internal/components/assert"
	"itchclaim/internal/components/chrono"
	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/config"
	"itchclaim/internal/ledger"
	"itchclaim/internal/report"
	"itchclaim/internal/rewards"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/internal/session"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("itchclaim/service")

const (
	report_service_session = "session"
	report_service_ledger  = "ledger"
	report_service_flush   = "flush"
	report_service_claim   = "claim"
	report_service_feed    = "feed"
	report_service_mode    = "mode"
)

const (
	ModeRefreshSaleCache   = "refresh-sale-cache"
	ModeClaim              = "claim"
	ModeScrapeSales        = "scrape-sales"
	ModeScrapeRewards      = "scrape-rewards"
	ModeScrapeRewardsOwned = "scrape-rewards-owned"
	ModeClaimRewards       = "claim-rewards"
	ModeClaimUrl           = "claim-url"
	ModeRefreshLibrary     = "refresh-library"
)

// FeedPath is where refresh-sale-cache writes the feed, relative to the data
// directory.
const FeedPath = "api/active.json"

type Options struct {
	Credentials session.Credentials
	// DataDir holds the checkpoint files and the generated feed.
	DataDir    string
	ReportDir  string
	SessionDir string
	FeedUrl    string
	ResumeUrl  string

	ScrapeLimit     int
	SaleStep        int64
	CheckpointEvery int
}

// OptionsFromConfig maps a validated config onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Credentials:     cfg.Credentials(),
		DataDir:         cfg.DataDir,
		ReportDir:       cfg.ReportDir,
		SessionDir:      cfg.SessionDir(),
		FeedUrl:         cfg.FeedUrl,
		ResumeUrl:       cfg.ResumeUrl,
		ScrapeLimit:     cfg.ScrapeLimit,
		SaleStep:        cfg.SaleStep,
		CheckpointEvery: cfg.CheckpointEvery,
	}
}

type serviceConfig struct {
	clock chrono.TimeAPI
	tel   telemetry.API
}

type Option func(cfg *serviceConfig)

func WithClock(clock chrono.TimeAPI) Option {
	return func(cfg *serviceConfig) {
		cfg.clock = clock
	}
}

func WithTelemetryAPI(tel telemetry.API) Option {
	return func(cfg *serviceConfig) {
		cfg.tel = tel
	}
}

// Service is not safe for concurrent use, one mode runs at a time.
type Service struct {
	client   *itch.Client
	sessions session.Provider
	store    *checkpoint.Store
	catalog  catalog.Scraper
	claims   claim.Engine
	ledger   ledger.Ledger
	reports  report.Writer
	opts     Options
	clock    chrono.TimeAPI
	tel      telemetry.API
}

func New(client *itch.Client, database *sql.DB, opts Options, options ...Option) Service {
	assert.NotNil(client)
	assert.NotNil(database)
	assert.NotEmptyStr(opts.DataDir)

	cfg := serviceConfig{
		clock: chrono.StandardTime{},
		tel:   telemetry.SlogAPI{},
	}
	for _, opt := range options {
		opt(&cfg)
	}

	if opts.ReportDir == "" {
		opts.ReportDir = opts.DataDir
	}
	if opts.SessionDir == "" {
		opts.SessionDir = filepath.Join(opts.DataDir, "session")
	}

	return Service{
		client:   client,
		sessions: session.NewProvider(opts.SessionDir, client, cfg.clock, cfg.tel),
		store:    checkpoint.NewStore(opts.DataDir, opts.CheckpointEvery, cfg.tel),
		catalog:  catalog.NewScraper(client, cfg.tel),
		claims:   claim.NewEngine(client, cfg.tel),
		ledger:   ledger.New(database, cfg.clock, cfg.tel),
		reports:  report.NewWriter(opts.ReportDir, cfg.tel),
		opts:     opts,
		clock:    cfg.clock,
		tel:      telemetry.NewScopedAPI("service", cfg.tel),
	}
}

// Summary describes a finished mode for the command line.
type Summary struct {
	Mode  string
	RunId string
	// Outcomes counts claim outcomes by name as recorded in the ledger.
	Outcomes map[string]int64
	Sales    int
	Items    int
	Checks   int
	Cursor   int64
}

func (s Service) openSession(ctx context.Context) (*session.Session, error) {
	sess, err := s.sessions.Open(ctx, s.opts.Credentials)
	if err != nil {
		s.tel.ReportBroken(report_service_session, err, s.opts.Credentials.Username)
		return nil, err
	}
	return sess, nil
}

// closeSession persists the session, or discards it when the run ended
// because the server logged it out.
func (s Service) closeSession(sess *session.Session, runErr error) {
	if errors.Is(runErr, itch.ErrNotLoggedIn) {
		err := s.sessions.Discard(sess.Username)
		if err != nil {
			s.tel.ReportBroken(report_service_session, err, sess.Username)
		}
		return
	}
	err := s.sessions.Save(sess)
	if err != nil {
		s.tel.ReportBroken(report_service_session, err, sess.Username)
	}
}

func (s Service) startRun(ctx context.Context, mode string, summary *Summary) (*ledger.Run, error) {
	s.tel.ReportInfo(report_service_mode, "start", mode)
	summary.Mode = mode
	run, err := s.ledger.StartRun(ctx, mode)
	if err != nil {
		s.tel.ReportBroken(report_service_ledger, err, mode)
		return nil, err
	}
	summary.RunId = run.Id
	return run, nil
}

// finishRun closes the ledger run, it still runs after the mode's context
// was cancelled.
func (s Service) finishRun(ctx context.Context, run *ledger.Run, summary *Summary) {
	ctx = context.WithoutCancel(ctx)
	counts, err := run.Counts(ctx)
	if err != nil {
		s.tel.ReportBroken(report_service_ledger, err, run.Id)
	}
	summary.Outcomes = counts
	err = run.Finish(ctx)
	if err != nil {
		s.tel.ReportBroken(report_service_ledger, err, run.Id)
	}
	s.tel.ReportInfo(report_service_mode, "finish", summary.Mode, "outcomes", counts)
}

// flush saves state, joining a failure to the error the run already has.
func (s Service) flush(state *checkpoint.State, runErr error) error {
	err := s.store.Flush(state)
	if err != nil {
		s.tel.ReportBroken(report_service_flush, err)
		return errors.Join(runErr, err)
	}
	return runErr
}

// loadState shares the session's owned set with the state, items claimed
// through the session are owned in the state right away.
func (s Service) loadState(sess *session.Session) (*checkpoint.State, error) {
	state, err := s.store.Load(sess.Owned)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return state, nil
}

func (s Service) newRewardRun(state *checkpoint.State, sess *session.Session, collections []string) *rewards.Run {
	scraper := rewards.NewScraper(s.client, s.claims, rewards.Options{
		Budget:      s.opts.ScrapeLimit,
		Collections: collections,
	}, s.tel)
	run := scraper.NewRun(state, sess)
	run.Checkpoint = s.store.Checkpoint
	return run
}
