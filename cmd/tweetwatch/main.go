package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/ianfoo/tweetwatch"
	"github.com/ianfoo/tweetwatch/store"
)

const (
	envTwitterBearerToken = "TWITTER_BEARER_TOKEN"
	envTwitterAccount     = "TWITTER_ACCOUNT_TO_MONITOR"
	envTwitterUserID      = "TWITTER_USER_ID"
	envTwilioAccountSID   = "TWILIO_ACCOUNT_SID"
	envTwilioAuthToken    = "TWILIO_AUTH_TOKEN"
	envTwilioFromNumber   = "TWILIO_FROM_NUMBER"
	envTwilioToNumber     = "TWILIO_TO_NUMBER"
	envDiscordWebhookURL  = "DISCORD_WEBHOOK_URL"
	envState              = "TWEETWATCH_STATE"
	envVerbose            = "VERBOSE"
	envGitHubOutput       = "GITHUB_OUTPUT"
)

// Exit codes let the invoking scheduler tell failures apart.
const (
	exitOK          = 0
	exitUsage       = 1
	exitFetch       = 2
	exitPersist     = 3
	exitInterrupted = 4
)

// defaultDaemonState is used with -schedule when no store is named.
const defaultDaemonState = "file:latest_tweet.json"

const (
	notifyTwilio  = "twilio"
	notifyDiscord = "discord"
	notifyNone    = "none"
)

type config struct {
	account    string
	userID     string
	token      string
	notify     string
	to         string
	from       string
	twilioSID  string
	twilioAuth string
	discordURL string
	state      string
	schedule   string
	addr       string
	rate       float64
	maxResults int
	maxPages   int
	verbose    bool

	// apiBaseURL overrides the X API endpoint; tests point it at a fake.
	apiBaseURL string
}

func main() {
	// A missing .env is normal in CI, where the scheduler sets the
	// environment itself.
	_ = godotenv.Load()

	flag.Usage = usage
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		exitWithUsage(err)
	}
	log, err := logger(cfg.verbose)
	if err != nil {
		exit(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, log)
	stop()
	log.Sync() //nolint:errcheck
	os.Exit(code)
}

func logger(verbose bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	switch strings.ToLower(os.Getenv("ENV")) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level.SetLevel(zapcore.InfoLevel)
	}
	if verbose {
		cfg.Level.SetLevel(zapcore.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

// parseConfig reads flags from args, falling back to the environment for
// anything the flags leave unset.
func parseConfig(fs *flag.FlagSet, args []string, getenv func(string) string) (config, error) {
	var cfg config
	fs.StringVar(&cfg.account, "account", getenv(envTwitterAccount), "X/Twitter account to watch, without @")
	fs.StringVar(&cfg.notify, "notify", notifyTwilio, "Notification method: twilio, discord or none")
	fs.StringVar(&cfg.to, "phone", getenv(envTwilioToNumber), "Phone number to send SMS to")
	fs.StringVar(&cfg.from, "sender", getenv(envTwilioFromNumber), "Twilio phone number from which to send SMS messages")
	fs.StringVar(&cfg.state, "state", getenv(envState), "State store: file:<path>, env:, memory:, redis://... or postgres://...")
	fs.StringVar(&cfg.schedule, "schedule", "", "Cron schedule to run on, e.g. \"@every 1m\"; run once if empty")
	fs.StringVar(&cfg.addr, "addr", ":4040", "Address on which to run the HTTP status server when scheduled")
	fs.Float64Var(&cfg.rate, "rate", 1, "Maximum notifications sent per second")
	fs.IntVar(&cfg.maxResults, "max-results", 10, "Posts requested per page (5-100)")
	fs.IntVar(&cfg.maxPages, "max-pages", 5, "Pages followed when catching up from a cursor")
	fs.BoolVar(&cfg.verbose, "v", envBool(getenv(envVerbose)), "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.token = getenv(envTwitterBearerToken)
	cfg.userID = getenv(envTwitterUserID)
	cfg.twilioSID = getenv(envTwilioAccountSID)
	cfg.twilioAuth = getenv(envTwilioAuthToken)
	cfg.discordURL = getenv(envDiscordWebhookURL)
	cfg.account = strings.TrimPrefix(strings.TrimSpace(cfg.account), "@")

	if cfg.account == "" {
		return cfg, errors.New("account is required")
	}
	if cfg.token == "" {
		return cfg, errors.Errorf("%s is required", envTwitterBearerToken)
	}
	switch {
	case cfg.state == "" && cfg.schedule != "":
		cfg.state = defaultDaemonState
	case cfg.state == "":
		cfg.state = "env:"
	case cfg.schedule != "" && strings.HasPrefix(cfg.state, "env:"):
		// The environment is read once per process and never updated, so a
		// daemon would start every tick from the same cursor.
		return cfg, errors.New("env: state cannot be used with -schedule; use file:, memory:, redis:// or postgres://")
	}
	if cfg.rate <= 0 {
		return cfg, errors.New("rate must be greater than zero")
	}
	switch cfg.notify {
	case notifyTwilio:
		if cfg.twilioSID == "" || cfg.twilioAuth == "" || cfg.from == "" || cfg.to == "" {
			return cfg, errors.Errorf("twilio notifications need %s, %s, a sender and a phone number",
				envTwilioAccountSID, envTwilioAuthToken)
		}
	case notifyDiscord:
		if cfg.discordURL == "" {
			return cfg, errors.Errorf("discord notifications need %s", envDiscordWebhookURL)
		}
	case notifyNone:
	default:
		return cfg, errors.Errorf("unknown notification method %q", cfg.notify)
	}
	return cfg, nil
}

func envBool(v string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(v))
	return b
}

func run(ctx context.Context, cfg config, log *zap.SugaredLogger) int {
	envOut, closeOut, err := stateOutput(cfg.state)
	if err != nil {
		log.Errorw("unable to open state output", "err", err)
		return exitPersist
	}
	defer closeOut()

	st, closeStore, err := store.Open(ctx, cfg.state, store.Config{Account: cfg.account, EnvOut: envOut})
	if err != nil {
		log.Errorw("unable to open state store", "state", redactDSN(cfg.state), "err", err)
		return exitPersist
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	w, err := setup(cfg, log, st, reg)
	if err != nil {
		log.Errorw("setup failed", "err", err)
		return exitUsage
	}

	if cfg.schedule == "" {
		_, err := w.Tick(ctx)
		code := exitCode(err)
		if err != nil {
			log.Errorw("check failed", "exit_status", code, "err", err)
		}
		return code
	}
	if err := runScheduled(ctx, cfg, log, w, reg); err != nil {
		log.Errorw("scheduler failed", "err", err)
		return exitUsage
	}
	return exitOK
}

func setup(cfg config, log *zap.SugaredLogger, st tweetwatch.Store, reg prometheus.Registerer) (*tweetwatch.Watcher, error) {
	options := []tweetwatch.TwitterOption{
		tweetwatch.WithTwitterLogger(log),
		tweetwatch.WithMaxResults(cfg.maxResults),
		tweetwatch.WithMaxPages(cfg.maxPages),
	}
	if cfg.userID != "" {
		options = append(options, tweetwatch.WithUserID(cfg.userID))
	}
	if cfg.apiBaseURL != "" {
		options = append(options, tweetwatch.WithTwitterBaseURL(cfg.apiBaseURL))
	}
	poller, err := tweetwatch.NewTwitterPoller(cfg.account, cfg.token, options...)
	if err != nil {
		return nil, err
	}
	sender, err := newSender(cfg, log)
	if err != nil {
		return nil, err
	}
	return tweetwatch.NewWatcher(cfg.account, cfg.to, poller, sender, st,
		tweetwatch.WithLogger(log),
		tweetwatch.WithRateLimit(rate.Limit(cfg.rate), 1),
		tweetwatch.WithMetrics(tweetwatch.NewMetrics(reg)))
}

func newSender(cfg config, log *zap.SugaredLogger) (tweetwatch.Sender, error) {
	switch cfg.notify {
	case notifyTwilio:
		return tweetwatch.NewTwilioSMSSender(cfg.twilioSID, cfg.twilioAuth, cfg.from,
			tweetwatch.WithTwilioLogger(log))
	case notifyDiscord:
		return tweetwatch.NewDiscordSender(cfg.discordURL,
			fmt.Sprintf("New tweet from @%s", cfg.account),
			tweetwatch.WithDiscordLogger(log))
	}
	log.Infow("notifications disabled", "notify", cfg.notify)
	return tweetwatch.LogSender{Log: log}, nil
}

// stateOutput opens where the env store writes updated values: the CI
// output file if one is provided, stdout otherwise.
func stateOutput(dsn string) (io.Writer, func(), error) {
	if !strings.HasPrefix(dsn, "env:") {
		return nil, func() {}, nil
	}
	path := os.Getenv(envGitHubOutput)
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	return f, func() { f.Close() }, nil
}

// exitCode maps a tick error to the process exit status. Notification
// failures never reach here; they do not fail a tick.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case tweetwatch.IsPersistError(err):
		return exitPersist
	case tweetwatch.IsFetchError(err):
		return exitFetch
	case tweetwatch.IsInterrupted(err):
		return exitInterrupted
	}
	return exitUsage
}

// redactDSN hides credentials in a store URL before it is logged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}

func exit(err error) {
	log.SetFlags(0)
	log.SetPrefix("")
	log.Fatal(err)
}

func exitWithUsage(err error) {
	log.SetFlags(0)
	log.SetPrefix(filepath.Base(os.Args[0]) + ": ")
	log.Print(err)
	flag.Usage()
	os.Exit(exitUsage)
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		`usage: %s -account account [optional arguments]

Checks an X/Twitter account for new posts and sends a notification for
each one. The first run only records a baseline.

Required arguments:
  -account     Account to watch, without the @. May be set with %s.

Optional arguments:
  -notify      Notification method: twilio (default), discord or none.
  -phone       Phone number to send SMS to. Defaults to %s.
  -sender      Twilio phone number from which to send SMS messages.
               Defaults to %s.
  -state       Where the cursor is kept between runs. Defaults to %s,
               or env: if unset. With -schedule the default is
               %s, and env: is rejected.
                 env:                 read LAST_TWEET_ID and FIRST_RUN, write
                                      updated values to $%s or stdout
                 file:<path>          JSON file
                 memory:              in process only
                 redis://host:port    Redis hash
                 postgres://...       PostgreSQL table
  -schedule    Run on this cron schedule, e.g. "@every 1m", instead of once.
  -addr        Address for the HTTP status server when scheduled. Default ":4040"
  -rate        Maximum notifications per second. Default 1.
  -max-results Posts per page requested from the API, 5-100. Default 10.
  -max-pages   Pages followed when catching up. Default 5.
  -v           Verbose logging. May be set with %s=true.

environment:
  %-27s X API v2 bearer token. Required.
  %-27s Numeric account ID; skips the username lookup.
  %-27s Twilio account SID. Required for twilio.
  %-27s Twilio auth token. Required for twilio.
  %-27s Discord webhook. Required for discord.

exit status:
  0  success, including notifications that failed to send
  1  usage or configuration error
  2  posts could not be fetched; state untouched
  3  state could not be loaded or saved
  4  interrupted while sending; progress so far was saved
`,
		filepath.Base(os.Args[0]),
		envTwitterAccount,
		envTwilioToNumber,
		envTwilioFromNumber,
		envState,
		defaultDaemonState,
		envGitHubOutput,
		envVerbose,
		envTwitterBearerToken,
		envTwitterUserID,
		envTwilioAccountSID,
		envTwilioAuthToken,
		envDiscordWebhookURL)
}
