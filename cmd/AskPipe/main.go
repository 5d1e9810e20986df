package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/AskPipe/internal/api"
	"github.com/BTreeMap/AskPipe/internal/botconfig"
	"github.com/BTreeMap/AskPipe/internal/dialogue"
	"github.com/BTreeMap/AskPipe/internal/genai"
	"github.com/BTreeMap/AskPipe/internal/history"
	"github.com/BTreeMap/AskPipe/internal/lockfile"
	"github.com/BTreeMap/AskPipe/internal/matcher"
	"github.com/BTreeMap/AskPipe/internal/messaging"
	"github.com/BTreeMap/AskPipe/internal/models"
	"github.com/BTreeMap/AskPipe/internal/store"
	"github.com/BTreeMap/AskPipe/internal/tools"
	"github.com/BTreeMap/AskPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AskPipe state data
	DefaultStateDir = "/var/lib/askpipe"
	// DefaultWhatsmeowDBFileName is the whatsmeow device store inside the state directory
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
	// DefaultSessionIdleTTL is how long an untouched session is kept
	DefaultSessionIdleTTL = 24 * time.Hour
)

// Supported MESSENGER values.
const (
	messengerCloud     = "cloud"
	messengerTwilio    = "twilio"
	messengerWhatsmeow = "whatsmeow"
)

func main() {
	config := loadEnvironmentConfig()
	if err := parseCommandLineFlags(&config, flag.CommandLine, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(os.Stdout, config.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping AskPipe", "messenger", config.Messenger, "state_dir", config.StateDir, "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("AskPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AskPipe exited successfully")
}

// Config holds the resolved configuration.
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string
	LogFormat   string
	PublicURL   string

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string
	GenAIDebug    bool

	Messenger        string
	CloudToken       string
	CloudPhoneID     string
	VerifyToken      string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	WhatsmeowDSN     string
	QROutput         string
	NumericCode      bool

	SerpAPIKey       string
	ProductSearchURL string
	BotConfigFile    string

	SuggestionsEnabled bool
	SessionIdleTTL     time.Duration
	MaxTrackedUsers    int
}

// initializeLogger installs the default slog logger at debug level.
func initializeLogger(w io.Writer, format string) {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:    util.GetEnvDefault("ASKPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     util.GetEnvDefault("API_ADDR", api.DefaultAddr),
		LogFormat:   os.Getenv("LOG_FORMAT"),
		PublicURL:   os.Getenv("PUBLIC_URL"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		GenAIDebug:    util.ParseBoolEnv("GENAI_DEBUG", false),

		Messenger:        strings.ToLower(util.GetEnvDefault("MESSENGER", messengerCloud)),
		CloudToken:       os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		CloudPhoneID:     os.Getenv("WHATSAPP_PHONE_ID"),
		VerifyToken:      os.Getenv("WHATSAPP_WEBHOOK_VERIFY"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		WhatsmeowDSN:     os.Getenv("WHATSMEOW_DB_DSN"),

		SerpAPIKey:       os.Getenv("SERPAPI_API_KEY"),
		ProductSearchURL: os.Getenv("PRODUCT_SEARCH_URL"),
		BotConfigFile:    os.Getenv("BOT_CONFIG_FILE"),

		SuggestionsEnabled: util.ParseBoolEnv("SUGGESTIONS_ENABLED", false),
		SessionIdleTTL:     util.ParseDurationEnv("SESSION_IDLE_TTL", DefaultSessionIdleTTL),
		MaxTrackedUsers:    util.ParseIntEnv("MAX_TRACKED_USERS", 0),
	}

	slog.Debug("environment variables loaded",
		"ASKPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"MESSENGER", config.Messenger,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"SERPAPI_API_KEY_SET", config.SerpAPIKey != "",
		"API_ADDR", config.APIAddr)
	return config
}

// parseCommandLineFlags applies command line overrides to config.
func parseCommandLineFlags(config *Config, fs *flag.FlagSet, args []string) error {
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for AskPipe data (overrides $ASKPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "store DSN; empty keeps state in memory (overrides $DATABASE_URL)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.Messenger, "messenger", config.Messenger, "messaging transport: cloud, twilio or whatsmeow (overrides $MESSENGER)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.OpenAIModel, "openai-model", config.OpenAIModel, "chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&config.BotConfigFile, "bot-config", config.BotConfigFile, "bot config YAML file (overrides $BOT_CONFIG_FILE)")
	fs.StringVar(&config.WhatsmeowDSN, "whatsmeow-dsn", config.WhatsmeowDSN, "whatsmeow device store DSN (overrides $WHATSMEOW_DB_DSN)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write the whatsmeow login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "print the whatsmeow login code instead of a QR code")
	if err := fs.Parse(args); err != nil {
		return err
	}

	config.Messenger = strings.ToLower(strings.TrimSpace(config.Messenger))
	switch config.Messenger {
	case messengerCloud, messengerTwilio, messengerWhatsmeow:
	default:
		return fmt.Errorf("unknown messenger %q (want cloud, twilio or whatsmeow)", config.Messenger)
	}
	if config.WhatsmeowDSN == "" {
		config.WhatsmeowDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName) + "?_foreign_keys=on"
	}
	return nil
}

// run wires the components and serves until ctx is cancelled.
func run(ctx context.Context, config Config) error {
	lock, err := lockfile.Acquire(config.StateDir, "messenger="+config.Messenger+" addr="+config.APIAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	botCfg, err := botconfig.Load(config.BotConfigFile)
	if err != nil {
		return err
	}

	st, err := store.NewStore(buildStoreOptions(config)...)
	if err != nil {
		return err
	}
	defer st.Close()
	go store.RunSweeper(ctx, st, config.SessionIdleTTL, sweepInterval(config.SessionIdleTTL))

	llm, err := genai.NewClient(buildGenAIOptions(config)...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	messenger, wa, err := newMessenger(ctx, config)
	if err != nil {
		return err
	}

	hist := history.New(st)
	toolbox := tools.NewToolbox(messenger, hist, buildToolOptions(config)...)
	answerer := dialogue.NewAgentAnswerer(llm, toolbox, hist, botCfg)
	ctrl := dialogue.NewController(st, hist, matcher.New(llm), answerer, messenger, botCfg, buildControllerOptions(config, llm)...)

	srv := api.NewServer(ctrl, st, buildAPIOptions(config)...)
	if wa != nil {
		wa.Start(ctx, func(_ context.Context, msg models.InboundMessage) {
			srv.Dispatch(msg)
		})
	}
	return srv.Run(ctx)
}

// sweepInterval checks for idle state a few times per TTL, at most once a minute.
func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

// newMessenger builds the configured transport. The whatsmeow messenger is also
// returned on its own because it feeds inbound messages without HTTP.
func newMessenger(ctx context.Context, config Config) (messaging.Messenger, *messaging.WhatsmeowMessenger, error) {
	switch config.Messenger {
	case messengerTwilio:
		m, err := messaging.NewTwilioMessenger(
			messaging.WithAccountSID(config.TwilioAccountSID),
			messaging.WithAuthToken(config.TwilioAuthToken),
			messaging.WithFromNumber(config.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio messenger: %w", err)
		}
		return m, nil, nil
	case messengerWhatsmeow:
		m, err := messaging.ConnectWhatsmeow(ctx, buildWhatsmeowOptions(config)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect whatsmeow: %w", err)
		}
		return m, m, nil
	default:
		m, err := messaging.NewCloudAPIClient(
			messaging.WithAccessToken(config.CloudToken),
			messaging.WithPhoneNumberID(config.CloudPhoneID),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Cloud API client: %w", err)
		}
		return m, nil, nil
	}
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	var storeOpts []store.Option
	if config.DatabaseURL != "" {
		storeOpts = append(storeOpts, store.WithDSN(config.DatabaseURL))
		slog.Debug("Configured persistent store", "dsn_type", store.DetectDSNType(config.DatabaseURL))
	}
	if config.MaxTrackedUsers > 0 {
		storeOpts = append(storeOpts, store.WithMaxTrackedUsers(config.MaxTrackedUsers))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	genaiOpts := []genai.Option{
		genai.WithAPIKey(config.OpenAIKey),
		genai.WithDebugMode(config.GenAIDebug),
		genai.WithStateDir(config.StateDir),
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	return genaiOpts
}

// buildToolOptions constructs toolbox configuration options
func buildToolOptions(config Config) []tools.Option {
	var toolOpts []tools.Option
	if config.SerpAPIKey != "" {
		toolOpts = append(toolOpts, tools.WithSerpAPIKey(config.SerpAPIKey))
	} else {
		slog.Warn("SERPAPI_API_KEY not set, web search will fail")
	}
	if config.ProductSearchURL != "" {
		toolOpts = append(toolOpts, tools.WithProductSearchURL(config.ProductSearchURL))
	}
	return toolOpts
}

// buildWhatsmeowOptions constructs whatsmeow configuration options
func buildWhatsmeowOptions(config Config) []messaging.WhatsmeowOption {
	waOpts := []messaging.WhatsmeowOption{messaging.WithDeviceDSN(config.WhatsmeowDSN)}
	if config.QROutput != "" {
		waOpts = append(waOpts, messaging.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		waOpts = append(waOpts, messaging.WithNumericCode())
	}
	return waOpts
}

// buildControllerOptions enables follow-up suggestions where the transport can
// render them as a tappable list.
func buildControllerOptions(config Config, llm genai.Completer) []dialogue.Option {
	if !config.SuggestionsEnabled {
		return nil
	}
	if config.Messenger != messengerCloud {
		slog.Warn("Follow-up suggestions need interactive lists, disabled for this messenger", "messenger", config.Messenger)
		return nil
	}
	return []dialogue.Option{dialogue.WithSuggester(dialogue.NewSuggester(llm))}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	apiOpts := []api.Option{api.WithAddr(config.APIAddr)}
	if config.VerifyToken != "" {
		apiOpts = append(apiOpts, api.WithVerifyToken(config.VerifyToken))
	}
	if config.Messenger == messengerTwilio && config.TwilioAuthToken != "" && config.PublicURL != "" {
		apiOpts = append(apiOpts, api.WithTwilioSignature(config.TwilioAuthToken, strings.TrimRight(config.PublicURL, "/")))
	}
	return apiOpts
}
