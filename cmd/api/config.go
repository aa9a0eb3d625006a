package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"payout.settle/internal/notify"
	"payout.settle/internal/settlement"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type config struct {
	LedgerDriver string
	DatabaseURL  string
	SQLitePath   string
	AuthToken    string
	AdminToken   string
	Port         string

	RPCURL          string
	ContractAddress string
	PrivateKey      string

	BotToken      string
	OperatorChat  string
	PayoutChannel string

	RedisAddr          string
	RedisUser          string
	RedisPassword      string
	RedisEventsChannel string

	MinAmount  int64
	DigestCron string
	Settlement settlement.Config
}

func loadConfig() (config, error) {
	driver := strings.ToLower(env("LEDGER_DRIVER"))
	if driver == "" {
		driver = driverPostgres
	}

	var dbURL, sqlitePath string
	switch driver {
	case driverPostgres:
		var err error
		dbURL, err = loadDatabaseURL()
		if err != nil {
			return config{}, err
		}
	case driverSQLite:
		sqlitePath = env("SQLITE_PATH")
		if sqlitePath == "" {
			sqlitePath = "data/ledger.db"
		}
	default:
		return config{}, fmt.Errorf("LEDGER_DRIVER must be %q or %q", driverPostgres, driverSQLite)
	}

	authToken := env("AUTH_TOKEN")
	if authToken == "" {
		return config{}, errors.New("AUTH_TOKEN is required")
	}

	port := env("PORT")
	if port == "" {
		port = "8080"
	}

	rpcURL := env("RPC_URL")
	contract := env("CONTRACT_ADDRESS")
	privateKey := env("PRIVATE_KEY")
	if rpcURL == "" || contract == "" || privateKey == "" {
		return config{}, errors.New("RPC_URL, CONTRACT_ADDRESS and PRIVATE_KEY are required")
	}

	eventsChannel := env("REDIS_EVENTS_CHANNEL")
	if eventsChannel == "" {
		eventsChannel = "payout:notifications"
	}

	digestCron, ok := os.LookupEnv("DIGEST_CRON")
	if !ok {
		digestCron = "0 9 * * *"
	}

	cfg := config{
		LedgerDriver:       driver,
		DatabaseURL:        dbURL,
		SQLitePath:         sqlitePath,
		AuthToken:          authToken,
		AdminToken:         env("ADMIN_TOKEN"),
		Port:               port,
		RPCURL:             rpcURL,
		ContractAddress:    contract,
		PrivateKey:         privateKey,
		BotToken:           env("BOT_TOKEN"),
		OperatorChat:       env("OPERATOR_CHAT_ID"),
		PayoutChannel:      env("PAYOUT_CHANNEL_ID"),
		RedisAddr:          env("REDIS_ADDR"),
		RedisUser:          env("REDIS_USER"),
		RedisPassword:      env("REDIS_PASSWORD"),
		RedisEventsChannel: eventsChannel,
		DigestCron:         strings.TrimSpace(digestCron),
	}

	s := settlement.DefaultConfig()
	s.OperatorChat = notify.Recipient(cfg.OperatorChat)
	if v := env("EXPLORER_URL"); v != "" {
		s.ExplorerURL = v
	}

	var errs []error
	cfg.MinAmount = envInt64(&errs, "MIN_WITHDRAW_AMOUNT", 15000)
	s.MaxRetries = int(envInt64(&errs, "MAX_RETRIES", int64(s.MaxRetries)))
	s.BatchSize = int(envInt64(&errs, "BATCH_SIZE", int64(s.BatchSize)))
	s.GasLimit = uint64(envInt64(&errs, "GAS_LIMIT", int64(s.GasLimit)))
	s.TokenDecimals = int32(envInt64(&errs, "TOKEN_DECIMALS", int64(s.TokenDecimals)))
	s.PollInterval = envDuration(&errs, "POLL_INTERVAL", s.PollInterval)
	s.PacingDelay = envDuration(&errs, "PACING_DELAY", s.PacingDelay)
	s.BroadcastTimeout = envDuration(&errs, "BROADCAST_TIMEOUT", s.BroadcastTimeout)
	s.WaitReceipt = envBool(&errs, "WAIT_RECEIPT", s.WaitReceipt)
	if err := errors.Join(errs...); err != nil {
		return config{}, err
	}

	if cfg.MinAmount <= 0 || s.MaxRetries <= 0 || s.BatchSize <= 0 || s.GasLimit == 0 {
		return config{}, errors.New("MIN_WITHDRAW_AMOUNT, MAX_RETRIES, BATCH_SIZE and GAS_LIMIT must be positive")
	}
	if s.TokenDecimals < 0 || s.TokenDecimals > 36 {
		return config{}, errors.New("TOKEN_DECIMALS must be between 0 and 36")
	}
	cfg.Settlement = s

	return cfg, nil
}

func loadDatabaseURL() (string, error) {
	dbURL := env("DATABASE_URL")
	if dbURL != "" {
		return dbURL, nil
	}

	host := env("DB_HOST")
	if host == "" {
		host = "localhost"
	}
	port := env("DB_PORT")
	if port == "" {
		port = "5432"
	}
	user := env("DB_USER")
	password := env("DB_PASSWORD")
	name := env("DB_NAME")
	sslmode := env("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}
	if user == "" || password == "" || name == "" {
		return "", errors.New("DATABASE_URL or DB_USER/DB_PASSWORD/DB_NAME are required")
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host,
		port,
		user,
		password,
		name,
		sslmode,
	), nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt64(errs *[]error, key string, def int64) int64 {
	raw := env(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer", key))
		return def
	}
	return v
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(errs *[]error, key string, def time.Duration) time.Duration {
	raw := env(key)
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		*errs = append(*errs, fmt.Errorf("%s must be a duration", key))
		return def
	}
	return d
}

func envBool(errs *[]error, key string, def bool) bool {
	raw := env(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be true or false", key))
		return def
	}
	return v
}
