package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// IndexerConfig configures the Orchestrator process (cmd/indexer).
type IndexerConfig struct {
	RPCURL      string
	Commitment  rpc.CommitmentType
	SolanaRPS   int
	ChainID     uint64
	SourceProgramID solana.PublicKey
	DestProgramID   solana.PublicKey

	RPCMaxRetries     int
	RPCRetryBaseDelay time.Duration
	RPCRetryMaxDelay  time.Duration

	BatchSize int
	DelayMS   time.Duration

	ClickHouseHost     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	RedisURL string

	JupiterAPIKey string

	MetricsLogInterval    time.Duration
	ShutdownOnOrderCount  *uint64

	Log LogConfig
}

type APIServerConfig struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string

	ClickHouseHost     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	Log LogConfig
}

var (
	defaultSourceProgramID = solana.MustPublicKeyFromBase58("src5qyZHqTqecJV4aY6Cb6zDZLMDzrDKKezs22MPHr4")
	defaultDestProgramID   = solana.MustPublicKeyFromBase58("dst5MGcFPoBeREFAA5E3tU5ij8m5uVYwkzkSAbsLbNo")
	defaultSolanaChainID   = uint64(7565164)
)

func LoadIndexerConfig() (IndexerConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return IndexerConfig{}, err
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return IndexerConfig{}, err
	}

	solanaRPS, err := envInt("SOLANA_RPS", 10)
	if err != nil {
		return IndexerConfig{}, err
	}

	chainID, err := envUint64("SOLANA_CHAIN_ID", defaultSolanaChainID)
	if err != nil {
		return IndexerConfig{}, err
	}

	sourceProgramID, err := envPubkey("SOLANA_SOURCE_PROGRAM_ID", defaultSourceProgramID)
	if err != nil {
		return IndexerConfig{}, err
	}
	destProgramID, err := envPubkey("SOLANA_DEST_PROGRAM_ID", defaultDestProgramID)
	if err != nil {
		return IndexerConfig{}, err
	}

	rpcMaxRetries, err := envInt("INDEXER_RPC_MAX_RETRIES", 5)
	if err != nil {
		return IndexerConfig{}, err
	}
	rpcRetryBaseDelay, err := envDuration("INDEXER_RPC_RETRY_BASE_DELAY", 500*time.Millisecond)
	if err != nil {
		return IndexerConfig{}, err
	}
	rpcRetryMaxDelay, err := envDuration("INDEXER_RPC_RETRY_MAX_DELAY", 30*time.Second)
	if err != nil {
		return IndexerConfig{}, err
	}
	if rpcRetryMaxDelay < rpcRetryBaseDelay {
		return IndexerConfig{}, fmt.Errorf("invalid INDEXER_RPC_RETRY_MAX_DELAY: must be >= INDEXER_RPC_RETRY_BASE_DELAY")
	}

	batchSize, err := envInt("INDEXER_BATCH_SIZE", 50)
	if err != nil {
		return IndexerConfig{}, err
	}
	delayMS, err := envDuration("INDEXER_DELAY_MS", 10*time.Second)
	if err != nil {
		return IndexerConfig{}, err
	}

	metricsLogInterval, err := envDuration("INDEXER_METRICS_LOG_INTERVAL", time.Minute)
	if err != nil {
		return IndexerConfig{}, err
	}

	shutdownOnOrderCount, err := envOptionalUint64("INDEXER_SHUTDOWN_ORDER_COUNT")
	if err != nil {
		return IndexerConfig{}, err
	}

	return IndexerConfig{
		RPCURL:               envOrDefault("SOLANA_RPC_URL", "http://127.0.0.1:8899"),
		Commitment:           commitment,
		SolanaRPS:            solanaRPS,
		ChainID:              chainID,
		SourceProgramID:      sourceProgramID,
		DestProgramID:        destProgramID,
		RPCMaxRetries:        rpcMaxRetries,
		RPCRetryBaseDelay:    rpcRetryBaseDelay,
		RPCRetryMaxDelay:     rpcRetryMaxDelay,
		BatchSize:            batchSize,
		DelayMS:              delayMS,
		ClickHouseHost:       envOrDefault("CLICKHOUSE_HOST", "127.0.0.1:9000"),
		ClickHouseDatabase:   envOrDefault("CLICKHOUSE_DATABASE", "dln"),
		ClickHouseUser:       envOrDefault("CLICKHOUSE_USER", "default"),
		ClickHousePassword:   envOrDefault("CLICKHOUSE_PASSWORD", ""),
		RedisURL:             envOrDefault("REDIS_URL", "redis://127.0.0.1:6379/0"),
		JupiterAPIKey:        envOrDefault("JUPITER_API_KEY", ""),
		MetricsLogInterval:   metricsLogInterval,
		ShutdownOnOrderCount: shutdownOnOrderCount,
		Log:                  buildLogConfig("INDEXER", "indexer"),
	}, nil
}

func LoadAPIServerConfig() (APIServerConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return APIServerConfig{}, err
	}

	readTimeout, err := envDuration("API_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	writeTimeout, err := envDuration("API_SERVER_WRITE_TIMEOUT", 15*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}
	idleTimeout, err := envDuration("API_SERVER_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return APIServerConfig{}, err
	}

	allowedOrigins := parseCSVEnv(
		envOrDefault("API_SERVER_ALLOWED_ORIGINS", "*"),
		[]string{"*"},
	)

	return APIServerConfig{
		ListenAddr:         envOrDefault("API_SERVER_LISTEN_ADDR", ":8080"),
		ReadTimeout:        readTimeout,
		WriteTimeout:       writeTimeout,
		IdleTimeout:        idleTimeout,
		AllowedOrigins:     allowedOrigins,
		ClickHouseHost:     envOrDefault("CLICKHOUSE_HOST", "127.0.0.1:9000"),
		ClickHouseDatabase: envOrDefault("CLICKHOUSE_DATABASE", "dln"),
		ClickHouseUser:     envOrDefault("CLICKHOUSE_USER", "default"),
		ClickHousePassword: envOrDefault("CLICKHOUSE_PASSWORD", ""),
		Log:                buildLogConfig("API_SERVER", "api-server"),
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".docker", serviceName, serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		if ms, atoiErr := strconv.Atoi(raw); atoiErr == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOptionalUint64(key string) (*uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		raw := make(map[string]any)
		if err := yaml.Unmarshal(body, &raw); err != nil {
			runtimeConfigErr = fmt.Errorf("parse config file %q: %w", configPath, err)
			return
		}

		flattened, err := flattenConfig(raw)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("flatten config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = flattened
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case map[any]any:
		for keyAny, child := range typed {
			keyText, ok := keyAny.(string)
			if !ok {
				return fmt.Errorf("unsupported map key type %T under %q", keyAny, prefix)
			}
			segment := normalizeKeySegment(keyText)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}
