package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/remote-exercises/ref-core/internal/logger"
	"github.com/remote-exercises/ref-core/pkg/constants"
)

type Config struct {
	DataDir              string
	DockerResourcePrefix string
	GatewayContainerName string
	SecretKey            string

	Container ContainerConfig
	Proxy     ProxyConfig
	API       APIConfig
	Lock      LockConfig
	Events    EventsConfig

	DatabasePath      string
	ReconcileInterval time.Duration
}

// ContainerConfig holds the resource profile applied to every exercise container.
type ContainerConfig struct {
	CPUPeriod          int64
	CPUQuota           int64
	MemoryLimit        int64
	PidsLimit          int64
	SeccompProfilePath string
}

type ProxyConfig struct {
	ListenAddr     string
	IdleTimeout    time.Duration
	HeaderTimeout  time.Duration
	ConnectTimeout time.Duration
	MaxWorkers     int
}

type APIConfig struct {
	ListenAddr string
}

// LockConfig selects the lock backend. An empty RedisAddr keeps locks in process.
type LockConfig struct {
	RedisAddr  string
	RetryCount int
	RetryDelay time.Duration
	TTL        time.Duration
}

type EventsConfig struct {
	Enabled     bool
	RabbitMQURL string
	QueueName   string
}

func NewConfig() *Config {
	logger := logger.NewNamedLogger("config")

	_, err := os.Stat(".env")
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("failed to stat .env file with error: %v", err)
		}
	} else {
		if os.Getenv("ENV") == "PROD" {
			logger.Warn(".env file detected in production environment. This is not recommended.")
		}
		err = godotenv.Load(".env")
		if err != nil {
			logger.Fatalf("failed to load .env file with error: %v", err)
		}
	}

	dataDir, prefix, gateway, secret := instanceConfig()
	dbPath := databaseConfig()

	return &Config{
		DataDir:              dataDir,
		DockerResourcePrefix: prefix,
		GatewayContainerName: gateway,
		SecretKey:            secret,
		Container:            containerConfig(),
		Proxy:                proxyConfig(),
		API:                  apiConfig(),
		Lock:                 lockConfig(),
		Events:               eventsConfig(),
		DatabasePath:         dbPath,
		ReconcileInterval:    secondsEnv("RECONCILE_INTERVAL", constants.DefaultReconcileInterval),
	}
}

// InstancesDir is the root of all per-instance persistence directories.
func (c *Config) InstancesDir() string {
	return filepath.Join(c.DataDir, constants.InstancesDirName)
}

func (c *Config) TemplatesDir() string {
	return filepath.Join(c.DataDir, constants.TemplatesDirName)
}

func (c *Config) PersistenceDir() string {
	return filepath.Join(c.DataDir, constants.PersistenceDirName)
}

func instanceConfig() (string, string, string, string) {
	logger := logger.NewNamedLogger("config")

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = constants.DefaultDataDir
		logger.Warnf("DATA_DIR is not set, using default value %s", constants.DefaultDataDir)
	}
	prefix := os.Getenv("DOCKER_RESOURCE_PREFIX")
	if prefix == "" {
		prefix = constants.DefaultDockerResourcePrefix
		logger.Warnf("DOCKER_RESOURCE_PREFIX is not set, using default value %s", constants.DefaultDockerResourcePrefix)
	}
	gateway := os.Getenv("GATEWAY_CONTAINER_NAME")
	if gateway == "" {
		gateway = constants.DefaultGatewayContainerName
		logger.Warnf("GATEWAY_CONTAINER_NAME is not set, using default value %s", constants.DefaultGatewayContainerName)
	}
	secret := os.Getenv("SECRET_KEY")
	if secret == "" {
		logger.Warn("SECRET_KEY is not set, instance keys are derived from an empty secret")
	}

	return dataDir, prefix, gateway, secret
}

func containerConfig() ContainerConfig {
	logger := logger.NewNamedLogger("config")

	cpuPeriod := intEnv("CONTAINER_CPU_PERIOD", constants.DefaultCPUPeriod)
	cpuQuota := intEnv("CONTAINER_CPU_QUOTA", constants.DefaultCPUQuota)
	pidsLimit := intEnv("CONTAINER_PIDS_LIMIT", constants.DefaultPidsLimit)

	memStr := os.Getenv("CONTAINER_MEMORY_LIMIT")
	if memStr == "" {
		memStr = constants.DefaultMemoryLimit
		logger.Warnf("CONTAINER_MEMORY_LIMIT is not set, using default value %s", constants.DefaultMemoryLimit)
	}
	memory, err := units.RAMInBytes(memStr)
	if err != nil {
		logger.Fatalf("failed to parse CONTAINER_MEMORY_LIMIT with error: %v", err)
	}

	seccomp := os.Getenv("SECCOMP_PROFILE_PATH")
	if seccomp == "" {
		seccomp = constants.DefaultSeccompProfilePath
		logger.Warnf("SECCOMP_PROFILE_PATH is not set, using default value %s", constants.DefaultSeccompProfilePath)
	}

	return ContainerConfig{
		CPUPeriod:          int64(cpuPeriod),
		CPUQuota:           int64(cpuQuota),
		MemoryLimit:        memory,
		PidsLimit:          int64(pidsLimit),
		SeccompProfilePath: seccomp,
	}
}

func proxyConfig() ProxyConfig {
	logger := logger.NewNamedLogger("config")

	listenAddr := os.Getenv("PROXY_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = constants.DefaultProxyListenAddr
		logger.Warnf("PROXY_LISTEN_ADDR is not set, using default value %s", constants.DefaultProxyListenAddr)
	}

	maxWorkers := intEnv("PROXY_MAX_WORKERS", constants.DefaultProxyMaxWorkers)
	if maxWorkers <= 0 {
		logger.Fatalf("PROXY_MAX_WORKERS must be positive, got %d", maxWorkers)
	}

	return ProxyConfig{
		ListenAddr:     listenAddr,
		IdleTimeout:    secondsEnv("PROXY_IDLE_TIMEOUT", constants.DefaultProxyIdleTimeout),
		HeaderTimeout:  secondsEnv("PROXY_HEADER_TIMEOUT", constants.DefaultProxyHeaderTimeout),
		ConnectTimeout: secondsEnv("PROXY_CONNECT_TIMEOUT", constants.DefaultProxyConnectTimeout),
		MaxWorkers:     maxWorkers,
	}
}

func apiConfig() APIConfig {
	logger := logger.NewNamedLogger("config")

	listenAddr := os.Getenv("API_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = constants.DefaultAPIListenAddr
		logger.Warnf("API_LISTEN_ADDR is not set, using default value %s", constants.DefaultAPIListenAddr)
	}

	return APIConfig{ListenAddr: listenAddr}
}

func databaseConfig() string {
	logger := logger.NewNamedLogger("config")

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = constants.DefaultDatabasePath
		logger.Warnf("DATABASE_PATH is not set, using default value %s", constants.DefaultDatabasePath)
	}

	return dbPath
}

func lockConfig() LockConfig {
	logger := logger.NewNamedLogger("config")

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		logger.Warn("REDIS_ADDR is not set, using in-process locks")
	}

	return LockConfig{
		RedisAddr:  redisAddr,
		RetryCount: intEnv("LOCK_RETRY_COUNT", constants.DefaultLockRetryCount),
		RetryDelay: time.Duration(intEnv("LOCK_RETRY_DELAY_MS", constants.DefaultLockRetryDelayMs)) * time.Millisecond,
		TTL:        secondsEnv("LOCK_TTL", constants.DefaultLockTTLSeconds),
	}
}

func eventsConfig() EventsConfig {
	logger := logger.NewNamedLogger("config")

	enabled := os.Getenv("EVENTS_ENABLED") == "true"
	if !enabled {
		return EventsConfig{}
	}

	rabbitmqHost := os.Getenv("RABBITMQ_HOST")
	if rabbitmqHost == "" {
		rabbitmqHost = constants.DefaultRabbitmqHost
		logger.Warnf("RABBITMQ_HOST is not set, using default value %s", constants.DefaultRabbitmqHost)
	}
	rabbitmqPortStr := os.Getenv("RABBITMQ_PORT")
	if rabbitmqPortStr == "" {
		rabbitmqPortStr = constants.DefaultRabbitmqPort
		logger.Warnf("RABBITMQ_PORT is not set, using default value %s", constants.DefaultRabbitmqPort)
	}
	rabbitmqPort, err := strconv.ParseUint(rabbitmqPortStr, 10, 16)
	if err != nil {
		logger.Fatalf("failed to parse RABBITMQ_PORT with error: %v", err)
	}
	rabbitmqUser := os.Getenv("RABBITMQ_USER")
	if rabbitmqUser == "" {
		rabbitmqUser = constants.DefaultRabbitmqUser
		logger.Warnf("RABBITMQ_USER is not set, using default value %s", constants.DefaultRabbitmqUser)
	}
	rabbitmqPassword := os.Getenv("RABBITMQ_PASSWORD")
	if rabbitmqPassword == "" {
		rabbitmqPassword = constants.DefaultRabbitmqPassword
		logger.Warnf("RABBITMQ_PASSWORD is not set, using default value %s", constants.DefaultRabbitmqPassword)
	}
	queueName := os.Getenv("EVENTS_QUEUE_NAME")
	if queueName == "" {
		queueName = constants.DefaultEventsQueueName
		logger.Warnf("EVENTS_QUEUE_NAME is not set, using default value %s", constants.DefaultEventsQueueName)
	}

	return EventsConfig{
		Enabled:     true,
		RabbitMQURL: fmt.Sprintf("amqp://%s:%s@%s:%d/", rabbitmqUser, rabbitmqPassword, rabbitmqHost, rabbitmqPort),
		QueueName:   queueName,
	}
}

func intEnv(name string, def int) int {
	logger := logger.NewNamedLogger("config")

	str := os.Getenv(name)
	if str == "" {
		logger.Warnf("%s is not set, using default value %d", name, def)
		return def
	}
	v, err := strconv.Atoi(str)
	if err != nil {
		logger.Fatalf("failed to parse %s with error: %v", name, err)
	}
	return v
}

func secondsEnv(name string, def int) time.Duration {
	return time.Duration(intEnv(name, def)) * time.Second
}
