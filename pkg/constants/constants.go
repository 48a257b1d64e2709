package constants

import "time"

// Proxy wire protocol message types.
const (
	MessageTypeProxyRequest byte = 0
	MessageTypeSuccess      byte = 50
	MessageTypeFailure      byte = 51
)

// Proxy wire protocol limits and relay tuning.
const (
	ProxyRequestMsgType  = "PROXY_REQUEST"
	MessageHeaderSize    = 5
	MaxMessageSize       = 4096
	RelayChunkSize       = 4096
	RelayMaxPending      = 16 * RelayChunkSize
	AcceptRetryMinDelay  = 5 * time.Millisecond
	AcceptRetryMaxDelay  = time.Second
	WorkerStatsInterval  = 120 * time.Second
	SocksProxySocketName = "socks_proxy"
)

// Proxy worker states.
type WorkerStatus int

const (
	WorkerStatusHandshake WorkerStatus = iota
	WorkerStatusConnecting
	WorkerStatusRelaying
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerStatusHandshake:
		return "handshake"
	case WorkerStatusConnecting:
		return "connecting"
	case WorkerStatusRelaying:
		return "relaying"
	default:
		return "unknown"
	}
}

// Template image build states.
const (
	BuildStatusNotBuilt = "NOT_BUILT"
	BuildStatusBuilding = "BUILDING"
	BuildStatusFinished = "FINISHED"
	BuildStatusFailed   = "FAILED"
)

// Fixed in-container paths and identities.
const (
	ContainerHomePath       = "/home/user"
	ContainerSharedPath     = "/shared"
	ContainerInstanceIDPath = "/etc/instance_id"
	ContainerKeyPath        = "/etc/key"
	ContainerBootScriptPath = "/tmp/.first_boot.sh"
	ContainerUID            = 9999
	ContainerGID            = 9999
	ContainerCapability     = "SYS_PTRACE"
	GatewayNetworkAlias     = "sshserver"
	IsolationNetworkName    = "none"
	DefaultEntryCommand     = "/bin/bash"
)

// Instance persistence layout.
const (
	InstancesDirName     = "instances"
	TemplatesDirName     = "templates"
	PersistenceDirName   = "persistence"
	EntryUpperDirName    = "entry-upper"
	EntryWorkDirName     = "entry-work"
	EntryMergedDirName   = "entry-merged"
	EntrySubmittedDir    = "entry-submitted"
	EntrySharedDirName   = "entry-shared"
	ServiceDirPrefix     = "service-"
	TemplateLowerDirPath = "entry-server/lower"
	TemplateSettingsFile = "settings.yml"
	EntryDockerfile      = "Dockerfile-entry"
	SSHDirName           = ".ssh"
)

// Docker resource labels.
const (
	LabelManagedBy  = "ref.managed_by"
	LabelInstanceID = "ref.instance_id"
	LabelTemplate   = "ref.template"
	ManagedByValue  = "ref-core"
)

// Configuration constants.
const (
	DefaultDataDir              = "/data"
	DefaultDockerResourcePrefix = "ref-"
	DefaultGatewayContainerName = "sshserver"
	DefaultCPUPeriod            = 100000
	DefaultCPUQuota             = 50000
	DefaultMemoryLimit          = "256m"
	DefaultPidsLimit            = 512
	DefaultSeccompProfilePath   = "/app/seccomp.json"
	DefaultProxyListenAddr      = ":8001"
	DefaultProxyIdleTimeout     = 120
	DefaultProxyHeaderTimeout   = 10
	DefaultProxyConnectTimeout  = 30
	DefaultProxyMaxWorkers      = 256
	DefaultAPIListenAddr        = ":8000"
	DefaultDatabasePath         = "/data/ref.db"
	DefaultLockRetryCount       = 5
	DefaultLockRetryDelayMs     = 200
	DefaultLockTTLSeconds       = 300
	DefaultReconcileInterval    = 60
	DefaultEventsQueueName      = "ref_instance_events"
	DefaultRabbitmqHost         = "localhost"
	DefaultRabbitmqUser         = "guest"
	DefaultRabbitmqPassword     = "guest"
	DefaultRabbitmqPort         = "5672"
)

// Cleanup timeout applied to rollback actions that run after the caller's context is gone.
const CleanupTimeout = 30 * time.Second

// InstanceRequestMaxAge bounds how old a signed request from inside an instance may be.
const InstanceRequestMaxAge = 60 * time.Second
