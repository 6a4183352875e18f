package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Log      LogConfig

	Poll       PollConfig
	Queue      QueueConfig
	Priority   PriorityConfig
	Transports TransportsConfig
	Facilities FacilitiesConfig
	Mail       MailConfig

	// GetURLLimit caps the length of GET URLs generated for the catalog and
	// archive services; id lists are chunked to stay under it.
	GetURLLimit int
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// PollConfig drives the download status scheduler.
type PollConfig struct {
	// TickInterval is the wall-clock period between scheduler ticks.
	TickInterval time.Duration
	// Delay is the minimum age of a download before its first readiness check.
	Delay time.Duration
	// IntervalWait is the minimum time between repeated checks or prepares of
	// the same download after an inconclusive attempt.
	IntervalWait time.Duration
	// Disabled turns off the scheduled status checks (used by tests).
	Disabled bool
}

// QueueConfig bounds queued download admission and request splitting.
type QueueConfig struct {
	// MaxActiveDownloads limits concurrent RESTORING downloads. Zero disables
	// admission entirely; a negative value means unlimited.
	MaxActiveDownloads int
	// VisitMaxPartFileCount caps the file count of a single part when a visit
	// or data collection request is split.
	VisitMaxPartFileCount int64
	// FilesMaxFileCount caps the number of file locations in one request.
	FilesMaxFileCount int64
}

// PriorityConfig configures the queue priority policy. The JSON-valued
// properties mirror the shape of the run properties used by the facilities
// this service fronts.
type PriorityConfig struct {
	// Default is the priority for authenticated users with no specific rule.
	// Values < 1 disable queuing.
	Default int
	// AnonUserName identifies anonymous users; anonymous cart identities are
	// suffixed with "/<sessionId>".
	AnonUserName string
	// AnonDownloadEnabled permits downloads by the anonymous user.
	AnonDownloadEnabled bool
	// Authenticated maps an authentication mechanism prefix to a priority.
	Authenticated map[string]int
	// Users maps a specific user name to an explicit priority override.
	Users map[string]int
	// InvestigationUserDefault applies to any user on any investigation.
	InvestigationUserDefault int
	// InstrumentScientistDefault applies to any instrument scientist.
	InstrumentScientistDefault int
	// InvestigationRoles maps an investigation role name to a priority.
	InvestigationRoles map[string]int
	// Instruments maps an instrument name to a priority for its scientists.
	Instruments map[string]int
	// Groups maps a group name to a priority for its members.
	Groups map[string]int
}

// TransportsConfig restricts which users may use a transport at a facility.
type TransportsConfig struct {
	// AllowedGroups maps facility -> transport -> group names which alone may
	// use that transport. An absent entry leaves the transport unrestricted.
	AllowedGroups map[string]map[string][]string
	// DisallowedPrefixes maps facility -> transport -> authentication
	// mechanism prefixes which are denied that transport.
	DisallowedPrefixes map[string]map[string][]string
}

// QueueAccount holds the service credential used for queue admission logins.
type QueueAccount struct {
	Plugin   string
	Username string
	Password string
}

// Facility describes one data facility this service fronts.
type Facility struct {
	Name         string
	CatalogURL   string
	ArchiveURL   string
	DownloadURLs map[string]string
	QueueAccount QueueAccount
}

// FacilitiesConfig is the static facility registry, loaded once at startup.
type FacilitiesConfig struct {
	Default    string
	facilities map[string]Facility
}

// MailConfig configures completion notification e-mails.
type MailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	// Bodies maps a transport mechanism to its plain-text body template.
	Bodies map[string]string
	// Required maps a transport mechanism to whether an e-mail address must
	// be supplied when submitting a download.
	Required map[string]bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Poll = PollConfig{
		TickInterval: parseDuration(v.GetString("POLL_TICK_INTERVAL"), time.Second),
		Delay:        parseDuration(v.GetString("POLL_DELAY"), 600*time.Second),
		IntervalWait: parseDuration(v.GetString("POLL_INTERVAL_WAIT"), 600*time.Second),
		Disabled:     v.GetBool("POLL_DISABLED"),
	}

	cfg.Queue = QueueConfig{
		MaxActiveDownloads:    v.GetInt("QUEUE_MAX_ACTIVE_DOWNLOADS"),
		VisitMaxPartFileCount: v.GetInt64("QUEUE_VISIT_MAX_PART_FILE_COUNT"),
		FilesMaxFileCount:     v.GetInt64("QUEUE_FILES_MAX_FILE_COUNT"),
	}

	cfg.Priority = PriorityConfig{
		Default:                    v.GetInt("QUEUE_PRIORITY_DEFAULT"),
		AnonUserName:               v.GetString("ANON_USER_NAME"),
		AnonDownloadEnabled:        v.GetBool("ANON_DOWNLOAD_ENABLED"),
		InvestigationUserDefault:   v.GetInt("QUEUE_PRIORITY_INVESTIGATION_USER_DEFAULT"),
		InstrumentScientistDefault: v.GetInt("QUEUE_PRIORITY_INSTRUMENT_SCIENTIST_DEFAULT"),
	}
	if err := parseJSONMap(v.GetString("QUEUE_PRIORITY_AUTHENTICATED"), &cfg.Priority.Authenticated); err != nil {
		return nil, fmt.Errorf("parse QUEUE_PRIORITY_AUTHENTICATED: %w", err)
	}
	if err := parseJSONMap(v.GetString("QUEUE_PRIORITY_USER"), &cfg.Priority.Users); err != nil {
		return nil, fmt.Errorf("parse QUEUE_PRIORITY_USER: %w", err)
	}
	if err := parseJSONMap(v.GetString("QUEUE_PRIORITY_INVESTIGATION_ROLES"), &cfg.Priority.InvestigationRoles); err != nil {
		return nil, fmt.Errorf("parse QUEUE_PRIORITY_INVESTIGATION_ROLES: %w", err)
	}
	if err := parseJSONMap(v.GetString("QUEUE_PRIORITY_INSTRUMENTS"), &cfg.Priority.Instruments); err != nil {
		return nil, fmt.Errorf("parse QUEUE_PRIORITY_INSTRUMENTS: %w", err)
	}
	if err := parseJSONMap(v.GetString("QUEUE_PRIORITY_GROUPS"), &cfg.Priority.Groups); err != nil {
		return nil, fmt.Errorf("parse QUEUE_PRIORITY_GROUPS: %w", err)
	}

	if err := parseJSONMap(v.GetString("TRANSPORT_ALLOWED_GROUPS"), &cfg.Transports.AllowedGroups); err != nil {
		return nil, fmt.Errorf("parse TRANSPORT_ALLOWED_GROUPS: %w", err)
	}
	if err := parseJSONMap(v.GetString("TRANSPORT_DISALLOWED_PREFIXES"), &cfg.Transports.DisallowedPrefixes); err != nil {
		return nil, fmt.Errorf("parse TRANSPORT_DISALLOWED_PREFIXES: %w", err)
	}

	facilities, err := loadFacilities(v)
	if err != nil {
		return nil, err
	}
	cfg.Facilities = facilities

	cfg.Mail = MailConfig{
		Enabled:  v.GetBool("MAIL_ENABLED"),
		Host:     v.GetString("MAIL_HOST"),
		Port:     v.GetInt("MAIL_PORT"),
		Username: v.GetString("MAIL_USERNAME"),
		Password: v.GetString("MAIL_PASSWORD"),
		From:     v.GetString("MAIL_FROM"),
		Subject:  v.GetString("MAIL_SUBJECT"),
	}
	if err := parseJSONMap(v.GetString("MAIL_BODIES"), &cfg.Mail.Bodies); err != nil {
		return nil, fmt.Errorf("parse MAIL_BODIES: %w", err)
	}
	if err := parseJSONMap(v.GetString("MAIL_REQUIRED"), &cfg.Mail.Required); err != nil {
		return nil, fmt.Errorf("parse MAIL_REQUIRED: %w", err)
	}

	cfg.GetURLLimit = v.GetInt("GET_URL_LIMIT")

	return cfg, nil
}

func loadFacilities(v *viper.Viper) (FacilitiesConfig, error) {
	registry := FacilitiesConfig{
		Default:    v.GetString("DEFAULT_FACILITY_NAME"),
		facilities: map[string]Facility{},
	}

	names := splitAndTrim(v.GetString("FACILITY_LIST"))
	if len(names) == 0 {
		return registry, errors.New("FACILITY_LIST is not defined")
	}

	for _, name := range names {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		facility := Facility{
			Name:       name,
			CatalogURL: v.GetString("FACILITY_" + key + "_CATALOG_URL"),
			ArchiveURL: v.GetString("FACILITY_" + key + "_ARCHIVE_URL"),
			QueueAccount: QueueAccount{
				Plugin:   v.GetString("FACILITY_" + key + "_QUEUE_PLUGIN"),
				Username: v.GetString("FACILITY_" + key + "_QUEUE_USERNAME"),
				Password: v.GetString("FACILITY_" + key + "_QUEUE_PASSWORD"),
			},
		}
		if facility.CatalogURL == "" {
			return registry, fmt.Errorf("FACILITY_%s_CATALOG_URL is not defined", key)
		}
		if facility.ArchiveURL == "" {
			return registry, fmt.Errorf("FACILITY_%s_ARCHIVE_URL is not defined", key)
		}
		if err := parseJSONMap(v.GetString("FACILITY_"+key+"_DOWNLOAD_URLS"), &facility.DownloadURLs); err != nil {
			return registry, fmt.Errorf("parse FACILITY_%s_DOWNLOAD_URLS: %w", key, err)
		}
		registry.facilities[name] = facility
	}

	return registry, nil
}

// NewFacilitiesConfig builds a registry from explicit facilities, primarily
// for tests and alternate wiring.
func NewFacilitiesConfig(defaultName string, facilities ...Facility) FacilitiesConfig {
	registry := FacilitiesConfig{Default: defaultName, facilities: map[string]Facility{}}
	for _, facility := range facilities {
		registry.facilities[facility.Name] = facility
	}
	return registry
}

// ValidateName resolves an empty facility name to the configured default.
func (f FacilitiesConfig) ValidateName(name string) (string, error) {
	if name == "" {
		if f.Default == "" {
			return "", errors.New("facility name is empty and no default facility is configured")
		}
		return f.Default, nil
	}
	return name, nil
}

// Get returns the facility entry for name, resolving the default as needed.
func (f FacilitiesConfig) Get(name string) (Facility, error) {
	name, err := f.ValidateName(name)
	if err != nil {
		return Facility{}, err
	}
	facility, ok := f.facilities[name]
	if !ok {
		return Facility{}, fmt.Errorf("unknown facility: %s", name)
	}
	return facility, nil
}

// CatalogURL returns the catalog service endpoint for a facility.
func (f FacilitiesConfig) CatalogURL(name string) (string, error) {
	facility, err := f.Get(name)
	if err != nil {
		return "", err
	}
	return facility.CatalogURL, nil
}

// ArchiveURL returns the archival storage endpoint for a facility.
func (f FacilitiesConfig) ArchiveURL(name string) (string, error) {
	facility, err := f.Get(name)
	if err != nil {
		return "", err
	}
	return facility.ArchiveURL, nil
}

// DownloadURL returns the endpoint serving a given transport, falling back to
// the facility archive endpoint when no transport-specific URL is configured.
func (f FacilitiesConfig) DownloadURL(name, transport string) (string, error) {
	facility, err := f.Get(name)
	if err != nil {
		return "", err
	}
	if url, ok := facility.DownloadURLs[transport]; ok && url != "" {
		return url, nil
	}
	return facility.ArchiveURL, nil
}

// Names lists the configured facility names.
func (f FacilitiesConfig) Names() []string {
	names := make([]string, 0, len(f.facilities))
	for name := range f.facilities {
		names = append(names, name)
	}
	return names
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "downloads")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("POLL_TICK_INTERVAL", "1s")
	v.SetDefault("POLL_DELAY", "600s")
	v.SetDefault("POLL_INTERVAL_WAIT", "600s")
	v.SetDefault("POLL_DISABLED", false)

	v.SetDefault("QUEUE_MAX_ACTIVE_DOWNLOADS", 1)
	v.SetDefault("QUEUE_VISIT_MAX_PART_FILE_COUNT", 10000)
	v.SetDefault("QUEUE_FILES_MAX_FILE_COUNT", 10000)

	v.SetDefault("QUEUE_PRIORITY_DEFAULT", 0)
	v.SetDefault("QUEUE_PRIORITY_AUTHENTICATED", "{}")
	v.SetDefault("QUEUE_PRIORITY_USER", "{}")
	v.SetDefault("QUEUE_PRIORITY_INVESTIGATION_USER_DEFAULT", 0)
	v.SetDefault("QUEUE_PRIORITY_INSTRUMENT_SCIENTIST_DEFAULT", 0)
	v.SetDefault("QUEUE_PRIORITY_INVESTIGATION_ROLES", "{}")
	v.SetDefault("QUEUE_PRIORITY_INSTRUMENTS", "{}")
	v.SetDefault("QUEUE_PRIORITY_GROUPS", "{}")
	v.SetDefault("ANON_USER_NAME", "")
	v.SetDefault("ANON_DOWNLOAD_ENABLED", true)

	v.SetDefault("TRANSPORT_ALLOWED_GROUPS", "{}")
	v.SetDefault("TRANSPORT_DISALLOWED_PREFIXES", "{}")

	v.SetDefault("FACILITY_LIST", "")
	v.SetDefault("DEFAULT_FACILITY_NAME", "")

	v.SetDefault("MAIL_ENABLED", false)
	v.SetDefault("MAIL_HOST", "localhost")
	v.SetDefault("MAIL_PORT", 25)
	v.SetDefault("MAIL_USERNAME", "")
	v.SetDefault("MAIL_PASSWORD", "")
	v.SetDefault("MAIL_FROM", "")
	v.SetDefault("MAIL_SUBJECT", "Your download ${fileName} is ready")
	v.SetDefault("MAIL_BODIES", "{}")
	v.SetDefault("MAIL_REQUIRED", "{}")

	v.SetDefault("GET_URL_LIMIT", 1024)
}

func parseJSONMap(raw string, dest interface{}) error {
	if raw == "" {
		raw = "{}"
	}
	return json.Unmarshal([]byte(raw), dest)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
