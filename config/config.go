package config

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// Block modes.
const (
	BlockModeRefused   = "refused"
	BlockModeNXDomain  = "nxdomain"
	BlockModeNullroute = "nullroute"
)

// Mode selects which bind address the DNS listener uses.
type Mode int

// Run modes.
const (
	ModeNormal Mode = iota
	ModeExternal
	ModeDebug
)

func (m Mode) String() string {
	switch m {
	case ModeExternal:
		return "external"
	case ModeDebug:
		return "debug"
	default:
		return "normal"
	}
}

// Config type
type Config struct {
	Version      string `toml:"version"`
	Bind         string `toml:"bind" validate:"required,hostport"`
	BindExternal string `toml:"bindexternal" validate:"required,hostport"`
	BindDebug    string `toml:"binddebug" validate:"required,hostport"`

	API         string `toml:"api" validate:"hostport_or_empty"`
	APIExternal string `toml:"apiexternal" validate:"hostport_or_empty"`
	APIDebug    string `toml:"apidebug" validate:"hostport_or_empty"`
	APIToken    string `toml:"apitoken"`
	StaticDir   string `toml:"staticdir"`

	Upstreams           []string `toml:"upstreams" validate:"required,min=1,dive,upstream"`
	Timeout             Duration `toml:"timeout"`
	CacheSize           int      `toml:"cachesize" validate:"min=1"`
	InstrumentationSize int      `toml:"instrumentationsize" validate:"min=1"`
	QueueSize           int      `toml:"queuesize" validate:"min=1"`

	BlockMode       string   `toml:"blockmode" validate:"oneof=refused nxdomain nullroute"`
	Nullroute       string   `toml:"nullroute" validate:"omitempty,ipv4"`
	Nullroutev6     string   `toml:"nullroutev6" validate:"omitempty,ipv6"`
	BlockListDir    string   `toml:"blocklistdir"`
	BlockLists      []string `toml:"blocklists" validate:"dive,url"`
	Blocklist       []string `toml:"blocklist" validate:"dive,fqdn_or_wildcard"`
	Whitelist       []string `toml:"whitelist" validate:"dive,fqdn_or_wildcard"`
	WatchBlocklists bool     `toml:"watchblocklists"`

	AccessList      []string `toml:"accesslist" validate:"dive,cidr"`
	ClientRateLimit int      `toml:"clientratelimit" validate:"min=0"`
	AccessLog       string   `toml:"accesslog"`

	DnstapSocket   string `toml:"dnstapsocket"`
	DnstapIdentity string `toml:"dnstapidentity"`

	LogLevel string `toml:"loglevel" validate:"oneof=debug info warn error"`

	sVersion string
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Addr returns the DNS bind address for mode.
func (c *Config) Addr(mode Mode) string {
	switch mode {
	case ModeExternal:
		return c.BindExternal
	case ModeDebug:
		return c.BindDebug
	default:
		return c.Bind
	}
}

// APIAddr returns the http API bind address for mode.
func (c *Config) APIAddr(mode Mode) string {
	switch mode {
	case ModeExternal:
		return c.APIExternal
	case ModeDebug:
		return c.APIDebug
	default:
		return c.API
	}
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText for duration type
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the DNS server
bind = "127.0.0.1:53"

# Address to bind to when started with --external
bindexternal = "0.0.0.0:53"

# Address to bind to when started with --debug
binddebug = "127.0.0.1:5553"

# Address to bind to for the http API server, left blank for disabled
api = "127.0.0.1:80"

# Address to bind to for the http API server when started with --external
apiexternal = "0.0.0.0:80"

# Address to bind to for the http API server when started with --debug
apidebug = "127.0.0.1:8080"

# Bearer token required by the http API, left blank for disabled
apitoken = "%s"

# Directory of the web dashboard served at /, left blank for disabled
staticdir = "static"

# Upstream resolvers with port, tried in order when one times out
upstreams = [
"1.1.1.1:53",
"9.9.9.9:53"
]

# Timeout for each upstream attempt in duration
timeout = "2s"

# Cache size (total answers in cache)
cachesize = 4096

# Number of recent queries kept for the instrumentation endpoint
instrumentationsize = 1024

# Capacity of the forward and reply queues
queuesize = 1024

# Answer for blocked domains [refused,nxdomain,nullroute]
blockmode = "refused"

# IPv4 address returned for blocked A queries in nullroute mode
nullroute = "0.0.0.0"

# IPv6 address returned for blocked AAAA queries in nullroute mode
nullroutev6 = "::0"

# List of remote blocklists address list. All lists will be download to blocklist folder.
# blocklists = [
# "https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts",
# "https://s3.amazonaws.com/lists.disconnect.me/simple_tracking.txt"
# ]
blocklists = [
]

# Location to recursively read blocklists from (warning, every file found is assumed to be a hosts-file or domain list)
blocklistdir = "bl"

# Reload blocklists when files in blocklistdir change
watchblocklists = true

# Manual blocklist entries, a blocked domain blocks all of its subdomains
blocklist = []

# Manual whitelist entries, an allowed domain overrides blocks on its parents
whitelist = []

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Client ip address based ratelimit per minute, 0 for disabled
clientratelimit = 0

# The location of access log file, left blank for disabled. Common Log Format is used.
# accesslog = ""

# Unix socket of a dnstap collector, left blank for disabled
# dnstapsocket = "/var/run/dnstap.sock"

# Identity sent with dnstap messages, hostname when empty
# dnstapidentity = ""

# What kind of information should be logged, Log verbosity level [error,warn,info,debug]
loglevel = "info"
`

// Load loads the given config file
func Load(cfgfile, version string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// Default returns the configuration the generated file describes. Keys
// missing from a config file keep these values.
func Default() *Config {
	config := new(Config)
	if _, err := toml.Decode(fmt.Sprintf(defaultConfig, configver, ""), config); err != nil {
		panic(err)
	}
	return config
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	// every generated config gets its own api token
	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver, rand.Text()))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
