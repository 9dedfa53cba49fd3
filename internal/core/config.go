package core

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the reverb
// relay and its transport.
type Config struct {
	// Hostname or IP address on which the relay will listen for datagrams.
	Hostname string `mapstructure:"hostname"`

	Relay struct {
		// UDP port on which the relay listens.
		Port int `mapstructure:"port"`
		// Key clients must present in their connect request.
		ConnectionKey string `mapstructure:"connection_key"`
		// Maximum number of concurrently connected peers.
		MaxClients int `mapstructure:"max_clients"`
		// Sleep between poll cycles, in milliseconds.
		PollIntervalMs int `mapstructure:"poll_interval_ms"`
	} `mapstructure:"relay"`

	Transport struct {
		// Idle time before a ping is sent to a peer, in milliseconds.
		PingIntervalMs int `mapstructure:"ping_interval_ms"`
		// Idle time before a peer is declared dead, in milliseconds.
		TimeoutMs int `mapstructure:"timeout_ms"`
		// Interval between retransmissions of unacknowledged reliable
		// frames, in milliseconds.
		ResendIntervalMs int `mapstructure:"resend_interval_ms"`
	} `mapstructure:"transport"`

	Logging struct {
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Whether to include the caller in log lines.
		IncludeCaller bool `mapstructure:"include_caller"`
	} `mapstructure:"logging"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		Enabled bool `mapstructure:"enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Dump every inbound voice envelope to the log at debug level.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "REVERB"

// LoadConfig initializes Viper with the contents of the config file under
// configPath and applies the defaults for anything the file omits.
func LoadConfig(configPath string) (*Config, error) {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config file in %s: %w", configPath, err)
		}
		// No file is fine; the defaults describe a working relay.
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, relay.port can be set using: REVERB_RELAY_PORT.
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return config, nil
}

func setDefaults() {
	viper.SetDefault("hostname", "0.0.0.0")
	viper.SetDefault("relay.port", 10515)
	viper.SetDefault("relay.connection_key", "ReverbRelay")
	viper.SetDefault("relay.max_clients", 64)
	viper.SetDefault("relay.poll_interval_ms", 5)
	viper.SetDefault("transport.ping_interval_ms", 1000)
	viper.SetDefault("transport.timeout_ms", 5000)
	viper.SetDefault("transport.resend_interval_ms", 100)
	viper.SetDefault("logging.log_level", "info")
	viper.SetDefault("logging.log_file_path", "")
	viper.SetDefault("logging.include_caller", false)
	viper.SetDefault("debugging.enabled", false)
	viper.SetDefault("debugging.pprof_port", 6060)
	viper.SetDefault("debugging.packet_logging_enabled", false)
}

// ListenAddress returns the UDP address the relay should bind.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Relay.Port)
}
