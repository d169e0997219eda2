package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/charlesng35/imrelay/pkg/validator"
)

// Config is the runtime configuration of the relay process.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Relay        RelayConfig        `mapstructure:"relay"`
	Backend      BackendConfig      `mapstructure:"backend"`
	UDP          UDPConfig          `mapstructure:"udp"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
}

type LogConfig struct {
	Level    string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Encoding string `mapstructure:"encoding" validate:"omitempty,oneof=json console"`
}

// RelayConfig configures the GUI-facing TCP listener.
type RelayConfig struct {
	Listen      string `mapstructure:"listen" validate:"required,hostname_port"`
	FrameBuffer int    `mapstructure:"frame_buffer" validate:"gte=1024"`
	SendQueue   int    `mapstructure:"send_queue" validate:"gte=1"`
}

// BackendConfig configures outbound sessions toward the chat server.
type BackendConfig struct {
	Address           string        `mapstructure:"address" validate:"required,hostname_port"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" validate:"gt=0"`
	ReconnectBurst    int           `mapstructure:"reconnect_burst" validate:"gte=1"`
}

// UDPConfig configures per-user UDP sockets and the relay UDP server endpoint.
type UDPConfig struct {
	Server   string `mapstructure:"server" validate:"required,udp_endpoint"`
	ListenIP string `mapstructure:"listen_ip" validate:"required,ip"`
}

// HousekeepingConfig holds the timer period and the tick multiples that
// drive keepalive, retry flushing and idle shutdown.
type HousekeepingConfig struct {
	Tick           time.Duration `mapstructure:"tick" validate:"gte=1s"`
	KeepaliveEvery int           `mapstructure:"keepalive_every" validate:"gte=1"`
	RetryEvery     int           `mapstructure:"retry_every" validate:"gte=1"`
	IdleWindow     int           `mapstructure:"idle_window" validate:"gte=1"`
	IdleThreshold  int           `mapstructure:"idle_threshold" validate:"gte=0"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" validate:"required"`
}

// GatewayConfig configures the HTTP/websocket surface.
type GatewayConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen" validate:"omitempty,hostname_port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst      int           `mapstructure:"rate_burst" validate:"gte=0"`
}

// LoadConfig reads config.yaml from ./config, the working directory and any
// extra paths, overlays IMRELAY_* environment variables and validates the result.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("IMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validator.ValidateStruct(config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	v.SetDefault("relay.listen", "127.0.0.1:8000")
	v.SetDefault("relay.frame_buffer", 64*1024)
	v.SetDefault("relay.send_queue", 256)

	v.SetDefault("backend.address", "127.0.0.1:9000")
	v.SetDefault("backend.dial_timeout", "5s")
	v.SetDefault("backend.reconnect_interval", "1s")
	v.SetDefault("backend.reconnect_burst", 4)

	v.SetDefault("udp.server", "127.0.0.1:9001")
	v.SetDefault("udp.listen_ip", "0.0.0.0")

	v.SetDefault("housekeeping.tick", "1s")
	v.SetDefault("housekeeping.keepalive_every", 30)
	v.SetDefault("housekeeping.retry_every", 10)
	v.SetDefault("housekeeping.idle_window", 60)
	v.SetDefault("housekeeping.idle_threshold", 3)

	v.SetDefault("storage.data_dir", "./data")

	v.SetDefault("gateway.enabled", true)
	v.SetDefault("gateway.listen", "127.0.0.1:8080")
	v.SetDefault("gateway.request_timeout", "10s")
	v.SetDefault("gateway.rate_limit", 20)
	v.SetDefault("gateway.rate_burst", 40)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
