package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Port              int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	Host              string        `mapstructure:"host"`
	LogLevel          string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	PingInterval      time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	ReapInterval      time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gtfield=ShutdownGrace"`
	OutboxSize        int           `mapstructure:"outbox_size" validate:"gte=1"`
	ReadLimit         int64         `mapstructure:"read_limit" validate:"gte=512"`
	MalformedPolicy   string        `mapstructure:"malformed_policy" validate:"oneof=ignore reply"`
	ReregisterPolicy  string        `mapstructure:"reregister_policy" validate:"oneof=update once"`
	ProxyProtocol     bool          `mapstructure:"proxy_protocol"`
	TunnelAddr        string        `mapstructure:"tunnel_addr" validate:"omitempty,hostname_port"`
	TunnelToken       string        `mapstructure:"tunnel_token" validate:"required_with=TunnelAddr"`
	DbUrl             string        `mapstructure:"db_url"`
	HistoryTable      string        `mapstructure:"history_table" validate:"required"`
	NatsUrl           string        `mapstructure:"nats_url"`
	NatsSubjectPrefix string        `mapstructure:"nats_subject_prefix" validate:"required"`
	Logstore          bool          `mapstructure:"logstore"`
	IdSalt            string        `mapstructure:"id_salt"`
	CorsOrigins       []string      `mapstructure:"cors_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("host", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("ping_interval", 30*time.Second)
	v.SetDefault("reap_interval", 60*time.Second)
	v.SetDefault("shutdown_grace", time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("outbox_size", 64)
	v.SetDefault("read_limit", 64<<10)
	v.SetDefault("malformed_policy", "ignore")
	v.SetDefault("reregister_policy", "update")
	v.SetDefault("proxy_protocol", false)
	v.SetDefault("tunnel_addr", "")
	v.SetDefault("tunnel_token", "")
	v.SetDefault("db_url", "")
	v.SetDefault("history_table", "bus_locations")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject_prefix", "bus")
	v.SetDefault("logstore", false)
	v.SetDefault("id_salt", "")
	v.SetDefault("cors_origins", []string{"https://*", "http://*"})
}

// Load builds the configuration from defaults, an optional config file and
// the environment. PORT and HOST are read without prefix; every other key
// is read as BUSRELAY_<KEY>. An empty file falls back to BUSRELAY_CONFIG.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("busrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("port", "PORT", "BUSRELAY_PORT")
	v.BindEnv("host", "HOST", "BUSRELAY_HOST")
	v.BindEnv("config", "BUSRELAY_CONFIG")

	if file == "" {
		file = v.GetString("config")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Config) error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		list := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			list = append(list, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(list, ", "))
	}
	return err
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
