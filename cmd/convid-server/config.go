package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/convid/tunnel-broker/internal/api/http"
	"github.com/convid/tunnel-broker/internal/db"
	"github.com/convid/tunnel-broker/internal/token"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log    LogConfig
	Http   http.Config
	Db     db.Config
	Tunnel TunnelConfig
	Ssh    SshConfig
	Token  token.Config
	Totp   TotpConfig
}

type TunnelConfig struct {
	PortRange PortRange `mapstructure:"port_range"`
}

type PortRange struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

type SshConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	InternalPort int    `mapstructure:"internal_port"`
}

type TotpConfig struct {
	Required bool   `mapstructure:"required"`
	Issuer   string `mapstructure:"issuer"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/convid-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("db.url", "URL_POSTGRES")
	_ = viper.BindEnv("token.issuer", "ISSUER_NAME")
	_ = viper.BindEnv("token.audience", "BASE_DOMAIN")
	_ = viper.BindEnv("http.base_domain", "BASE_DOMAIN")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
