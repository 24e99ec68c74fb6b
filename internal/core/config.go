package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of the
// server components.
type Config struct {
	// Hostname or IP address on which the servers will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// IP advertised to clients and spawned game servers for connecting back
	// to the lobby (may differ from Hostname behind NAT).
	ExternalIP string `mapstructure:"external_ip"`
	// Maximum number of concurrent connections the server will allow.
	MaxConnections int `mapstructure:"max_connections"`
	// Directory under which uploaded game packages are stored.
	GamesDir string `mapstructure:"games_dir"`

	Logging struct {
		// Full path to file to which logs will be written. Blank writes to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"logging"`

	Database struct {
		// Engine selects the backing store: "sqlite" or "postgres".
		Engine string `mapstructure:"engine"`
		// Path of the sqlite database file (sqlite engine only).
		File string `mapstructure:"file"`
		// Connection parameters for the postgres engine.
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Name     string `mapstructure:"name"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	LobbyServer struct {
		// Port on which the player-facing lobby service will listen.
		Port int `mapstructure:"port"`
	} `mapstructure:"lobby_server"`

	DevServer struct {
		// Port on which the developer-facing upload service will listen.
		Port int `mapstructure:"port"`
	} `mapstructure:"dev_server"`
}

const envVarPrefix = "PARLOR"

// LoadConfig initializes Viper with the contents of the config file under
// configPath and returns the parsed configuration.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if errors.Is(err, viper.ConfigFileNotFoundError{}) {
			fmt.Printf("error reading config file: no config file in path %s\n", configPath)
		} else {
			fmt.Printf("error reading config file: %v\n", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: PARLOR_DATABASE_HOST
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s\n", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config: %v\n", err)
		os.Exit(1)
	}

	return config
}

func setDefaults() {
	viper.SetDefault("hostname", "0.0.0.0")
	viper.SetDefault("external_ip", "127.0.0.1")
	viper.SetDefault("max_connections", 3000)
	viper.SetDefault("games_dir", "games")
	viper.SetDefault("logging.log_level", "info")
	viper.SetDefault("database.engine", "sqlite")
	viper.SetDefault("database.file", "parlor.db")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("lobby_server.port", 9000)
	viper.SetDefault("dev_server.port", 9001)
}

// DatabaseDSN returns the postgres connection string assembled from the
// database config block.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// LobbyAddr returns the externally reachable address of the lobby service,
// handed to spawned game servers for the end_game callback.
func (c *Config) LobbyAddr() (string, int) {
	return c.ExternalIP, c.LobbyServer.Port
}
