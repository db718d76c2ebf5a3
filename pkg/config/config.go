package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "request_monitor"

func New(logger logrus.FieldLogger) *Config {
	return &Config{
		viper:  viper.New(),
		logger: logger,
	}
}

type Config struct {
	Pipeline                        []string
	LogLevel                        string
	WebServerListenAddress          string
	MaximumGracefulShutdownDuration time.Duration
	MinimumGracefulShutdownDuration time.Duration
	Modules                         map[string]interface{}

	viper  *viper.Viper
	logger logrus.FieldLogger
}

func (c *Config) setupViper() {
	c.viper.SetConfigType("yaml")
	c.viper.SetEnvPrefix(envPrefix)
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()
	c.viper.SetDefault("LogLevel", "info")
	c.viper.SetDefault("WebServerListenAddress", "0.0.0.0:8080")
	c.viper.SetDefault("MaximumGracefulShutdownDuration", 20*time.Second)
	c.viper.SetDefault("MinimumGracefulShutdownDuration", 0*time.Second)
}

func (c *Config) LoadFromFile(path string) error {
	yamlFile, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open configuration file: %w", err)
	}
	defer yamlFile.Close()
	return c.load(yamlFile)
}

func (c *Config) load(yamlFile *os.File) error {
	c.setupViper()
	if err := c.viper.ReadConfig(yamlFile); err != nil {
		return fmt.Errorf("failed to load configuration file: %w", err)
	}
	if err := c.viper.UnmarshalExact(c); err != nil {
		return fmt.Errorf("failed to unmarshall configuration file: %w", err)
	}
	c.logger.WithField("file", yamlFile.Name()).Debug("loaded configuration")
	return nil
}

// ModuleConfig returns sub-tree of the module configuration. Missing configuration results in empty one,
// so modules can rely on their defaults.
func (c *Config) ModuleConfig(moduleName string) (*viper.Viper, error) {
	if moduleName == "" {
		return nil, fmt.Errorf("module name must not be empty")
	}
	subConfig := c.viper.Sub("modules." + moduleName)
	if subConfig == nil {
		c.logger.Warnf("missing configuration for module %s, using defaults", moduleName)
		subConfig = viper.New()
	}
	subConfig.SetEnvPrefix(envPrefix + "_" + moduleName)
	subConfig.AutomaticEnv()
	return subConfig, nil
}
