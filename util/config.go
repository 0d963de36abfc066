package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
)

const Name = "lemmy"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

// AppConfig is the process-level configuration. Site-level federation policy
// (vote federation modes, private instance flag) lives in the database
// instead, because admins mutate it at runtime and every decision must see
// the current value.
type AppConfig struct {
	Conf struct {
		Host       string
		HttpPort   int    `yaml:"httpPort"`
		Domain     string `yaml:"domain"`
		Federation bool   `yaml:"federation"`
		AcmeTls    bool   `yaml:"acmeTls"`
		DbPath     string `yaml:"dbPath"`
		QueueSize  int    `yaml:"queueSize"`
		Debug      bool   `yaml:"debug"`
	}
}

// PersonURI returns the canonical actor URI of a local person.
func (c *AppConfig) PersonURI(name string) string {
	return fmt.Sprintf("https://%s/u/%s", c.Conf.Domain, name)
}

// CommunityURI returns the canonical actor URI of a local community.
func (c *AppConfig) CommunityURI(name string) string {
	return fmt.Sprintf("https://%s/c/%s", c.Conf.Domain, name)
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("LEMMY_HOST")
	envHttpPort := os.Getenv("LEMMY_HTTPPORT")
	envDomain := os.Getenv("LEMMY_DOMAIN")
	envFederation := os.Getenv("LEMMY_FEDERATION")
	envAcmeTls := os.Getenv("LEMMY_ACMETLS")
	envDbPath := os.Getenv("LEMMY_DBPATH")
	envQueueSize := os.Getenv("LEMMY_QUEUESIZE")
	envDebug := os.Getenv("LEMMY_DEBUG")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envDomain != "" {
		c.Conf.Domain = envDomain
	}

	if envFederation != "" {
		c.Conf.Federation = envFederation == "true"
	}

	if envAcmeTls == "true" {
		c.Conf.AcmeTls = true
	}

	if envDbPath != "" {
		c.Conf.DbPath = envDbPath
	}

	if envQueueSize != "" {
		v, err := strconv.Atoi(envQueueSize)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.QueueSize = v
	}

	if envDebug == "true" {
		c.Conf.Debug = true
	}

	if c.Conf.DbPath == "" {
		c.Conf.DbPath = "lemmy.db"
	}

	if c.Conf.QueueSize <= 0 {
		c.Conf.QueueSize = 256
	}

	return c, nil
}
