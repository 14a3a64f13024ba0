package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

const (
	defaultConfigPath = "~/.groupkeys/config.yaml"
	defaultDataDir    = "~/.groupkeys/data"
	defaultEnvFile    = ".env"
)

// settings is the on-disk configuration. Environment variables override
// the file and command line flags override both.
type settings struct {
	BaseURL   string `yaml:"baseUrl"`
	AuthToken string `yaml:"authToken"`
	UserID    string `yaml:"userId"`
	DeviceID  string `yaml:"deviceId"`
	DataDir   string `yaml:"dataDir"`
	LogLevel  string `yaml:"logLevel"`
}

// loadSettings reads the YAML file at path, then applies GROUPKEYS_*
// variables from the environment or, failing that, from envFile. Missing
// files are not an error.
func loadSettings(path, envFile string) (*settings, error) {
	s := &settings{
		DataDir:  defaultDataDir,
		LogLevel: "warn",
	}

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(expanded)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("parse %s: %w", expanded, err)
			}
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = vars
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	override(&s.BaseURL, lookup("GROUPKEYS_URL"))
	override(&s.AuthToken, lookup("GROUPKEYS_TOKEN"))
	override(&s.UserID, lookup("GROUPKEYS_USER"))
	override(&s.DeviceID, lookup("GROUPKEYS_DEVICE"))
	override(&s.DataDir, lookup("GROUPKEYS_DATA_DIR"))
	override(&s.LogLevel, lookup("GROUPKEYS_LOG_LEVEL"))

	dir, err := homedir.Expand(s.DataDir)
	if err != nil {
		return nil, err
	}
	s.DataDir = dir
	return s, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
