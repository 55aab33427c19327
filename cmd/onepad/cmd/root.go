// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/nomasters/onepad"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/op/go-logging.v1"
	yaml "gopkg.in/yaml.v2"
)

const configName = "onepad"

var (
	cfgFile    string
	logBackend *onepad.LogBackend
	log        *logging.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "onepad",
	Short: "One-time pad messaging between two partners",
	Long: `onepad encrypts files with a one-time pad shared by two partners and keeps
both copies of the key state in step. To start:

	onepad init
	onepad key create ALIAS PADFILE
	onepad key export KEY OUT
`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c := loadConfig()
		b, err := onepad.NewLogBackend(c.LogFile, c.LogLevel, false)
		if err != nil {
			return err
		}
		logBackend = b
		log = b.GetLogger("onepad")
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logBackend != nil {
			logBackend.Close()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./onepad.yaml or ~/.onepad/onepad.yaml)")
	rootCmd.PersistentFlags().String("database", "", "key ring database file")
	rootCmd.PersistentFlags().String("ring", "", "key ring to use")
	rootCmd.PersistentFlags().String("loglevel", "", "log level: ERROR, WARNING, NOTICE, INFO or DEBUG")
	viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("database"))
	viper.BindPFlag("ring", rootCmd.PersistentFlags().Lookup("ring"))
	viper.BindPFlag("loglevel", rootCmd.PersistentFlags().Lookup("loglevel"))

	viper.SetDefault("database", "~/.onepad/onepad.boltdb")
	viper.SetDefault("ring", "default")
	viper.SetDefault("paddir", "~/.onepad/pads")
	viper.SetDefault("encryptpads", true)
	viper.SetDefault("loglevel", "WARNING")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".onepad"))
		}
		viper.SetConfigName(configName)
	}

	viper.SetEnvPrefix("onepad")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	viper.ReadInConfig()
}

// Config is used to save important settings. Passphrases are never saved.
type Config struct {
	Database    string `yaml:"database"`
	Ring        string `yaml:"ring"`
	PadDir      string `yaml:"paddir"`
	EncryptPads bool   `yaml:"encryptpads"`
	LogFile     string `yaml:"logfile,omitempty"`
	LogLevel    string `yaml:"loglevel"`
}

func loadConfig() Config {
	return Config{
		Database:    expand(viper.GetString("database")),
		Ring:        viper.GetString("ring"),
		PadDir:      expand(viper.GetString("paddir")),
		EncryptPads: viper.GetBool("encryptpads"),
		LogFile:     expand(viper.GetString("logfile")),
		LogLevel:    viper.GetString("loglevel"),
	}
}

// Save saves a config to path as a yaml file
func (c Config) Save(path string) error {
	d, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, d, 0600)
}

func expand(p string) string {
	if p == "" {
		return p
	}
	e, err := homedir.Expand(p)
	if err != nil {
		return p
	}
	return e
}

// readSecret returns the value of the viper key, or prompts for it.
func readSecret(key, prompt string) (string, error) {
	if v := viper.GetString(key); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	text, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func ringPassphrase(ring string) (string, error) {
	return readSecret("passphrase", fmt.Sprintf("Passphrase for ring %v: ", ring))
}

func openSession(c Config) (*onepad.Session, error) {
	return onepad.NewSession(onepad.SessionOptions{
		Storage:    onepad.StorageOptions{Engine: onepad.BoltEngine, FilePath: c.Database},
		Passphrase: ringPassphrase,
		Log:        logBackend.GetLogger("keystore"),
	})
}

func padProvider(c Config, s *onepad.Session) *onepad.FilePads {
	p := &onepad.FilePads{Dir: c.PadDir, Verified: onepad.NewVerifiedPads()}
	if c.EncryptPads {
		p.Key = s.PadKey
	}
	return p
}

func newEngine(c Config, s *onepad.Session) *onepad.Engine {
	return onepad.NewEngine(s, padProvider(c, s), onepad.EngineOptions{
		UI:  onepad.NewLogUI(logBackend.GetLogger("ui")),
		Log: logBackend.GetLogger("engine"),
	})
}

// withEngine opens the session and runs f with an engine over it.
func withEngine(f func(c Config, s *onepad.Session, e *onepad.Engine) error) error {
	c := loadConfig()
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()
	return f(c, s, newEngine(c, s))
}
