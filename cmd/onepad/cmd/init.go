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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var saveConfig string

// initCmd creates the database, the pad directory and a ring
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the key ring database and a ring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := loadConfig()
		for _, dir := range []string{filepath.Dir(c.Database), c.PadDir} {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
		pw, err := readSecret("passphrase", fmt.Sprintf("New passphrase for ring %v: ", c.Ring))
		if err != nil {
			return err
		}
		if pw == "" {
			return errors.New("empty passphrase")
		}
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.CreateRing(c.Ring, pw); err != nil {
			return err
		}
		if saveConfig != "" {
			if err := c.Save(saveConfig); err != nil {
				return err
			}
		}
		color.Green("ring %v created in %v", c.Ring, c.Database)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&saveConfig, "save", "", "write the effective configuration to this yaml file")
	rootCmd.AddCommand(initCmd)
}
