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

	"github.com/fatih/color"
	"github.com/nomasters/onepad"
	"github.com/spf13/cobra"
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt KEY IN OUT",
	Short: "Encrypt a file for the partner of KEY",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := onepad.ParseKeyID(args[0])
		if err != nil {
			return err
		}
		return withEngine(func(c Config, s *onepad.Session, e *onepad.Engine) error {
			res, err := run(args[1], args[2], func(in *fileSource, out *output) (*onepad.Result, error) {
				return e.Encrypt(id, in, out)
			})
			if err != nil {
				return explain(err)
			}
			printResult("encrypted", res)
			return nil
		})
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt IN OUT",
	Short: "Decrypt a message or process a sync message",
	Long: `Decrypt a message. Sync requests and acknowledgements are processed the same
way; they leave an empty OUT.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(c Config, s *onepad.Session, e *onepad.Engine) error {
			res, err := run(args[0], args[1], func(in *fileSource, out *output) (*onepad.Result, error) {
				return e.Decrypt(in, out)
			})
			if err != nil {
				return explain(err)
			}
			printResult("decrypted", res)
			return nil
		})
	},
}

var modifyCmd = &cobra.Command{
	Use:   "modify IN NEWPLAIN OUT",
	Short: "Rewrite the local pad so that message IN opens to NEWPLAIN",
	Long: `Rewrite the local pad under message IN so that the unchanged ciphertext,
copied to OUT, decrypts to the content of NEWPLAIN. Only the local pad changes.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		plain, err := openSource(args[1])
		if err != nil {
			return err
		}
		defer plain.Close()
		return withEngine(func(c Config, s *onepad.Session, e *onepad.Engine) error {
			res, err := run(args[0], args[2], func(in *fileSource, out *output) (*onepad.Result, error) {
				return e.Modify(in, plain, out)
			})
			if err != nil {
				return explain(err)
			}
			printResult("modified", res)
			return nil
		})
	},
}

// explain adds the next step to errors that need one.
func explain(err error) error {
	switch {
	case errors.Is(err, onepad.ErrDesyncDetected), errors.Is(err, onepad.ErrKeyOutOfSync):
		color.Yellow("the key is out of sync; send the output of: onepad sync request KEY OUT")
	case errors.Is(err, onepad.ErrReuseDetected):
		color.Red("the message would reuse pad bytes and was rejected")
	case errors.Is(err, onepad.ErrInsufficientCapacity):
		color.Yellow("the key is running out of pad; wait for a message from the partner or create a new key")
	}
	return err
}

func init() {
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(modifyCmd)
}
