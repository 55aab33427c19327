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
	"github.com/nomasters/onepad"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Resynchronize a key with its partner",
}

// syncMessage writes a sync message for the key in args[0] to args[1].
func syncMessage(args []string, verb string, create func(e *onepad.Engine, id onepad.KeyID, out *output) (*onepad.Result, error)) error {
	id, err := onepad.ParseKeyID(args[0])
	if err != nil {
		return err
	}
	return withEngine(func(c Config, s *onepad.Session, e *onepad.Engine) error {
		out, err := createOutput(args[1])
		if err != nil {
			return err
		}
		defer out.discard()
		res, err := create(e, id, out)
		if err != nil {
			return explain(err)
		}
		if err := out.commit(); err != nil {
			return err
		}
		printResult(verb, res)
		log.Noticef("key %v: %v written to %v", id, verb, args[1])
		return nil
	})
}

var syncRequestCmd = &cobra.Command{
	Use:   "request KEY OUT",
	Short: "Write a sync request for an out of sync key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncMessage(args, "sync request", func(e *onepad.Engine, id onepad.KeyID, out *output) (*onepad.Result, error) {
			return e.CreateSyncRequest(id, out)
		})
	},
}

var syncAckCmd = &cobra.Command{
	Use:   "ack KEY OUT",
	Short: "Answer the partner's sync request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncMessage(args, "sync acknowledgement", func(e *onepad.Engine, id onepad.KeyID, out *output) (*onepad.Result, error) {
			return e.CreateSyncAck(id, out)
		})
	},
}

func init() {
	syncCmd.AddCommand(syncRequestCmd)
	syncCmd.AddCommand(syncAckCmd)
	rootCmd.AddCommand(syncCmd)
}
