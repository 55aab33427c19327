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
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/nomasters/onepad"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Create, share and inspect keys",
}

var (
	keyParams   onepad.KeyParams
	fingerprint string
	debugInfo   bool
)

// paramsFor returns the defaults for a pad of size bytes with every flag the
// user set applied on top.
func paramsFor(flags *pflag.FlagSet, size int64) onepad.KeyParams {
	p := onepad.DefaultKeyParams(size)
	if flags.Changed("block-size") {
		p.BlockSize = keyParams.BlockSize
		p.PadSize = size / int64(p.BlockSize) * int64(p.BlockSize)
	}
	if flags.Changed("window") {
		p.WindowSize = keyParams.WindowSize
	}
	if flags.Changed("warn") {
		p.WarnSize = keyParams.WarnSize
	}
	if flags.Changed("verify-bytes") {
		p.VerifyBytes = keyParams.VerifyBytes
	}
	if flags.Changed("padding-median") {
		p.PaddingMedian = keyParams.PaddingMedian
	}
	if flags.Changed("padding-spread") {
		p.PaddingSpread = keyParams.PaddingSpread
	}
	if flags.Changed("auth") {
		p.AuthMethod = keyParams.AuthMethod
		if p.AuthMethod == onepad.AuthBlake2b && !flags.Changed("mac-length") {
			p.MacLength = 32
		}
	}
	if flags.Changed("mac-length") {
		p.MacLength = keyParams.MacLength
	}
	return p
}

// installPad records where the pad of ks lives. With pad encryption on, an
// encrypted copy of src is written to the pad directory; otherwise src is
// used in place.
func installPad(c Config, s *onepad.Session, ring string, ks *onepad.KeyState, src padView) error {
	if !c.EncryptPads {
		if src.FilePad.Size() != src.size {
			return fmt.Errorf("pad file %v must hold exactly %d bytes when pads are not encrypted", src.Name(), src.size)
		}
		abs, err := filepath.Abs(src.Name())
		if err != nil {
			return err
		}
		ks.PadPath = abs
		return nil
	}
	name := ks.ID.String() + ".pad"
	dst, err := onepad.CreateFilePad(filepath.Join(c.PadDir, name), ks.Params.PadSize)
	if err != nil {
		return err
	}
	defer dst.Close()
	key, err := s.PadKey(ring)
	if err != nil {
		return err
	}
	enc, err := onepad.NewEncryptedPad(dst, key, ks.ID)
	if err != nil {
		return err
	}
	if err := onepad.CopyPad(enc, src); err != nil {
		os.Remove(dst.Name())
		return err
	}
	ks.PadPath = name
	log.Infof("key %v: encrypted pad written to %v", ks.ID, dst.Name())
	return nil
}

func openPadSource(path string, size int64) (*onepad.FilePad, error) {
	src, err := onepad.OpenFilePad(path, false)
	if err != nil {
		return nil, err
	}
	if src.Size() < size {
		src.Close()
		return nil, fmt.Errorf("pad file %v has %d bytes, need %d", path, src.Size(), size)
	}
	return src, nil
}

// padView limits a pad file to the size used by the key.
type padView struct {
	*onepad.FilePad
	size int64
}

func (p padView) Size() int64 { return p.size }

var keyCreateCmd = &cobra.Command{
	Use:   "create ALIAS PADFILE",
	Short: "Create a key over a pad file",
	Long: `Create a key over PADFILE, which must hold random bytes shared with nobody
but the partner. The partner receives the key through: onepad key export.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := loadConfig()
		fi, err := os.Stat(args[1])
		if err != nil {
			return err
		}
		p := paramsFor(cmd.Flags(), fi.Size())
		src, err := openPadSource(args[1], p.PadSize)
		if err != nil {
			return err
		}
		defer src.Close()
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer s.Close()
		ks, err := onepad.NewKey(p, src, onepad.NewSystemRandom(), args[0])
		if err != nil {
			return err
		}
		if err := installPad(c, s, c.Ring, ks, padView{src, p.PadSize}); err != nil {
			return err
		}
		if err := s.AddKey(c.Ring, ks); err != nil {
			return err
		}
		fp, err := ks.Fingerprint()
		if err != nil {
			return err
		}
		color.Green("key %v created in ring %v", ks.ID, c.Ring)
		fmt.Printf("fingerprint: %v\nblocks: %d of %d bytes\n", fp, p.BlockCount(), p.BlockSize)
		return nil
	},
}

var keyExportCmd = &cobra.Command{
	Use:   "export KEY OUT",
	Short: "Write the partner's copy of a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := onepad.ParseKeyID(args[0])
		if err != nil {
			return err
		}
		c := loadConfig()
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer s.Close()
		ks, err := s.LoadKey(id)
		if err != nil {
			return err
		}
		pw, err := readSecret("exportpassphrase", "Passphrase for the export: ")
		if err != nil {
			return err
		}
		out, err := createOutput(args[1])
		if err != nil {
			return err
		}
		defer out.discard()
		if err := onepad.WriteKeyExport(out, ks, pw); err != nil {
			return err
		}
		if err := out.commit(); err != nil {
			return err
		}
		color.Green("key %v exported to %v", id, args[1])
		return nil
	},
}

var keyImportCmd = &cobra.Command{
	Use:   "import FILE PADFILE",
	Short: "Import a key exported by the partner",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := loadConfig()
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		sum, err := onepad.PeekKeyExport(f)
		f.Close()
		if err != nil {
			return err
		}
		fmt.Printf("key %v (%v), participant %d, fingerprint %v\n", sum.ID, sum.Alias, sum.Owner, sum.Fingerprint)
		pw, err := readSecret("exportpassphrase", "Passphrase for the export: ")
		if err != nil {
			return err
		}
		if f, err = os.Open(args[0]); err != nil {
			return err
		}
		ks, err := onepad.ReadKeyExport(f, pw)
		f.Close()
		if err != nil {
			return err
		}
		if fingerprint != "" {
			if err := ks.CheckFingerprint(fingerprint); err != nil {
				return err
			}
		}
		src, err := openPadSource(args[1], ks.Params.PadSize)
		if err != nil {
			return err
		}
		defer src.Close()
		view := padView{src, ks.Params.PadSize}
		if err := onepad.VerifyPad(ks, view); err != nil {
			return err
		}
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := installPad(c, s, c.Ring, ks, view); err != nil {
			return err
		}
		if err := s.AddKey(c.Ring, ks); err != nil {
			return err
		}
		color.Green("key %v imported into ring %v", ks.ID, c.Ring)
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the keys of the ring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := loadConfig()
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer s.Close()
		infos, err := s.ListKeys(c.Ring)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Printf("no keys in ring %v\n", c.Ring)
			return nil
		}
		for _, k := range infos {
			line := fmt.Sprintf("%v  %-16v  p%d  enc %8d  auth %8d  free %10d  %v",
				k.ID, k.Alias, k.Owner, k.EncRemaining, k.AuthRemaining, k.FreeBytes,
				k.LastUsed.Format(time.RFC3339))
			switch {
			case !k.InSync:
				color.Red("%v  OUT OF SYNC", line)
			case k.LowCapacity:
				color.Yellow("%v  LOW", line)
			default:
				color.Green("%v", line)
			}
		}
		return nil
	},
}

var keyInfoCmd = &cobra.Command{
	Use:   "info KEY",
	Short: "Show a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := onepad.ParseKeyID(args[0])
		if err != nil {
			return err
		}
		c := loadConfig()
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer s.Close()
		ks, err := s.LoadKey(id)
		if err != nil {
			return err
		}
		fp, err := ks.Fingerprint()
		if err != nil {
			return err
		}
		info := ks.Info()
		fmt.Printf("key:         %v (%v)\n", info.ID, info.Alias)
		fmt.Printf("ring:        %v\n", info.Ring)
		fmt.Printf("participant: %d\n", info.Owner)
		fmt.Printf("in sync:     %v\n", info.InSync)
		fmt.Printf("fingerprint: %v\n", fp)
		fmt.Printf("pad:         %v, %d bytes in %d blocks\n", ks.PadPath, ks.Params.PadSize, ks.Params.BlockCount())
		fmt.Printf("auth:        %v, %d byte tags\n", ks.Params.AuthMethod, ks.Params.MacLength)
		fmt.Printf("messages:    %d processed\n", ks.Ledger().Len())
		if debugInfo {
			cursors := make(map[string]string)
			for _, p := range []onepad.Participant{onepad.Participant0, onepad.Participant1} {
				for _, u := range []onepad.Purpose{onepad.Encryption, onepad.Authentication, onepad.EmergencyEncryption, onepad.EmergencyAuthentication} {
					cursors[onepad.SlotOf(p, u).String()] = fmt.Sprintf("%v, %d bytes left", ks.Cursor(p, u), ks.Remaining(p, u))
				}
			}
			spew.Config.ContinueOnMethod = true
			fmt.Print(spew.Sdump(info, ks.Params, cursors))
		}
		return nil
	},
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Delete a key from its ring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := onepad.ParseKeyID(args[0])
		if err != nil {
			return err
		}
		c := loadConfig()
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.DeleteKey(id); err != nil {
			if errors.Is(err, onepad.ErrKeyNotFound) {
				color.Yellow("no key %v", id)
			}
			return err
		}
		color.Green("key %v deleted", id)
		return nil
	},
}

func init() {
	f := keyCreateCmd.Flags()
	f.IntVar(&keyParams.BlockSize, "block-size", 0, "block size in bytes")
	f.Int64Var(&keyParams.WindowSize, "window", 0, "bytes kept assigned ahead of each normal cursor")
	f.Int64Var(&keyParams.WarnSize, "warn", 0, "warn when fewer unassigned bytes remain")
	f.IntVar(&keyParams.VerifyBytes, "verify-bytes", 0, "pad bytes set aside to verify the pad")
	f.IntVar(&keyParams.PaddingMedian, "padding-median", 0, "median padding length")
	f.IntVar(&keyParams.PaddingSpread, "padding-spread", 0, "padding spread, 100 times the log-normal sigma")
	f.StringVar(&keyParams.AuthMethod, "auth", "", "authenticator: poly1305 or blake2b")
	f.IntVar(&keyParams.MacLength, "mac-length", 0, "tag length for blake2b")

	keyImportCmd.Flags().StringVar(&fingerprint, "fingerprint", "", "expected fingerprint, as printed by the partner")
	keyInfoCmd.Flags().BoolVar(&debugInfo, "debug", false, "dump the raw key state")

	keyCmd.AddCommand(keyCreateCmd, keyExportCmd, keyImportCmd, keyListCmd, keyInfoCmd, keyDeleteCmd)
	rootCmd.AddCommand(keyCmd)
}
