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

	"github.com/fatih/color"
	"github.com/nomasters/onepad"
)

// fileSource is an input file of known size.
type fileSource struct {
	*os.File
	size int64
}

func (f *fileSource) Size() int64 { return f.size }

func openSource(path string) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%v is not a regular file", path)
	}
	return &fileSource{File: f, size: fi.Size()}, nil
}

// output is written to a temporary file next to its destination and renamed
// into place by commit. Anything not committed is removed.
type output struct {
	*bufio.Writer
	f    *os.File
	path string
	done bool
}

func createOutput(path string) (*output, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, err
	}
	return &output{Writer: bufio.NewWriter(f), f: f, path: path}, nil
}

func (o *output) commit() error {
	if err := o.Flush(); err != nil {
		return err
	}
	if err := o.f.Sync(); err != nil {
		return err
	}
	if err := o.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(o.f.Name(), o.path); err != nil {
		return err
	}
	o.done = true
	return nil
}

func (o *output) discard() {
	if o.done {
		return
	}
	o.f.Close()
	os.Remove(o.f.Name())
}

// run opens in, runs op into a temporary output and commits it on success.
func run(inPath, outPath string, op func(in *fileSource, out *output) (*onepad.Result, error)) (*onepad.Result, error) {
	in, err := openSource(inPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	out, err := createOutput(outPath)
	if err != nil {
		return nil, err
	}
	defer out.discard()
	res, err := op(in, out)
	if err != nil {
		return nil, err
	}
	return res, out.commit()
}

func printResult(verb string, res *onepad.Result) {
	line := fmt.Sprintf("%v: key %v, participant %d, %d body bytes", verb, res.KeyID, res.Sender, res.BodyLength)
	switch res.Status {
	case onepad.StatusOK:
		color.Green("%v", line)
	case onepad.StatusReplayed:
		color.Yellow("%v (already processed)", line)
	case onepad.StatusPartnerNeedsSync:
		color.Yellow("%v: partner requested a sync, run: onepad sync ack %v OUT", verb, res.KeyID)
	case onepad.StatusSynced:
		color.Green("%v: key %v is in sync again", verb, res.KeyID)
	}
}
