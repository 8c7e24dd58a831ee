/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package guestfake provides an in-memory remote.Executor standing in for a guest.
package guestfake

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/cvex/pkg/execcontext"
)

// Handler answers a command rendered as a single cmd.exe line.
type Handler func(cmd string) (string, error)

type rule struct {
	prefix string
	fn     Handler
}

// Fake records every command and keeps remote files in memory.
// Commands without a matching handler succeed with empty output.
type Fake struct {
	mu      sync.Mutex
	execCtx execcontext.Context
	rules   []rule

	files     map[string][]byte
	commands  []string
	uploads   []string
	downloads []string
}

func New() *Fake {
	return &Fake{
		execCtx: execcontext.NewWindows(nil),
		files:   make(map[string][]byte),
	}
}

// Handle registers fn for every command starting with prefix. The first registered
// matching handler wins.
func (f *Fake) Handle(prefix string, fn Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, fn: fn})
	return f
}

// Reply makes every command starting with prefix print out.
func (f *Fake) Reply(prefix, out string) *Fake {
	return f.Handle(prefix, func(string) (string, error) { return out, nil })
}

// Fail makes every command starting with prefix fail with err.
func (f *Fake) Fail(prefix string, err error) *Fake {
	return f.Handle(prefix, func(string) (string, error) { return "", err })
}

func (f *Fake) SetFile(path, content string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = []byte(content)
	return f
}

func (f *Fake) File(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path]
	return string(b), ok
}

func (f *Fake) Commands() []string { return f.snapshot(&f.commands) }

func (f *Fake) Uploads() []string { return f.snapshot(&f.uploads) }

func (f *Fake) Downloads() []string { return f.snapshot(&f.downloads) }

// Run implements remote.Executor.
func (f *Fake) Run(_ context.Context, cmd ...string) (string, error) {
	line := execcontext.FormatCmd(f.execCtx, cmd...)

	f.mu.Lock()
	f.commands = append(f.commands, line)
	fn := f.match(line)
	f.mu.Unlock()

	if fn == nil {
		return "", nil
	}
	return fn(line)
}

// Upload implements remote.Executor.
func (f *Fake) Upload(_ context.Context, localPath, remotePath string) error {
	b, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, remotePath)
	f.files[remotePath] = b
	return nil
}

// Download implements remote.Executor.
func (f *Fake) Download(_ context.Context, remotePath, localPath string) error {
	f.mu.Lock()
	f.downloads = append(f.downloads, remotePath)
	b, ok := f.files[remotePath]
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
	}
	return os.WriteFile(localPath, b, 0o600)
}

func (f *Fake) match(line string) Handler {
	for _, r := range f.rules {
		if strings.HasPrefix(line, r.prefix) {
			return r.fn
		}
	}
	return nil
}

func (f *Fake) snapshot(s *[]string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(*s))
	copy(out, *s)
	return out
}
