// Package testutil provides shared helpers and fake collaborators for tests.
package testutil

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridci/internal/cachestore"
	"github.com/vk/gridci/internal/pipeline"
	"github.com/vk/gridci/internal/provision"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Expr parses an HCL expression from source, failing the test on error.
func Expr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.InitialPos)
	require.False(t, diags.HasErrors(), "parsing expression %q: %s", src, diags.Error())
	return expr
}

// StaticResolver is a cachekey.Resolver returning a fixed content identifier.
type StaticResolver struct {
	Content string
	Err     error

	mu    sync.Mutex
	calls int
}

func (r *StaticResolver) Head(ctx context.Context, corpusURL string) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.Err != nil {
		return "", r.Err
	}
	return r.Content, nil
}

// Calls reports how many times Head was invoked.
func (r *StaticResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// FakeStore is an in-memory cachestore.Store. It tracks which keys exist and
// how often each was stored, without touching the filesystem.
type FakeStore struct {
	mu       sync.Mutex
	existing map[string]bool
	stored   map[string]int
}

func NewFakeStore(keys ...string) *FakeStore {
	s := &FakeStore{existing: map[string]bool{}, stored: map[string]int{}}
	for _, k := range keys {
		s.existing[k] = true
	}
	return s
}

func (s *FakeStore) Restore(ctx context.Context, exact string, prefixes []string, dest string) cachestore.RestoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exact != "" && s.existing[exact] {
		return cachestore.RestoreResult{Hit: cachestore.ExactHit, Key: exact}
	}
	for _, prefix := range prefixes {
		for key := range s.existing {
			if strings.HasPrefix(key, prefix) {
				return cachestore.RestoreResult{Hit: cachestore.PrefixHit, Key: key}
			}
		}
	}
	return cachestore.RestoreResult{Hit: cachestore.Miss}
}

func (s *FakeStore) Save(ctx context.Context, key string, dir string) (cachestore.SaveOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existing[key] {
		return cachestore.Skipped, nil
	}
	s.existing[key] = true
	s.stored[key]++
	return cachestore.Stored, nil
}

// StoreCount reports how many times key was actually stored.
func (s *FakeStore) StoreCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored[key]
}

// FakeInstaller records provisioning calls and optionally fails.
type FakeInstaller struct {
	RuntimeErr error
	PackageErr error

	mu       sync.Mutex
	runtimes []string
	packages []string
}

func (i *FakeInstaller) InstallRuntime(ctx context.Context, version string, root string) error {
	i.mu.Lock()
	i.runtimes = append(i.runtimes, version)
	i.mu.Unlock()
	return i.RuntimeErr
}

func (i *FakeInstaller) InstallPackage(ctx context.Context, env *provision.Environment, name string, version string, policy provision.Policy) error {
	i.mu.Lock()
	i.packages = append(i.packages, name+"=="+version)
	i.mu.Unlock()
	return i.PackageErr
}

// Runtimes returns the runtime versions installed, in call order.
func (i *FakeInstaller) Runtimes() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.runtimes...)
}

// Packages returns "name==version" pins installed, in call order.
func (i *FakeInstaller) Packages() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.packages...)
}

// ScriptRunner is a pipeline.CommandRunner driven by a script: the first
// entry whose substring matches the command decides the exit code. Unmatched
// commands succeed. Executed commands are recorded in order.
type ScriptRunner struct {
	// Script maps a command substring to the exit code to return.
	Script map[string]int
	// Coverage maps a command substring to a coverage percentage to report.
	Coverage map[string]float64
	// OnRun, when set, is invoked for every executed command.
	OnRun func(command string)

	mu       sync.Mutex
	executed []string
}

func (r *ScriptRunner) Run(ctx context.Context, env *provision.Environment, command string, extra map[string]string) (int, *pipeline.Coverage, error) {
	r.mu.Lock()
	r.executed = append(r.executed, command)
	r.mu.Unlock()
	if r.OnRun != nil {
		r.OnRun(command)
	}
	var coverage *pipeline.Coverage
	for substr, percent := range r.Coverage {
		if strings.Contains(command, substr) {
			coverage = &pipeline.Coverage{Percent: percent}
			break
		}
	}
	for substr, code := range r.Script {
		if strings.Contains(command, substr) {
			return code, coverage, nil
		}
	}
	return 0, coverage, nil
}

// Executed returns the commands run so far, in order.
func (r *ScriptRunner) Executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...)
}
