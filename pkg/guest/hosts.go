package guest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/cvex/pkg/remote"
	"github.com/go-logr/logr"
)

// DefaultHostsPath is the location of the hosts table on Windows.
const DefaultHostsPath = `C:\Windows\System32\drivers\etc\hosts`

// HostsSynchronizer makes every VM of a group resolvable by name from a guest.
type HostsSynchronizer struct {
	path string
}

// NewHostsSynchronizer returns a synchronizer editing the hosts table at path, or at
// DefaultHostsPath when path is empty.
func NewHostsSynchronizer(path string) *HostsSynchronizer {
	if path == "" {
		path = DefaultHostsPath
	}
	return &HostsSynchronizer{path: path}
}

// Sync appends an entry to the hosts table of vm for each peer it does not list yet
// and returns the appended entries. Existing lines are never reordered or removed.
// Nothing is uploaded when no entry is missing.
func (s *HostsSynchronizer) Sync(ctx context.Context, vm VM, peers []VM) ([]string, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("vm", vm.Name, "path", s.path)

	tmpDir, err := os.MkdirTemp("", "cvex-hosts-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	local := filepath.Join(tmpDir, "hosts")
	if err := remote.Download(ctx, vm.Exec, s.path, local); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(local)
	if err != nil {
		return nil, err
	}

	missing := MissingEntries(string(content), vm.Name, peers)
	if len(missing) == 0 {
		log.V(1).Info("hosts table already up to date")
		return nil, nil
	}

	f, err := os.OpenFile(local, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_, werr := f.WriteString("\r\n" + strings.Join(missing, ""))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, fmt.Errorf("writing hosts table: %w", werr)
	}

	if err := remote.Upload(ctx, vm.Exec, local, s.path); err != nil {
		return nil, err
	}

	log.Info("hosts table updated", "appended", len(missing))
	return missing, nil
}

// MissingEntries returns the "<ip> <name>\r\n" lines of peers absent from content,
// in peer order. The peer named self is skipped, and so is any entry already
// contained in content.
func MissingEntries(content, self string, peers []VM) []string {
	var out []string
	seen := make(map[string]struct{}, len(peers))

	for _, peer := range peers {
		if peer.Name == self {
			continue
		}

		entry := HostsEntry(peer)
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}

		if strings.Contains(content, entry) {
			continue
		}
		out = append(out, entry)
	}

	return out
}

// HostsEntry returns the hosts table line resolving vm by name.
func HostsEntry(vm VM) string {
	return fmt.Sprintf("%s %s\r\n", vm.IP, vm.Name)
}
