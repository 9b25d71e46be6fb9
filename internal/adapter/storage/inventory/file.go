// Package inventory persists the fleet inventory as a greppable name=address file.
//
// The file is the contract between provision and the deploy/monitor commands (and any
// shell script that sources it):
//
//	# fleet inventory
//	MASTER_IP=192.168.122.1
//	#@ worker1 role=worker cpus=2 memory=4GiB disk=20GiB state=running
//	worker1=192.168.122.11
//
// "#@" lines carry node metadata and are comments for a shell. A name=address line
// without metadata is read as a worker, running when it has an address.
package inventory

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	units "github.com/docker/go-units"
	"go.uber.org/zap"
)

const (
	header      = "# fleet inventory"
	masterKey   = "MASTER_IP"
	metaPrefix  = "#@"
	fileMode    = 0o644
	tempPattern = ".inventory-*"
)

type fileStore struct {
	path string
	log  *zap.Logger
}

// NewFileStore creates an inventory repository backed by the file at path
func NewFileStore(path string, log *zap.Logger) port.InventoryRepository {
	return &fileStore{path: path, log: log}
}

func (s *fileStore) Load(ctx context.Context) (*domain.Inventory, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrInventoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}
	defer f.Close()

	inv, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	s.log.Debug("Inventory loaded", zap.String("path", s.path), zap.Int("nodes", inv.Len()))
	return inv, nil
}

// Save writes a temp file next to the target, syncs it and renames it over the target
// so a crash mid-write leaves either the old or the new inventory.
func (s *fileStore) Save(ctx context.Context, inv *domain.Inventory) error {
	var buf bytes.Buffer
	if err := Encode(&buf, inv); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp inventory: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp inventory: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp inventory: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp inventory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp inventory: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace inventory: %w", err)
	}

	s.log.Debug("Inventory saved", zap.String("path", s.path), zap.Int("nodes", inv.Len()))
	return nil
}

// Encode writes inv in canonical form
func Encode(w io.Writer, inv *domain.Inventory) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, header)
	if inv.MasterIP != "" {
		fmt.Fprintf(bw, "%s=%s\n", masterKey, inv.MasterIP)
	}
	for _, n := range inv.All() {
		fmt.Fprintf(bw, "%s %s role=%s cpus=%d memory=%s disk=%s state=%s\n",
			metaPrefix, n.Name, n.Role, n.Resources.CPUs,
			formatSize(n.Resources.Memory), formatSize(n.Resources.Disk), n.State)
		fmt.Fprintf(bw, "%s=%s\n", n.Name, n.Address)
	}
	return bw.Flush()
}

// Decode parses the inventory format. Blank lines and plain comments are skipped.
func Decode(r io.Reader) (*domain.Inventory, error) {
	inv := domain.NewInventory()
	pending := map[string]domain.Node{}

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, metaPrefix):
			node, err := parseMeta(strings.TrimSpace(strings.TrimPrefix(line, metaPrefix)))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			pending[node.Name] = node
			continue
		case strings.HasPrefix(line, "#"):
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected name=address, got %q", lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == masterKey {
			inv.MasterIP = value
			continue
		}

		node, ok := pending[key]
		if !ok {
			node = domain.NewWorker(key, domain.Resources{})
			if value != "" {
				node.State = domain.NodeStateRunning
			}
		}
		delete(pending, key)
		node.Address = value
		if err := inv.Upsert(node); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		names := make([]string, 0, len(pending))
		for name := range pending {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("metadata without a name= line for %s", strings.Join(names, ", "))
	}
	return inv, nil
}

func parseMeta(s string) (domain.Node, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return domain.Node{}, fmt.Errorf("empty metadata line")
	}
	node := domain.NewWorker(fields[0], domain.Resources{})
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return domain.Node{}, fmt.Errorf("malformed metadata field %q", f)
		}
		var err error
		switch k {
		case "role":
			node.Role = v
		case "cpus":
			node.Resources.CPUs, err = strconv.Atoi(v)
		case "memory":
			node.Resources.Memory, err = parseSize(v)
		case "disk":
			node.Resources.Disk, err = parseSize(v)
		case "state":
			node.State, err = domain.ParseNodeState(v)
		default:
			// unknown keys are tolerated so newer files stay readable
		}
		if err != nil {
			return domain.Node{}, fmt.Errorf("metadata %s of %s: %w", k, node.Name, err)
		}
	}
	return node, nil
}

func formatSize(b int64) string {
	if b == 0 {
		return "0"
	}
	return units.BytesSize(float64(b))
}

func parseSize(s string) (int64, error) {
	if s == "0" {
		return 0, nil
	}
	return units.RAMInBytes(s)
}
