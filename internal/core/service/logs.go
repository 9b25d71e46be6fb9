package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"go.uber.org/zap"
)

// nodePalette colours node prefixes so interleaved lines stay readable
var nodePalette = []lipgloss.Color{"12", "13", "14", "10", "11"}

// LogFollower streams the workload container logs of several nodes into one writer
type LogFollower struct {
	remote port.RemoteShell
	log    *zap.Logger
}

func NewLogFollower(remote port.RemoteShell, log *zap.Logger) *LogFollower {
	return &LogFollower{remote: remote, log: log}
}

// Follow tails container on every node until ctx is cancelled. A node whose stream
// fails is reported on out and the others keep going.
func (f *LogFollower) Follow(ctx context.Context, nodes []domain.Node, container string, tail int, out io.Writer) error {
	var mu sync.Mutex
	emit := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		io.WriteString(out, line+"\n")
	}

	// container names are limited to [a-zA-Z0-9_.-] by the engine
	cmd := "docker logs -f --tail " + strconv.Itoa(tail) + " " + container + " 2>&1"

	var wg sync.WaitGroup
	for i, node := range nodes {
		node := node
		prefix := lipgloss.NewStyle().Foreground(nodePalette[i%len(nodePalette)]).Render("[" + node.Name + "]")
		pr, pw := io.Pipe()

		wg.Add(2)
		go func() {
			defer wg.Done()
			err := f.remote.Stream(ctx, node.Address, cmd, pw)
			pw.CloseWithError(err)
		}()
		go func() {
			defer wg.Done()
			scanner := bufio.NewScanner(pr)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				emit(PrettifyLogLine(prefix, scanner.Text()))
			}
			if err := scanner.Err(); err != nil {
				f.log.Warn("Log stream ended", zap.String("node", node.Name), zap.Error(err))
				emit(prefix + " " + badStyle.Render("stream ended: "+err.Error()))
			}
			pr.Close()
		}()
	}
	wg.Wait()
	return nil
}

// reservedKeys are rendered in fixed positions, everything else as key=value
var reservedKeys = map[string]bool{"level": true, "msg": true, "ts": true, "time": true, "logger": true, "caller": true}

// PrettifyLogLine renders a zap JSON log line as "prefix LEVEL [logger] msg key=value...".
// Lines that are not JSON objects are passed through after the prefix.
func PrettifyLogLine(prefix, line string) string {
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil || entry == nil {
		return prefix + " " + line
	}

	level, _ := entry["level"].(string)
	msg, _ := entry["msg"].(string)
	name, _ := entry["logger"].(string)

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString(" ")
	sb.WriteString(levelStyle(level).Render(fmt.Sprintf("%-5s", strings.ToUpper(level))))
	if name != "" {
		sb.WriteString(" ")
		sb.WriteString(dimStyle.Render(name))
	}
	sb.WriteString(" ")
	sb.WriteString(msg)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if !reservedKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", dimStyle.Render(k), entry[k])
	}
	return sb.String()
}

func levelStyle(level string) lipgloss.Style {
	switch strings.ToLower(level) {
	case "error", "dpanic", "panic", "fatal":
		return badStyle
	case "warn":
		return warnStyle
	case "debug":
		return dimStyle
	}
	return okStyle
}
