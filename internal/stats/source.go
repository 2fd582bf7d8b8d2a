package stats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// sysfsNetPath is the base path for network interface statistics on Linux.
const sysfsNetPath = "/sys/class/net"

// InterfaceSource enumerates the currently active network interfaces
// together with their cumulative byte counters.
type InterfaceSource interface {
	Interfaces(ctx context.Context) ([]InterfaceRecord, error)
}

// InterfaceSourceFunc adapts a function to InterfaceSource.
type InterfaceSourceFunc func(ctx context.Context) ([]InterfaceRecord, error)

// Interfaces calls f(ctx).
func (f InterfaceSourceFunc) Interfaces(ctx context.Context) ([]InterfaceRecord, error) {
	return f(ctx)
}

// SystemSource reads per-interface counters through gopsutil.
type SystemSource struct{}

// Interfaces implements InterfaceSource.
func (SystemSource) Interfaces(ctx context.Context) ([]InterfaceRecord, error) {
	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("read interface counters: %w", err)
	}

	records := make([]InterfaceRecord, 0, len(counters))
	for _, c := range counters {
		records = append(records, InterfaceRecord{
			Name:          c.Name,
			BytesSent:     c.BytesSent,
			BytesReceived: c.BytesRecv,
		})
	}
	return records, nil
}

// SysfsSource reads rx_bytes and tx_bytes for every interface below a
// sysfs-style directory tree.
type SysfsSource struct {
	// Root is the network class directory. Empty means /sys/class/net.
	Root string
}

func (s SysfsSource) root() string {
	if s.Root == "" {
		return sysfsNetPath
	}
	return filepath.Clean(s.Root)
}

// Interfaces implements InterfaceSource. Interfaces whose statistics cannot
// be read are skipped.
func (s SysfsSource) Interfaces(ctx context.Context) ([]InterfaceRecord, error) {
	entries, err := os.ReadDir(s.root())
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	records := make([]InterfaceRecord, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rx, tx, err := s.readInterfaceStats(entry.Name())
		if err != nil {
			continue
		}
		records = append(records, InterfaceRecord{
			Name:          entry.Name(),
			BytesSent:     tx,
			BytesReceived: rx,
		})
	}
	return records, nil
}

// readInterfaceStats reads rx_bytes and tx_bytes for the given interface.
func (s SysfsSource) readInterfaceStats(ifaceName string) (rx, tx uint64, err error) {
	statsDir := filepath.Join(s.root(), ifaceName, "statistics")

	rx, err = s.readStatFile(filepath.Join(statsDir, "rx_bytes"))
	if err != nil {
		return 0, 0, err
	}
	tx, err = s.readStatFile(filepath.Join(statsDir, "tx_bytes"))
	if err != nil {
		return 0, 0, err
	}
	return rx, tx, nil
}

// readStatFile reads a single counter file. The path must stay inside the
// source root.
func (s SysfsSource) readStatFile(path string) (uint64, error) {
	cleanPath := filepath.Clean(path)
	if !strings.HasPrefix(cleanPath, s.root()+string(filepath.Separator)) {
		return 0, errors.New("invalid stats path: outside network class directory")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 -- path validated above
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// BootTime returns the time the OS counters started from.
func BootTime(ctx context.Context) (time.Time, error) {
	secs, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read boot time: %w", err)
	}
	return time.Unix(int64(secs), 0), nil
}
