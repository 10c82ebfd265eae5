// Package health reports whether the console can serve: the upload directory
// is writable and the host has memory and disk to spare.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	StatusHealthy   = "healthy"
	StatusWarning   = "warning"
	StatusUnhealthy = "unhealthy"

	highUsagePercent = 90.0
)

type Report struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
	Issues    []string          `json:"issues,omitempty"`
}

type Checker struct {
	UploadDir string
	Version   string

	started time.Time
	now     func() time.Time
	memory  func(ctx context.Context) (float64, error)
	disk    func(ctx context.Context, path string) (float64, error)
}

func New(uploadDir, version string) *Checker {
	return &Checker{
		UploadDir: uploadDir,
		Version:   version,
		started:   time.Now(),
		now:       time.Now,
		memory:    memoryPercent,
		disk:      diskPercent,
	}
}

// Check gathers the report. Host metrics that cannot be read are reported as
// "unknown" and do not affect the status.
func (c *Checker) Check(ctx context.Context) Report {
	now := c.now()
	r := Report{
		Status:    StatusHealthy,
		Timestamp: now.UTC().Format(time.RFC3339),
		Version:   c.Version,
		Uptime:    now.Sub(c.started).Truncate(time.Second).String(),
		Checks:    map[string]string{},
	}

	uploadOK := writable(c.UploadDir)
	r.Checks["upload_folder"] = "ok"
	if !uploadOK {
		r.Checks["upload_folder"] = "error"
	}

	memPct, memErr := c.memory(ctx)
	r.Checks["memory_usage"] = percent(memPct, memErr)
	diskPct, diskErr := c.disk(ctx, c.diskPath())
	r.Checks["disk_usage"] = percent(diskPct, diskErr)

	switch {
	case !uploadOK:
		r.Status = StatusUnhealthy
		r.Issues = []string{"Upload folder not accessible"}
	case (memErr == nil && memPct > highUsagePercent) || (diskErr == nil && diskPct > highUsagePercent):
		r.Status = StatusWarning
		r.Issues = []string{"High resource usage"}
	}
	return r
}

func (c *Checker) diskPath() string {
	if abs, err := filepath.Abs(c.UploadDir); err == nil {
		if _, err := os.Stat(abs); err == nil {
			return abs
		}
	}
	return "/"
}

func percent(v float64, err error) string {
	if err != nil || v <= 0 {
		return "unknown"
	}
	return fmt.Sprintf("%.1f%%", v)
}

func writable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func memoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func diskPercent(ctx context.Context, path string) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}
