package control

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Status is the body of GET /v1/status.
type Status struct {
	HostID            string  `json:"host_id"`
	Name              string  `json:"name"`
	PID               int     `json:"pid"`
	Handle            string  `json:"handle"`
	Attached          bool    `json:"attached"`
	Live              bool    `json:"live"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	HostAgeSeconds    float64 `json:"host_age_seconds"`
	ResidentBytes     uint64  `json:"resident_bytes"`
	SystemMemoryUsed  float64 `json:"system_memory_used_percent"`
	SystemMemoryAvail uint64  `json:"system_memory_available_bytes"`
}

// collectStatus reads the host side of the status. It runs on the loop.
func (s *Server) collectStatus(t Target) Status {
	status := Status{
		HostID: t.ID(),
		Name:   t.Name(),
		PID:    os.Getpid(),
	}
	handle, attached := t.RuntimeHandle()
	status.Handle = handle.String()
	status.Attached = attached
	if info, ok := t.HostInstance(); ok {
		status.Live = true
		status.HostAgeSeconds = time.Since(info.CreatedAt).Seconds()
	}
	status.UptimeSeconds = time.Since(s.startedAt).Seconds()
	return status
}

func addMemoryStats(status *Status) error {
	proc, err := process.NewProcess(int32(status.PID))
	if err != nil {
		return fmt.Errorf("failed to inspect process %d: %w", status.PID, err)
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return fmt.Errorf("failed to read process memory: %w", err)
	}
	status.ResidentBytes = info.RSS

	vmem, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("failed to read system memory: %w", err)
	}
	status.SystemMemoryUsed = vmem.UsedPercent
	status.SystemMemoryAvail = vmem.Available
	return nil
}
