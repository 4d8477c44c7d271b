package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"velvet/internal/modules"
)

// Module предоставляет базовые метрики узла в виде JSON.
//
//	status   hostname, platform, uptime, memory, load
//	memory   memory only
//	load     load averages only
type Module struct{}

func (m *Module) Execute(ctx context.Context, command string) (string, error) {
	var (
		data map[string]interface{}
		err  error
	)
	switch strings.TrimSpace(command) {
	case "status":
		data, err = m.status(ctx)
	case "memory":
		data, err = m.memory(ctx)
	case "load":
		data, err = m.load(ctx)
	default:
		return "", modules.Unsupported(command)
	}
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", command, err)
	}
	return string(out), nil
}

func (m *Module) status(ctx context.Context) (map[string]interface{}, error) {
	hInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	resp := map[string]interface{}{
		"hostname":    hInfo.Hostname,
		"platform":    hInfo.Platform,
		"platformVer": hInfo.PlatformVersion,
		"kernel":      hInfo.KernelVersion,
		"uptime_sec":  hInfo.Uptime,
		"boot_time":   time.Unix(int64(hInfo.BootTime), 0).UTC().Format(time.RFC3339),
	}
	memData, err := m.memory(ctx)
	if err != nil {
		return nil, err
	}
	loadData, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range memData {
		resp[k] = v
	}
	for k, v := range loadData {
		resp[k] = v
	}
	return resp, nil
}

func (m *Module) memory(ctx context.Context) (map[string]interface{}, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory info: %w", err)
	}
	return map[string]interface{}{
		"mem_total":    vm.Total,
		"mem_used":     vm.Used,
		"mem_used_pct": vm.UsedPercent,
	}, nil
}

func (m *Module) load(ctx context.Context) (map[string]interface{}, error) {
	ld, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load info: %w", err)
	}
	return map[string]interface{}{
		"load1":  ld.Load1,
		"load5":  ld.Load5,
		"load15": ld.Load15,
	}, nil
}
