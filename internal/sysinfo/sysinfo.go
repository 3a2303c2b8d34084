// Package sysinfo reports battery, storage, memory and CPU figures of the
// host.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/distatus/battery"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

var ErrUnavailable = errors.New("sysinfo: unavailable")

const gib = 1 << 30

type Battery struct {
	Percent int
	Plugged bool
}

type Disk struct {
	Path        string
	Total       uint64
	Free        uint64
	UsedPercent float64
}

type Memory struct {
	Total       uint64
	Available   uint64
	UsedPercent float64
}

type CPU struct {
	Percent float64
	Cores   int
}

// Source is what the reporter reads from.
type Source interface {
	Battery(ctx context.Context) (Battery, error)
	Disk(ctx context.Context) (Disk, error)
	Memory(ctx context.Context) (Memory, error)
	CPU(ctx context.Context) (CPU, error)
}

// Probe reads the local host through gopsutil, and battery state through
// distatus/battery since gopsutil has no battery API.
type Probe struct {
	DiskPath    string
	CPUInterval time.Duration
	// Batteries defaults to battery.GetAll.
	Batteries func() ([]*battery.Battery, error)
}

func NewProbe() *Probe {
	path := "/"
	if runtime.GOOS == "windows" {
		path = `C:\`
	}
	return &Probe{
		DiskPath:    path,
		CPUInterval: time.Second,
		Batteries:   battery.GetAll,
	}
}

func (p *Probe) Disk(ctx context.Context) (Disk, error) {
	u, err := disk.UsageWithContext(ctx, p.DiskPath)
	if err != nil {
		return Disk{}, fmt.Errorf("%w: disk usage: %v", ErrUnavailable, err)
	}
	return Disk{Path: u.Path, Total: u.Total, Free: u.Free, UsedPercent: u.UsedPercent}, nil
}

func (p *Probe) Memory(ctx context.Context) (Memory, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Memory{}, fmt.Errorf("%w: virtual memory: %v", ErrUnavailable, err)
	}
	return Memory{Total: v.Total, Available: v.Available, UsedPercent: v.UsedPercent}, nil
}

func (p *Probe) CPU(ctx context.Context) (CPU, error) {
	pct, err := cpu.PercentWithContext(ctx, p.CPUInterval, false)
	if err != nil || len(pct) == 0 {
		return CPU{}, fmt.Errorf("%w: cpu percent: %v", ErrUnavailable, err)
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return CPU{}, fmt.Errorf("%w: cpu count: %v", ErrUnavailable, err)
	}
	return CPU{Percent: pct[0], Cores: cores}, nil
}

func (p *Probe) Battery(_ context.Context) (Battery, error) {
	get := p.Batteries
	if get == nil {
		get = battery.GetAll
	}
	return summarize(get())
}

// summarize folds every readable battery into one charge figure. The host
// counts as plugged in when any battery is charging or full.
func summarize(bats []*battery.Battery, err error) (Battery, error) {
	var fatal battery.ErrFatal
	if errors.As(err, &fatal) {
		return Battery{}, fmt.Errorf("%w: %v", ErrUnavailable, fatal.Err)
	}
	var partial battery.Errors
	errors.As(err, &partial)

	var current, full float64
	plugged := false
	for i, b := range bats {
		if b == nil || !usable(partial, i) || b.Full <= 0 {
			continue
		}
		current += b.Current
		full += b.Full
		if b.State.Raw == battery.Charging || b.State.Raw == battery.Full {
			plugged = true
		}
	}
	if full == 0 {
		return Battery{}, ErrUnavailable
	}
	pct := int(math.Round(current / full * 100))
	return Battery{Percent: min(max(pct, 0), 100), Plugged: plugged}, nil
}

// usable reports whether the i-th battery has the fields summarize reads.
func usable(errs battery.Errors, i int) bool {
	if i >= len(errs) || errs[i] == nil {
		return true
	}
	var p battery.ErrPartial
	if !errors.As(errs[i], &p) {
		return false
	}
	return p.Current == nil && p.Full == nil && p.State == nil
}

// Describe answers a spoken system query. The first topic named in query
// wins: battery, then storage, then memory, then CPU.
func Describe(ctx context.Context, src Source, query string) string {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "battery"):
		b, err := src.Battery(ctx)
		if err != nil {
			return "Battery information is unavailable. This might be a desktop computer."
		}
		state := "not plugged in"
		if b.Plugged {
			state = "plugged in"
		}
		return fmt.Sprintf("Battery level is %d percent and %s.", b.Percent, state)

	case strings.Contains(q, "storage"), strings.Contains(q, "disk"):
		d, err := src.Disk(ctx)
		if err != nil {
			return "I couldn't access storage information."
		}
		return fmt.Sprintf("You have %.1f GB free out of %.1f GB total. Storage is %.1f%% full.",
			float64(d.Free)/gib, float64(d.Total)/gib, d.UsedPercent)

	case strings.Contains(q, "memory"), containsWord(q, "ram"):
		m, err := src.Memory(ctx)
		if err != nil {
			return "I couldn't access memory information."
		}
		return fmt.Sprintf("Memory usage is %.1f%%. You have %.1f GB available out of %.1f GB total.",
			m.UsedPercent, float64(m.Available)/gib, float64(m.Total)/gib)

	case strings.Contains(q, "cpu"), strings.Contains(q, "processor"):
		c, err := src.CPU(ctx)
		if err != nil {
			return "I couldn't access CPU information."
		}
		return fmt.Sprintf("CPU usage is %.1f%% across %d cores.", c.Percent, c.Cores)
	}
	return "I can report battery, storage, memory, or CPU information. Which would you like?"
}

func containsWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if f == word {
			return true
		}
	}
	return false
}
