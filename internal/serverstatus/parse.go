package serverstatus

import (
	"math"
	"strconv"
	"strings"
)

// ParseCPUPercent reads the idle figure from top's CPU line and returns
// 100 - idle. Both procps ("96.0 id") and busybox ("96.0% idle") layouts
// are understood.
func ParseCPUPercent(topOutput string) (float64, bool) {
	for _, line := range strings.Split(topOutput, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "cpu") {
			continue
		}
		idle, ok := metricValue(lower, " id")
		if !ok {
			idle, ok = metricValue(lower, "%id")
		}
		if !ok {
			idle, ok = metricValue(lower, " idle")
		}
		if !ok {
			idle, ok = metricValue(lower, "%idle")
		}
		if !ok {
			idle, ok = valueBeforeKeyword(lower, "idle", "%idle", "id", "%id")
		}
		if ok {
			return round2(clamp(100-idle, 0, 100)), true
		}
	}
	return 0, false
}

// ParseMemory reads top's memory line. procps reports total and used in
// MiB; busybox reports used and free with unit suffixes.
func ParseMemory(topOutput string) (Memory, bool) {
	for _, line := range strings.Split(topOutput, "\n") {
		lower := strings.ToLower(line)

		if strings.Contains(lower, "mem") && strings.Contains(lower, "total") {
			total, ok := metricValue(lower, " total")
			if !ok {
				return Memory{}, false
			}
			used, ok := metricValue(lower, " used")
			if !ok {
				return Memory{}, false
			}
			return newMemory(used, total), true
		}

		if strings.Contains(lower, "mem:") && strings.Contains(lower, " used") && strings.Contains(lower, " free") {
			used, ok := metricValueMB(lower, " used")
			if !ok {
				return Memory{}, false
			}
			free, ok := metricValueMB(lower, " free")
			if !ok {
				return Memory{}, false
			}
			return newMemory(used, used+free), true
		}
	}
	return Memory{}, false
}

// ParseNetDev parses /proc/net/dev. Header lines (the ones carrying '|'
// column separators) are skipped, as are rows with fewer than 16 counters.
func ParseNetDev(output string) []Interface {
	rows := []Interface{}
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.Contains(trimmed, "|") {
			continue
		}
		name, stats, found := strings.Cut(trimmed, ":")
		if !found {
			continue
		}
		cols := strings.Fields(stats)
		if len(cols) < 16 {
			continue
		}
		rx, err := strconv.ParseUint(cols[0], 10, 64)
		if err != nil {
			continue
		}
		tx, err := strconv.ParseUint(cols[8], 10, 64)
		if err != nil {
			continue
		}
		rows = append(rows, Interface{Name: strings.TrimSpace(name), RxBytes: rx, TxBytes: tx})
	}
	return rows
}

// ParseProcesses parses `ps -eo pid,pcpu,pmem,comm` output after its header.
func ParseProcesses(output string) []Process {
	rows := []Process{}
	lines := nonBlankLines(output)
	if len(lines) > 0 {
		lines = lines[1:]
	}
	for _, line := range lines {
		cols := strings.Fields(line)
		if len(cols) < 4 {
			continue
		}
		pid, err := strconv.Atoi(cols[0])
		if err != nil {
			continue
		}
		cpu, err := strconv.ParseFloat(cols[1], 64)
		if err != nil {
			continue
		}
		mem, err := strconv.ParseFloat(cols[2], 64)
		if err != nil {
			continue
		}
		rows = append(rows, Process{
			PID:           pid,
			CPUPercent:    round2(cpu),
			MemoryPercent: round2(mem),
			Command:       strings.Join(cols[3:], " "),
		})
	}
	return rows
}

// ParseDisks parses `df -hP` output.
func ParseDisks(output string) []Disk {
	rows := []Disk{}
	for _, line := range nonBlankLines(output) {
		cols := strings.Fields(line)
		if len(cols) < 6 || strings.EqualFold(cols[0], "filesystem") {
			continue
		}
		rows = append(rows, Disk{
			Filesystem:  cols[0],
			Total:       cols[1],
			Used:        cols[2],
			UsedPercent: cols[4],
			MountPoint:  strings.Join(cols[5:], " "),
		})
	}
	return rows
}

// SelectInterface returns preferred when it is present in all, otherwise
// the first interface, otherwise "".
func SelectInterface(all []Interface, preferred string) string {
	if preferred != "" {
		for _, iface := range all {
			if iface.Name == preferred {
				return preferred
			}
		}
	}
	if len(all) == 0 {
		return ""
	}
	return all[0].Name
}

func nonBlankLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// metricValue finds the comma-separated segment ending in suffix and
// parses the last number before it.
func metricValue(line, suffix string) (float64, bool) {
	for _, segment := range strings.Split(line, ",") {
		piece := strings.TrimSpace(segment)
		if !strings.HasSuffix(piece, suffix) {
			continue
		}
		fields := strings.Fields(strings.TrimSuffix(piece, suffix))
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseFloat(fields[len(fields)-1], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func metricValueMB(line, suffix string) (float64, bool) {
	for _, segment := range strings.Split(line, ",") {
		piece := strings.TrimSpace(segment)
		if !strings.HasSuffix(piece, suffix) {
			continue
		}
		fields := strings.Fields(strings.TrimSuffix(piece, suffix))
		if len(fields) == 0 {
			return 0, false
		}
		if v, ok := toMB(fields[len(fields)-1]); ok {
			return v, true
		}
	}
	return 0, false
}

func valueBeforeKeyword(line string, keywords ...string) (float64, bool) {
	tokens := strings.Fields(line)
	for i := 1; i < len(tokens); i++ {
		tok := strings.Trim(tokens[i], ",:")
		match := false
		for _, k := range keywords {
			if tok == k {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		prev := strings.TrimSuffix(strings.Trim(tokens[i-1], ",:"), "%")
		if v, err := strconv.ParseFloat(prev, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// toMB converts a size token such as "913392K" or "1.5g" to MiB.
func toMB(token string) (float64, bool) {
	lower := strings.ToLower(strings.TrimSpace(token))
	split := len(lower)
	for i, r := range lower {
		if (r < '0' || r > '9') && r != '.' {
			split = i
			break
		}
	}
	n, err := strconv.ParseFloat(lower[:split], 64)
	if err != nil {
		return 0, false
	}
	switch strings.TrimSpace(lower[split:]) {
	case "", "m", "mb", "mi", "mib":
		return n, true
	case "k", "kb", "ki", "kib":
		return n / 1024, true
	case "g", "gb", "gi", "gib":
		return n * 1024, true
	case "t", "tb", "ti", "tib":
		return n * 1024 * 1024, true
	}
	return 0, false
}

func newMemory(used, total float64) Memory {
	pct := 0.0
	if total > 0 {
		pct = math.Min(used/total*100, 100)
	}
	return Memory{UsedMB: round2(used), TotalMB: round2(total), UsedPercent: round2(pct)}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
