package inferbench

import (
	"os"
	"strconv"
	"strings"
)

// readRSS returns the current and peak resident set size in bytes. Both are
// zero where /proc/self/status is unavailable.
func readRSS() (current, peak int64) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			current = statusKB(line)
		case strings.HasPrefix(line, "VmHWM:"):
			peak = statusKB(line)
		}
	}
	return current, peak
}

// statusKB parses lines of the form "VmRSS:    12345 kB".
func statusKB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return kb * 1024
}
