package timing

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ScheduleEntry is one row of a fixed-schedule trace: the inter-arrival
// delay since the previous entry, plus the per-entry conversation/
// cancellation fields a fixed-schedule credit must carry (spec.md §4.6c,
// §6).
type ScheduleEntry struct {
	Delay         time.Duration
	SessionID     string
	ShouldCancel  bool
	CancelAfterNs int64
}

// scheduleLine is the JSON-object trace format: timestamp is an absolute
// offset in milliseconds from the start of the trace; delay, if given
// directly instead, is an explicit inter-arrival gap in milliseconds.
type scheduleLine struct {
	Timestamp     *float64 `json:"timestamp"`
	Delay         *float64 `json:"delay"`
	SessionID     string   `json:"session_id"`
	ShouldCancel  bool     `json:"should_cancel"`
	CancelAfterNs int64    `json:"cancel_after_ns"`
}

// LoadScheduleFile reads the fixed-schedule trace file fixed_schedule mode
// replays. Each line is either a bare number (legacy format: an explicit
// inter-arrival delay in milliseconds) or a JSON object carrying timestamp/
// delay/session_id/should_cancel/cancel_after_ns (spec.md §6). Lines with a
// timestamp are sorted ascending and converted to inter-arrival deltas;
// lines with only delay are replayed in file order.
func LoadScheduleFile(path string) ([]ScheduleEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schedule file: %w", err)
	}
	defer f.Close()

	var timestamped []scheduleLine
	var entries []ScheduleEntry
	haveTimestamps := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if ms, err := strconv.ParseFloat(line, 64); err == nil {
			entries = append(entries, ScheduleEntry{Delay: msToDuration(ms)})
			continue
		}

		var sl scheduleLine
		if err := json.Unmarshal([]byte(line), &sl); err != nil {
			return nil, fmt.Errorf("parse schedule line %q: %w", line, err)
		}
		if sl.Timestamp != nil {
			haveTimestamps = true
		}
		timestamped = append(timestamped, sl)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}

	if len(timestamped) == 0 {
		return entries, nil
	}

	if haveTimestamps {
		sort.SliceStable(timestamped, func(i, j int) bool {
			return timestampOf(timestamped[i]) < timestampOf(timestamped[j])
		})
		var prevMs float64
		for _, sl := range timestamped {
			ts := timestampOf(sl)
			delayMs := ts - prevMs
			prevMs = ts
			entries = append(entries, scheduleEntryFrom(sl, delayMs))
		}
		return entries, nil
	}

	for _, sl := range timestamped {
		delayMs := 0.0
		if sl.Delay != nil {
			delayMs = *sl.Delay
		}
		entries = append(entries, scheduleEntryFrom(sl, delayMs))
	}
	return entries, nil
}

func timestampOf(sl scheduleLine) float64 {
	if sl.Timestamp != nil {
		return *sl.Timestamp
	}
	return 0
}

func scheduleEntryFrom(sl scheduleLine, delayMs float64) ScheduleEntry {
	return ScheduleEntry{
		Delay:         msToDuration(delayMs),
		SessionID:     sl.SessionID,
		ShouldCancel:  sl.ShouldCancel,
		CancelAfterNs: sl.CancelAfterNs,
	}
}

func msToDuration(ms float64) time.Duration {
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}
