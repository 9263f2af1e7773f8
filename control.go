// This package implements the textual control channel: the status, stats,
// and maintenance verbs an operator can send to a running target.

package dmremap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"sync/atomic"

	"github.com/dustin/go-humanize"
)

var (
	// ErrUnknownCommand indicates a verb the control channel does not know.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrBadCommandArgs indicates a known verb with malformed arguments.
	ErrBadCommandArgs = errors.New("bad command arguments")
)

type controlHandler func(tgt *Target, args []string) (response string, err error)

// controlHandlers maps each verb the channel supports to its handler.
var controlHandlers = map[string]controlHandler{
	"status":      handleStatus,
	"stats":       handleStats,
	"clear_stats": handleClearStats,
	"health":      handleHealth,
	"cache_stats": handleCacheStats,
	"remap":       handleRemap,
	"metadata":    handleMetadata,
}

// Message executes one control command and returns its textual response.
// Unknown verbs and bad arguments return errors; a command never panics the
// target.
func (tgt *Target) Message(command string) (response string, err error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrBadCommandArgs)
	}

	handler, found := controlHandlers[fields[0]]
	if found == false {
		return "", fmt.Errorf("%w: [%s]", ErrUnknownCommand, fields[0])
	}

	return handler(tgt, fields[1:])
}

func handleStatus(tgt *Target, args []string) (response string, err error) {
	stats := tgt.stats.Snapshot()

	response = fmt.Sprintf("state=%s mappings=%d ios=%s errors=%s health=%d",
		tgt.State(),
		tgt.table.ActiveLen(),
		humanize.Comma(int64(stats.Reads+stats.Writes)),
		humanize.Comma(int64(stats.IoErrors)),
		atomic.LoadUint32(&tgt.health.healthScore))

	return response, nil
}

func handleStats(tgt *Target, args []string) (response string, err error) {
	stats := tgt.stats.Snapshot()

	response = fmt.Sprintf("normal=%s remapped=%s errors=%s remapped_sectors=%d avg_latency_ns=%d max_latency_ns=%d",
		humanize.Comma(int64(stats.NormalIos)),
		humanize.Comma(int64(stats.RemappedIos)),
		humanize.Comma(int64(stats.IoErrors)),
		tgt.table.Len(),
		stats.AvgLatencyNs(),
		stats.LatencyMaxNs)

	return response, nil
}

func handleClearStats(tgt *Target, args []string) (response string, err error) {
	tgt.stats.Reset()
	tgt.cache.ResetStats()

	return "ok", nil
}

func handleHealth(tgt *Target, args []string) (response string, err error) {
	stats := tgt.stats.Snapshot()

	response = fmt.Sprintf("score=%d scans=%d hotspots=%d consecutive_errors=%d",
		atomic.LoadUint32(&tgt.health.healthScore),
		atomic.LoadUint32(&tgt.health.scanCount),
		atomic.LoadUint32(&tgt.health.hotspotCount),
		stats.ConsecutiveErrors)

	return response, nil
}

func handleCacheStats(tgt *Target, args []string) (response string, err error) {
	cacheStats := tgt.cache.Stats()

	response = fmt.Sprintf("hits=%s misses=%s hit_rate=%.4f size=%d",
		humanize.Comma(int64(cacheStats.Hits)),
		humanize.Comma(int64(cacheStats.Misses)),
		cacheStats.HitRate(),
		cacheStats.Size)

	return response, nil
}

func handleRemap(tgt *Target, args []string) (response string, err error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: remap takes one sector argument", ErrBadCommandArgs)
	}

	sector, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: [%s] is not a sector", ErrBadCommandArgs, args[0])
	}

	if sector >= tgt.SizeSectors() {
		return "", fmt.Errorf("%w: sector (%d) >= device size (%d)", ErrIoOutOfRange, sector, tgt.SizeSectors())
	}

	err = tgt.pipeline.requestManual(sector)
	if err != nil {
		return "", err
	}

	spare, found := tgt.table.Lookup(sector)
	if found == false {
		return "", fmt.Errorf("remap of sector (%d) did not activate", sector)
	}

	return fmt.Sprintf("sector %d remapped to spare %d", sector, spare), nil
}

func handleMetadata(tgt *Target, args []string) (response string, err error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: metadata takes one subcommand", ErrBadCommandArgs)
	}

	switch args[0] {
	case "save":
		err = tgt.writer.requestWrite(tgt.buildRecord(), WriteWaitAll)
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("saved sequence %d", atomic.LoadUint64(&tgt.sequence)), nil

	case "status":
		response = fmt.Sprintf("sequence=%d loaded=%v writes=%d copies_acked=%d repairs=%d",
			atomic.LoadUint64(&tgt.sequence),
			tgt.MetadataLoaded(),
			atomic.LoadUint64(&tgt.store.writesStarted),
			atomic.LoadUint64(&tgt.store.copiesAcked),
			tgt.store.RepairsScheduled())

		return response, nil
	}

	return "", fmt.Errorf("%w: metadata [%s]", ErrBadCommandArgs, args[0])
}
