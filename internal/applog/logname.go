package applog

import (
	"sort"
	"strconv"
	"strings"
)

const logSuffix = ".crdtlog"

// LogFileName returns the delta log file name for one (writer, sequence)
// pair: "<writerId>_<seq>.crdtlog".
func LogFileName(writer WriterID, seq uint64) string {
	return string(writer) + "_" + strconv.FormatUint(seq, 10) + logSuffix
}

// ParseLogFileName splits a delta log file name into its writer id and
// sequence number. Writer ids themselves contain underscores
// ("{profileId}_{instanceId}"), so the sequence is everything after the
// last underscore.
func ParseLogFileName(name string) (WriterID, uint64, bool) {
	stem, ok := strings.CutSuffix(name, logSuffix)
	if !ok {
		return "", 0, false
	}

	idx := strings.LastIndexByte(stem, '_')
	if idx <= 0 || idx == len(stem)-1 {
		return "", 0, false
	}

	seq, err := strconv.ParseUint(stem[idx+1:], 10, 64)
	if err != nil || seq == 0 {
		return "", 0, false
	}

	return WriterID(stem[:idx]), seq, true
}

// logRef names one on-disk delta log awaiting replay.
type logRef struct {
	writer WriterID
	seq    uint64
	name   string
}

// sortLogRefs orders refs ascending by (writer, sequence), the stable
// replay order every reader applies so two instances replaying the same
// directory converge on the same state.
func sortLogRefs(refs []logRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].writer != refs[j].writer {
			return refs[i].writer < refs[j].writer
		}

		return refs[i].seq < refs[j].seq
	})
}
