package service

import (
	"math"

	"github.com/instill-ai/extraction-backend/pkg/constant"
	"github.com/instill-ai/extraction-backend/pkg/router"
)

// Rough processing costs observed for a single task.
const (
	textBaseSeconds   = 10
	binaryBaseSeconds = 30
	secondsPerMB      = 2
	indexingSeconds   = 5
)

// EstimateSeconds guesses how long a task of the given media type and size
// takes to complete when queued tasks are ahead of it and workers
// extraction workers share the queue. Unknown sizes count as empty files.
func EstimateSeconds(mimeType string, size, queued int64, workers int) int {
	if workers < 1 {
		workers = 1
	}

	base := float64(binaryBaseSeconds)
	if router.IsTextMedia(mimeType) {
		base = textBaseSeconds
	}
	own := base + secondsPerMB*float64(max(size, 0))/constant.MB + indexingSeconds

	// Queued tasks are assumed to cost a text extraction each.
	wait := math.Ceil(float64(max(queued, 0))/float64(workers)) * textBaseSeconds

	return int(math.Ceil(own + wait))
}
