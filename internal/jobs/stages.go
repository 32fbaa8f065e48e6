package jobs

// Window is a slice of the 0-100 task progress scale owned by one stage.
type Window struct {
	Start, End int
}

// Fixed stage windows shared by every job kind.
var (
	WindowInit      = Window{Start: 0, End: 2}
	WindowEnumerate = Window{Start: 2, End: 4}
	WindowWork      = Window{Start: 4, End: 90}
	WindowFinalize  = Window{Start: 90, End: 100}
)

// At maps a stage-local fraction in [0,1] onto the window.
func (w Window) At(fraction float64) int {
	switch {
	case fraction <= 0:
		return w.Start
	case fraction >= 1:
		return w.End
	}
	return w.Start + int(fraction*float64(w.End-w.Start))
}

// Of maps done out of total onto the window. A zero total is complete.
func (w Window) Of(done, total int64) int {
	if total <= 0 {
		return w.End
	}
	return w.At(float64(done) / float64(total))
}

// Stage names reported in StatusView.Stage.
const (
	StageInitializing   = "initializing"
	StageEnumerating    = "enumerating"
	StageProcessing     = "processing"
	StageScraping       = "scraping"
	StageRetrievingIDs  = "retrieving-video-ids"
	StageDownloadingTxt = "downloading-transcripts"
	StageFinalizing     = "finalizing"
)
