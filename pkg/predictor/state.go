package predictor

// State is a step of the identification pipeline
type State int

const (
	StateLoaded State = iota
	StateRegionSelected
	StatePreprocessed
	StateEmbedded
	StateMatched
	StateDecoded
	StateFailed
)

var stateNames = [...]string{
	StateLoaded:         "loaded",
	StateRegionSelected: "region_selected",
	StatePreprocessed:   "preprocessed",
	StateEmbedded:       "embedded",
	StateMatched:        "matched",
	StateDecoded:        "decoded",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDecoded || s == StateFailed
}
