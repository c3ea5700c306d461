package domain

type SearchStatus string

const (
	SearchStatusIdle    SearchStatus = "idle"
	SearchStatusLoading SearchStatus = "loading"
	SearchStatusSuccess SearchStatus = "success"
	SearchStatusFailure SearchStatus = "failure"
)

// FailureMessage is the only failure reason shown to the presentation layer.
const FailureMessage = "search failed"

// SearchState is the observable output of a search controller.
// Results is only set for SearchStatusSuccess and is never nil there.
type SearchState struct {
	Status    SearchStatus `json:"status"`
	Query     string       `json:"query,omitempty"`
	Results   []Character  `json:"results"`
	Error     string       `json:"error,omitempty"`
	FromCache bool         `json:"fromCache,omitempty"`
}

func IdleState() SearchState {
	return SearchState{Status: SearchStatusIdle}
}

func LoadingState(query string) SearchState {
	return SearchState{Status: SearchStatusLoading, Query: query}
}

func SuccessState(query string, results []Character, fromCache bool) SearchState {
	cloned := CloneCharacters(results)
	if cloned == nil {
		cloned = []Character{}
	}
	return SearchState{
		Status:    SearchStatusSuccess,
		Query:     query,
		Results:   cloned,
		FromCache: fromCache,
	}
}

func FailureState(query string) SearchState {
	return SearchState{Status: SearchStatusFailure, Query: query, Error: FailureMessage}
}

// NoResults reports the "no results for query" sub-case of success.
func (s SearchState) NoResults() bool {
	return s.Status == SearchStatusSuccess && len(s.Results) == 0
}

func (s SearchState) Clone() SearchState {
	cloned := s
	cloned.Results = CloneCharacters(s.Results)
	return cloned
}
