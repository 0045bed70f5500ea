package crawler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Identifier is the key driving one fetch. It remembers whether it was a
// JSON number or a JSON string so it round-trips unchanged into reports.
type Identifier struct {
	value  string
	quoted bool
}

// NumericID builds an identifier that marshals as a bare JSON number.
func NumericID(v string) Identifier {
	return Identifier{value: v}
}

// StringID builds an identifier that marshals as a JSON string.
func StringID(v string) Identifier {
	return Identifier{value: v, quoted: true}
}

// String returns the textual form used in URLs and logs.
func (id Identifier) String() string {
	return id.value
}

// Falsy reports whether the identifier is unset or the number zero. Input
// items with a falsy identifier carry nothing to fetch.
func (id Identifier) Falsy() bool {
	if id.value == "" {
		return true
	}
	if id.quoted {
		return false
	}
	f, err := strconv.ParseFloat(id.value, 64)
	return err == nil && f == 0
}

// MarshalJSON keeps numeric identifiers numeric.
func (id Identifier) MarshalJSON() ([]byte, error) {
	if id.quoted {
		return json.Marshal(id.value)
	}
	if id.value == "" {
		return []byte("null"), nil
	}
	return []byte(id.value), nil
}

// UnmarshalJSON accepts a JSON number or string.
func (id *Identifier) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode identifier: %w", err)
	}
	switch v := raw.(type) {
	case json.Number:
		*id = NumericID(v.String())
	case string:
		*id = StringID(v)
	case nil:
		*id = Identifier{}
	default:
		return fmt.Errorf("identifier must be a number or string, got %T", raw)
	}
	return nil
}

// Payload is one fetched record, keyed by top-level field.
type Payload map[string]json.RawMessage

// Outcome tags a FetchResult.
type Outcome int

// Fetch outcomes.
const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
)

// FetchResult is the tagged result of fetching one identifier.
type FetchResult struct {
	Identifier Identifier
	Outcome    Outcome
	Payload    Payload
	Attempts   int
	Err        error
}

// Succeeded reports whether the fetch produced a payload.
func (r FetchResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// IDBatch is one input chunk of identifiers.
type IDBatch struct {
	Index       int
	Name        string
	Identifiers []Identifier
	Skipped     int
}

// OutputChunk is the on-disk unit of durable crawl output.
type OutputChunk struct {
	UpdateDate string    `json:"update_date"`
	UpdateTime string    `json:"update_time"`
	Data       []Payload `json:"data"`
}

// State is a position in the orchestrator state machine.
type State string

// Orchestrator states. The last four are terminal.
const (
	StateIdle                  State = "idle"
	StateAwaitingNextInputFile State = "awaiting_next_input_file"
	StateProcessingFile        State = "processing_file"
	StateFetching              State = "fetching"
	StateRecording             State = "recording"
	StateFileExhausted         State = "file_exhausted"
	StateAllInputConsumed      State = "all_input_consumed"
	StateInputFileCapReached   State = "input_file_cap_reached"
	StateCanceled              State = "canceled"
	StateAborted               State = "aborted"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	switch s {
	case StateAllInputConsumed, StateInputFileCapReached, StateCanceled, StateAborted:
		return true
	default:
		return false
	}
}

// RunReport is the single end-of-run summary artifact.
type RunReport struct {
	ScraperType         string       `json:"scraper_type"`
	UpdateDate          string       `json:"update_date"`
	StartTime           string       `json:"start_time"`
	EndTime             string       `json:"end_time"`
	FailedCount         int          `json:"failed_count"`
	FailedList          []Identifier `json:"failed_list"`
	DataCount           int          `json:"data_count"`
	LastIdentifier      Identifier   `json:"last_identifier"`
	FinalState          State        `json:"final_state"`
	FirstInputFile      int          `json:"first_input_file"`
	InputFilesProcessed int          `json:"input_files_processed"`
	LastOutputFile      int          `json:"last_output_file"`
}

// Progress is a point-in-time view of a running orchestrator.
type Progress struct {
	State          State      `json:"state"`
	InputFile      int        `json:"input_file"`
	FilesProcessed int        `json:"files_processed"`
	OutputFile     int        `json:"output_file"`
	Seen           int        `json:"seen"`
	DataCount      int        `json:"data_count"`
	FailedCount    int        `json:"failed_count"`
	LastIdentifier Identifier `json:"last_identifier"`
}

// Checkpoint is the persisted resume cursor for one scraper type. It is
// written after every completed input file.
type Checkpoint struct {
	ScraperType   string    `json:"scraper_type"`
	NextInputFile int       `json:"next_input_file"`
	OutputFile    int       `json:"output_file"`
	OutputOffset  int       `json:"output_offset"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate rejects cursors that cannot be resumed from.
func (c Checkpoint) Validate() error {
	if c.ScraperType == "" {
		return errors.New("checkpoint scraper type is required")
	}
	if c.NextInputFile < 1 || c.OutputFile < 1 {
		return fmt.Errorf("checkpoint file indices must be >= 1 (input %d, output %d)", c.NextInputFile, c.OutputFile)
	}
	if c.OutputOffset < 0 {
		return fmt.Errorf("checkpoint output offset must be >= 0, got %d", c.OutputOffset)
	}
	return nil
}

// GetResponse is what a Getter returns for one HTTP exchange.
type GetResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}
