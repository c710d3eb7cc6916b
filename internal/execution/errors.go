package execution

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidParameters is returned when a submission request fails local
// validation. No gateway call has been made and no row has been written.
var ErrInvalidParameters = errors.New("invalid execution parameters")

// ErrHandleNotRecorded means the remote engine accepted a run but the store
// write recording its handle failed. Submitting again would start a second
// run, so it is never retried.
var ErrHandleNotRecorded = errors.New("job handle not recorded")

// ErrAborted is wrapped by a Guard that refuses a gateway call, for
// example because the owning batch was cancelled.
var ErrAborted = errors.New("dispatch aborted")

// ParameterError describes why a request was rejected.
type ParameterError struct {
	Missing []string
	Reason  string
}

func (e *ParameterError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing required parameters: %s", strings.Join(e.Missing, ", "))
	}
	return e.Reason
}

// Is makes errors.Is(err, ErrInvalidParameters) hold for every ParameterError.
func (e *ParameterError) Is(target error) bool {
	return target == ErrInvalidParameters
}

func missingParameters(required []string, params map[string]string) []string {
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(params[name]) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
