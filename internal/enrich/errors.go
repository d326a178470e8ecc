package enrich

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEnrichmentPartial matches a *PartialError.
var ErrEnrichmentPartial = errors.New("enrichment partially failed")

// PartialError lists the commits of one event whose detail fetch failed.
type PartialError struct {
	Attempted int
	Failures  []Failure
}

func (e *PartialError) Error() string {
	shas := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		shas[i] = shortSHA(f.SHA)
	}
	return fmt.Sprintf("enrichment failed for %d of %d commits (%s)",
		len(e.Failures), e.Attempted, strings.Join(shas, ", "))
}

func (e *PartialError) Is(target error) bool {
	return target == ErrEnrichmentPartial
}

func (e *PartialError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
