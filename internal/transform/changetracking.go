package transform

import (
	"fmt"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/forageapi/forage/internal/models"
)

// Change statuses reported by changeTracking.
const (
	ChangeStatusNew     = "new"
	ChangeStatusSame    = "same"
	ChangeStatusChanged = "changed"
	ChangeStatusRemoved = "removed"
)

// TrackChanges compares the current markdown against the most recent
// indexed version. A nil previous document means the URL is new; a
// previous document with content facing an empty current body means the
// content was removed.
func TrackChanges(previous *models.Document, previousAt *time.Time, current string, opts *models.ChangeTrackingOptions) (*models.ChangeTrackingResult, error) {
	result := &models.ChangeTrackingResult{
		PreviousScrapeAt: previousAt,
		Visibility:       "visible",
	}

	if previous == nil {
		result.ChangeStatus = ChangeStatusNew
		return result, nil
	}

	prevText := previous.Markdown
	switch {
	case prevText == current:
		result.ChangeStatus = ChangeStatusSame
	case current == "" && prevText != "":
		result.ChangeStatus = ChangeStatusRemoved
	default:
		result.ChangeStatus = ChangeStatusChanged
	}

	if result.ChangeStatus == ChangeStatusChanged && hasMode(opts, "git-diff") {
		diff, err := unifiedDiff(prevText, current)
		if err != nil {
			return nil, err
		}
		result.Diff = diff
	}

	return result, nil
}

func hasMode(opts *models.ChangeTrackingOptions, mode string) bool {
	if opts == nil {
		return false
	}
	for _, m := range opts.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

func unifiedDiff(before, after string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "previous",
		ToFile:   "current",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("compute diff: %w", err)
	}
	return text, nil
}
