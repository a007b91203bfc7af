// Package scope identifies the eligibility partition a response rate is
// computed over: every active expert (general), the experts allocated to
// one chapter, or the experts allocated to one criterion.
package scope

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

const (
	General   = "GENERAL"
	Chapter   = "CHAPTER"
	Criterion = "CRITERION"
)

// ErrInvalid marks a scope that names no valid partition, e.g. a CHAPTER
// scope without a chapter id. This is a caller bug, not user input error.
var ErrInvalid = errors.New("invalid scope")

type Scope struct {
	Kind        string
	ChapterID   int64
	CriterionID int64
}

func ForGeneral() Scope {
	return Scope{Kind: General}
}

func ForChapter(chapterID int64) Scope {
	return Scope{Kind: Chapter, ChapterID: chapterID}
}

func ForCriterion(criterionID int64) Scope {
	return Scope{Kind: Criterion, CriterionID: criterionID}
}

func (s Scope) Validate() error {
	switch s.Kind {
	case General:
		return nil
	case Chapter:
		if s.ChapterID == 0 {
			return fmt.Errorf("%w: chapter is required for scope CHAPTER", ErrInvalid)
		}
		return nil
	case Criterion:
		if s.CriterionID == 0 {
			return fmt.Errorf("%w: criterion is required for scope CRITERION", ErrInvalid)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalid, s.Kind)
}

// Key returns the stable string used for snapshot lookup and uniqueness:
// "GENERAL", "CH:<id>" or "CR:<id>".
func (s Scope) Key() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	switch s.Kind {
	case Chapter:
		return fmt.Sprintf("CH:%d", s.ChapterID), nil
	case Criterion:
		return fmt.Sprintf("CR:%d", s.CriterionID), nil
	}
	return General, nil
}

// Parse resolves a scope from request query parameters. Each request
// resolves its own scope; there is no process-wide filter state.
func Parse(params url.Values) (Scope, error) {
	kind := params.Get("scope")
	if kind == "" {
		kind = General
	}

	switch kind {
	case General:
		return ForGeneral(), nil
	case Chapter:
		id, err := strconv.ParseInt(params.Get("chapter"), 10, 64)
		if err != nil {
			return Scope{}, fmt.Errorf("%w: bad chapter id %q", ErrInvalid, params.Get("chapter"))
		}
		return ForChapter(id), nil
	case Criterion:
		id, err := strconv.ParseInt(params.Get("criterion"), 10, 64)
		if err != nil {
			return Scope{}, fmt.Errorf("%w: bad criterion id %q", ErrInvalid, params.Get("criterion"))
		}
		return ForCriterion(id), nil
	}
	return Scope{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
}
