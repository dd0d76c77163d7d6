package schema

import (
	"fmt"
	"strings"
)

// Built-in event types.
const (
	TypeCommit             = "vcs.commit"
	TypeSessionStarted     = "session.started"
	TypeSessionGoal        = "session.goal"
	TypeSessionDecision    = "session.decision"
	TypeSessionObservation = "session.observation"
	TypeCodeFunction       = "code.function"
	TypeCodeStruct         = "code.struct"
	TypeCodeImport         = "code.import"
)

// Change types recorded per commit file.
const (
	ChangeAdded    = "added"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
	ChangeRenamed  = "renamed"
)

// Observation types carried by session.observation.
const (
	ObservationPattern = "pattern"
	ObservationWork    = "work"
	ObservationContext = "context"
	ObservationNote    = "note"
)

// CommitFile is one file touched by a commit.
type CommitFile struct {
	Path         string `json:"path"`
	ChangeType   string `json:"change_type"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// CommitPayload is the document for vcs.commit.
type CommitPayload struct {
	SHA         string       `json:"sha"`
	Message     string       `json:"message"`
	AuthorName  string       `json:"author_name"`
	AuthorEmail string       `json:"author_email,omitempty"`
	Files       []CommitFile `json:"files"`
}

func (p *CommitPayload) Validate() ValidationErrors {
	var e errs
	e.required("sha", p.SHA)
	if p.SHA != "" && !isHex(p.SHA) {
		e.add("sha", "sha must be hexadecimal, got %q", p.SHA)
	}
	e.required("author_name", p.AuthorName)
	seen := make(map[string]bool, len(p.Files))
	for i, f := range p.Files {
		field := fmt.Sprintf("files[%d]", i)
		if f.Path == "" {
			e.add(field+".path", "path is required and cannot be empty")
		} else if seen[f.Path] {
			e.add(field+".path", "duplicate path %q", f.Path)
		}
		seen[f.Path] = true
		switch f.ChangeType {
		case ChangeAdded, ChangeModified, ChangeDeleted, ChangeRenamed:
		default:
			e.add(field+".change_type", "invalid change_type %q (must be added, modified, deleted or renamed)", f.ChangeType)
		}
		e.nonNegative(field+".lines_added", f.LinesAdded)
		e.nonNegative(field+".lines_removed", f.LinesRemoved)
	}
	return e.result()
}

// SessionStartedPayload is the document for session.started.
type SessionStartedPayload struct {
	Title          string `json:"title"`
	Branch         string `json:"branch,omitempty"`
	Classification string `json:"classification,omitempty"`
	FilesChanged   int    `json:"files_changed,omitempty"`
	CommitCount    int    `json:"commit_count,omitempty"`
}

func (p *SessionStartedPayload) Validate() ValidationErrors {
	var e errs
	e.required("title", p.Title)
	e.nonNegative("files_changed", p.FilesChanged)
	e.nonNegative("commit_count", p.CommitCount)
	return e.result()
}

// SessionGoalPayload is the document for session.goal.
type SessionGoalPayload struct {
	Content   string `json:"content"`
	Completed bool   `json:"completed"`
}

func (p *SessionGoalPayload) Validate() ValidationErrors {
	var e errs
	e.required("content", p.Content)
	return e.result()
}

// SessionDecisionPayload is the document for session.decision.
type SessionDecisionPayload struct {
	Content   string `json:"content"`
	Rationale string `json:"rationale,omitempty"`
}

func (p *SessionDecisionPayload) Validate() ValidationErrors {
	var e errs
	e.required("content", p.Content)
	return e.result()
}

// SessionObservationPayload is the document for session.observation.
type SessionObservationPayload struct {
	Content         string `json:"content"`
	ObservationType string `json:"observation_type"`
}

func (p *SessionObservationPayload) Validate() ValidationErrors {
	var e errs
	e.required("content", p.Content)
	switch p.ObservationType {
	case ObservationPattern, ObservationWork, ObservationContext, ObservationNote:
	default:
		e.add("observation_type", "invalid observation_type %q", p.ObservationType)
	}
	return e.result()
}

// CodeFunctionPayload is the document for code.function.
type CodeFunctionPayload struct {
	Name       string   `json:"name"`
	File       string   `json:"file"`
	Line       int      `json:"line,omitempty"`
	Signature  string   `json:"signature,omitempty"`
	Parameters []string `json:"parameters,omitempty"`
	ReturnType string   `json:"return_type,omitempty"`
	IsPublic   bool     `json:"is_public,omitempty"`
	IsAsync    bool     `json:"is_async,omitempty"`
}

func (p *CodeFunctionPayload) Validate() ValidationErrors {
	var e errs
	e.required("name", p.Name)
	e.required("file", p.File)
	e.nonNegative("line", p.Line)
	return e.result()
}

// CodeStructPayload is the document for code.struct.
type CodeStructPayload struct {
	Name      string   `json:"name"`
	File      string   `json:"file"`
	Line      int      `json:"line,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	Signature string   `json:"signature,omitempty"`
	Fields    []string `json:"fields,omitempty"`
	IsPublic  bool     `json:"is_public,omitempty"`
}

func (p *CodeStructPayload) Validate() ValidationErrors {
	var e errs
	e.required("name", p.Name)
	e.required("file", p.File)
	e.nonNegative("line", p.Line)
	return e.result()
}

// CodeImportPayload is the document for code.import. Name is the imported path.
type CodeImportPayload struct {
	Name          string   `json:"name"`
	File          string   `json:"file"`
	Line          int      `json:"line,omitempty"`
	ImportedNames []string `json:"imported_names,omitempty"`
}

func (p *CodeImportPayload) Validate() ValidationErrors {
	var e errs
	e.required("name", p.Name)
	e.required("file", p.File)
	e.nonNegative("line", p.Line)
	return e.result()
}

func isHex(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F')
	}) < 0
}
