package formats

import (
	"errors"
	"fmt"
	"sort"
)

// Declared document type and output profile values.
const (
	TypeAuto      = "auto"
	ProfileLegacy = "legacy"
	ProfileModern = "modern"
)

var (
	ErrUnsupportedSourceType   = errors.New("unsupported source type")
	ErrUnsupportedDocumentType = errors.New("unsupported document type")
	ErrUnsupportedProfile      = errors.New("unsupported output profile")
	ErrTypeMismatch            = errors.New("document type mismatch")
	ErrOutputNotAllowed        = errors.New("output format not allowed")
)

// ValidationError carries the failed check plus the context a caller needs to retry.
type ValidationError struct {
	Kind     error
	Message  string
	Detected string
	Declared string
	Allowed  []string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Kind }

// Request is the declared shape of one document conversion.
type Request struct {
	InputExt     string
	DeclaredType string
	Profile      string
	OutputExt    string
}

// Decision is the outcome of a passing validation.
type Decision struct {
	Detected  string   `json:"detected"`
	Effective string   `json:"effective"`
	Allowed   []string `json:"allowedOutputs"`
}

// Table maps document types to their input extensions and per-profile output lists.
// It is immutable after construction.
type Table struct {
	types    []string
	inputs   map[string]map[string]bool
	outputs  map[string]map[string][]string
	profiles []string
}

// NewTable builds a table. types fixes detection order when extensions overlap.
func NewTable(types []string, inputs map[string][]string, outputs map[string]map[string][]string) *Table {
	t := &Table{
		types:   append([]string(nil), types...),
		inputs:  make(map[string]map[string]bool, len(inputs)),
		outputs: make(map[string]map[string][]string, len(outputs)),
	}
	profiles := map[string]bool{}
	for docType, exts := range inputs {
		t.inputs[docType] = set(exts...)
	}
	for docType, byProfile := range outputs {
		t.outputs[docType] = make(map[string][]string, len(byProfile))
		for profile, exts := range byProfile {
			t.outputs[docType][profile] = append([]string(nil), exts...)
			profiles[profile] = true
		}
	}
	for p := range profiles {
		t.profiles = append(t.profiles, p)
	}
	sort.Strings(t.profiles)
	return t
}

var defaultTable = NewTable(
	[]string{"text", "spreadsheet", "presentation", "publisher"},
	map[string][]string{
		"text":         {".txt", ".rtf", ".doc", ".docx", ".odt", ".ott", ".sxw", ".html", ".htm", ".xml", ".epub", ".fodt"},
		"spreadsheet":  {".xls", ".xlsx", ".ods", ".ots", ".csv", ".fods"},
		"presentation": {".ppt", ".pptx", ".odp", ".otp", ".fodp"},
		"publisher":    {".pub"},
	},
	map[string]map[string][]string{
		"text": {
			ProfileLegacy: {".pdf", ".txt", ".rtf", ".doc", ".html", ".xml"},
			ProfileModern: {".pdf", ".txt", ".docx", ".odt", ".html", ".xml", ".epub"},
		},
		"spreadsheet": {
			ProfileLegacy: {".pdf", ".xls", ".csv"},
			ProfileModern: {".pdf", ".xlsx", ".ods", ".csv"},
		},
		"presentation": {
			ProfileLegacy: {".pdf", ".ppt"},
			ProfileModern: {".pdf", ".pptx", ".odp"},
		},
		"publisher": {
			ProfileLegacy: {".pdf"},
			ProfileModern: {".pdf", ".epub"},
		},
	},
)

// DefaultTable returns the built-in compatibility table.
func DefaultTable() *Table { return defaultTable }

// Detect returns the document type claiming ext.
func (t *Table) Detect(ext string) (string, bool) {
	ext = NormalizeExt(ext)
	for _, docType := range t.types {
		if t.inputs[docType][ext] {
			return docType, true
		}
	}
	return "", false
}

// IsInput reports whether any document type accepts ext.
func (t *Table) IsInput(ext string) bool {
	_, ok := t.Detect(ext)
	return ok
}

// Outputs returns a copy of the allow-list for a type and profile.
func (t *Table) Outputs(docType, profile string) []string {
	return append([]string(nil), t.outputs[docType][profile]...)
}

// Types lists the known document types in detection order.
func (t *Table) Types() []string { return append([]string(nil), t.types...) }

// Profiles lists the known output profiles.
func (t *Table) Profiles() []string { return append([]string(nil), t.profiles...) }

// Inputs lists the extensions of one document type, sorted.
func (t *Table) Inputs(docType string) []string {
	out := make([]string, 0, len(t.inputs[docType]))
	for ext := range t.inputs[docType] {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Validate runs the compatibility checks in order and stops at the first failure.
func (t *Table) Validate(req Request) (Decision, error) {
	inputExt := NormalizeExt(req.InputExt)
	outputExt := NormalizeExt(req.OutputExt)
	declared := req.DeclaredType
	if declared == "" {
		declared = TypeAuto
	}

	detected, ok := t.Detect(inputExt)
	if !ok {
		shown := inputExt
		if shown == "" {
			shown = "(none)"
		}
		return Decision{}, &ValidationError{
			Kind:     ErrUnsupportedSourceType,
			Message:  fmt.Sprintf("Unsupported source file type: %s", shown),
			Declared: declared,
		}
	}

	if declared != TypeAuto {
		if _, known := t.outputs[declared]; !known {
			return Decision{}, &ValidationError{
				Kind:     ErrUnsupportedDocumentType,
				Message:  fmt.Sprintf("Unsupported document type: %s", declared),
				Detected: detected,
				Declared: declared,
			}
		}
	}

	if req.Profile != ProfileLegacy && req.Profile != ProfileModern {
		return Decision{}, &ValidationError{
			Kind:     ErrUnsupportedProfile,
			Message:  fmt.Sprintf("Unsupported output profile: %s", req.Profile),
			Detected: detected,
			Declared: declared,
		}
	}

	effective := detected
	if declared != TypeAuto {
		if declared != detected {
			return Decision{}, &ValidationError{
				Kind:     ErrTypeMismatch,
				Message:  fmt.Sprintf("File type mismatch. Uploaded file is %s, selected type is %s.", detected, declared),
				Detected: detected,
				Declared: declared,
			}
		}
		effective = declared
	}

	allowed := t.Outputs(effective, req.Profile)
	for _, ext := range allowed {
		if ext == outputExt {
			return Decision{Detected: detected, Effective: effective, Allowed: allowed}, nil
		}
	}
	return Decision{}, &ValidationError{
		Kind:     ErrOutputNotAllowed,
		Message:  fmt.Sprintf("Output format %s is not allowed for type %s with profile %s.", outputExt, effective, req.Profile),
		Detected: detected,
		Declared: declared,
		Allowed:  allowed,
	}
}
