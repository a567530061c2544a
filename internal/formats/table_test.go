package formats

import (
	"errors"
	"reflect"
	"testing"
)

func TestValidateOrdering(t *testing.T) {
	table := DefaultTable()
	cases := []struct {
		name string
		req  Request
		kind error
		msg  string
	}{
		{
			name: "unknown source",
			req:  Request{InputExt: ".pdf", DeclaredType: "bogus", Profile: "retro", OutputExt: ".docx"},
			kind: ErrUnsupportedSourceType,
			msg:  "Unsupported source file type: .pdf",
		},
		{
			name: "missing extension",
			req:  Request{InputExt: "", Profile: ProfileModern, OutputExt: ".pdf"},
			kind: ErrUnsupportedSourceType,
			msg:  "Unsupported source file type: (none)",
		},
		{
			name: "unknown declared type beats bad profile",
			req:  Request{InputExt: ".docx", DeclaredType: "bogus", Profile: "retro", OutputExt: ".pdf"},
			kind: ErrUnsupportedDocumentType,
			msg:  "Unsupported document type: bogus",
		},
		{
			name: "bad profile beats mismatch",
			req:  Request{InputExt: ".csv", DeclaredType: "presentation", Profile: "retro", OutputExt: ".pdf"},
			kind: ErrUnsupportedProfile,
			msg:  "Unsupported output profile: retro",
		},
		{
			name: "declared type disagrees",
			req:  Request{InputExt: ".csv", DeclaredType: "presentation", Profile: ProfileModern, OutputExt: ".pdf"},
			kind: ErrTypeMismatch,
			msg:  "File type mismatch. Uploaded file is spreadsheet, selected type is presentation.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := table.Validate(tc.req)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			if err.Error() != tc.msg {
				t.Fatalf("message = %q, want %q", err.Error(), tc.msg)
			}
		})
	}
}

func TestValidateAllowList(t *testing.T) {
	_, err := DefaultTable().Validate(Request{InputExt: ".xlsx", DeclaredType: "spreadsheet", Profile: ProfileModern, OutputExt: ".ppt"})
	var verr *ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, ErrOutputNotAllowed) {
		t.Fatalf("expected output not allowed, got %v", err)
	}
	if want := []string{".pdf", ".xlsx", ".ods", ".csv"}; !reflect.DeepEqual(verr.Allowed, want) {
		t.Fatalf("allowed = %v, want %v", verr.Allowed, want)
	}
	if verr.Message != "Output format .ppt is not allowed for type spreadsheet with profile modern." {
		t.Fatalf("unexpected message %q", verr.Message)
	}
}

func TestValidateAutoDetects(t *testing.T) {
	d, err := DefaultTable().Validate(Request{InputExt: "DOCX", DeclaredType: TypeAuto, Profile: ProfileModern, OutputExt: "PDF"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.Detected != "text" || d.Effective != "text" {
		t.Fatalf("unexpected decision %+v", d)
	}

	if _, err := DefaultTable().Validate(Request{InputExt: ".docx", Profile: ProfileLegacy, OutputExt: ".docx"}); !errors.Is(err, ErrOutputNotAllowed) {
		t.Fatalf("legacy text profile must not allow .docx, got %v", err)
	}
}

func TestOutputsReturnsCopy(t *testing.T) {
	table := DefaultTable()
	out := table.Outputs("publisher", ProfileModern)
	out[0] = ".exe"
	if table.Outputs("publisher", ProfileModern)[0] != ".pdf" {
		t.Fatalf("table mutated through Outputs")
	}
	if got := table.Profiles(); !reflect.DeepEqual(got, []string{ProfileLegacy, ProfileModern}) {
		t.Fatalf("profiles = %v", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		input, output string
		want          Family
	}{
		{"backup.tar.gz", ".zip", FamilyArchive},
		{"photos.gz", "", FamilyArchive},
		{"report.docx", ".zip", FamilyArchive},
		{"report.docx", "zip -> tar.gz", FamilyArchive},
		{"report.docx", ".pdf", FamilyDocument},
		{"sheet.CSV", ".xlsx", FamilyDocument},
		{"photo.jpg", ".png", FamilyImage},
		{"scan.raw", ".png", FamilyImage},
		{"song.flac", ".mp3", FamilyAudio},
	}
	for _, tc := range cases {
		got, err := Classify(tc.input, tc.output)
		if err != nil {
			t.Fatalf("classify %s: %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("classify %s -> %s = %s, want %s", tc.input, tc.output, got, tc.want)
		}
	}

	if _, err := Classify("binary.exe", ".pdf"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
	if FamilyUnknown.String() != "unknown" || FamilyArchive.String() != "archive" {
		t.Fatalf("unexpected family names")
	}
}
