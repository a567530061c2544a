package converter

import (
	"sort"

	"conversion-pipeline/internal/formats"
)

// FormatList is what a converter family accepts and produces.
type FormatList struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// DocumentFormats lists every table input and every LibreOffice output target.
func DocumentFormats(table *formats.Table) FormatList {
	if table == nil {
		table = formats.DefaultTable()
	}
	in := map[string]bool{}
	for _, t := range table.Types() {
		for _, ext := range table.Inputs(t) {
			in[ext] = true
		}
	}
	out := make(map[string]bool, len(sofficeTargets))
	for ext := range sofficeTargets {
		out[ext] = true
	}
	return FormatList{Input: sorted(in), Output: sorted(out)}
}

// AudioFormats lists the ffmpeg-backed audio extensions.
func AudioFormats() FormatList {
	return FormatList{Input: sorted(formats.AudioInputs), Output: sorted(formats.AudioOutputs)}
}

// LibreOfficeFormats lists the OpenDocument family LibreOffice handles natively.
func LibreOfficeFormats() FormatList {
	return FormatList{
		Input:  []string{".odt", ".ott", ".sxw", ".fodt", ".ods", ".ots", ".fods", ".odp", ".otp", ".fodp"},
		Output: []string{".pdf", ".odt", ".ods", ".odp", ".epub", ".html", ".txt", ".xml", ".csv"},
	}
}

func sorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for ext := range set {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
