package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

type formatter struct {
	format string
	out    io.Writer
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *formatter {
	return &formatter{format: opts.Format, out: cmd.OutOrStdout()}
}

func (f *formatter) json() bool {
	return f.format == "json"
}

func (f *formatter) writeJSON(v any) error {
	enc := json.NewEncoder(f.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
