package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/frep/internal/cli/helpers"
	"github.com/coral-mesh/frep/internal/sys/proc"
)

type threadInfoRow struct {
	TID  int  `header:"TID" json:"tid" yaml:"tid"`
	Main bool `header:"MAIN" json:"main" yaml:"main"`
}

func newThreadsCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "threads PID",
		Short: "List the threads of a process",
		Long: `List the thread ids of a process. Any of them can be passed to
frep record --pid to sample a single thread.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, listFormats); err != nil {
				return err
			}
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}

			info, err := proc.Lookup(cmd.Context(), pid)
			if err != nil {
				return err
			}
			tids, err := proc.ListThreads(pid)
			if err != nil {
				return err
			}

			rows := make([]threadInfoRow, 0, len(tids))
			for _, tid := range tids {
				rows = append(rows, threadInfoRow{TID: tid, Main: tid == pid})
			}

			out := cmd.OutOrStdout()
			if format == string(helpers.FormatTable) {
				fmt.Fprintf(out, "%s %s\n\n",
					titleStyle.Render(fmt.Sprintf("%s (%d)", info.Name, pid)),
					hintStyle.Render(info.BinaryPath))
			}
			return formatTo(out, format, rows)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, listFormats)
	return cmd
}
