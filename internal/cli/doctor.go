package cli

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/frep/internal/cli/helpers"
	"github.com/coral-mesh/frep/internal/config"
	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/sys/privilege"
)

const (
	checkOK   = "ok"
	checkWarn = "warn"
	checkFail = "fail"
)

type checkRow struct {
	Check  string `header:"CHECK" json:"check" yaml:"check"`
	Status string `header:"STATUS" json:"status" yaml:"status"`
	Detail string `header:"DETAIL" json:"detail" yaml:"detail"`
}

func newDoctorCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the samplers are installed and allowed to run",
		Long: `Look up the pidstat and perf executables and report whether the
current user may sample other processes: perf_event_paranoid, effective
capabilities and sudo.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, summaryFormats); err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			rows := runChecks(cfg)
			if err := formatTo(cmd.OutOrStdout(), format, rows); err != nil {
				return err
			}
			for _, r := range rows {
				if r.Status == checkFail {
					return fmt.Errorf("%s check failed", r.Check)
				}
			}
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, summaryFormats)
	return cmd
}

func runChecks(cfg *config.Config) []checkRow {
	rows := []checkRow{
		checkBinary("pidstat", cfg.PidStat.Binary, pidstat.DefaultBinary),
		checkBinary("perf", cfg.PerfStat.Binary, perfstat.DefaultBinary),
	}

	caps, capsErr := privilege.DetectCapabilities()
	root := privilege.IsRoot()

	paranoid, err := privilege.PerfEventParanoid()
	switch {
	case err != nil:
		rows = append(rows, checkRow{"perf_event_paranoid", checkWarn, err.Error()})
	case root || caps.CanCountAny():
		rows = append(rows, checkRow{"perf_event_paranoid", checkOK, strconv.Itoa(paranoid) + " (privileged)"})
	case privilege.PerfAllowsUser(paranoid):
		rows = append(rows, checkRow{"perf_event_paranoid", checkOK, strconv.Itoa(paranoid) + " (own processes only)"})
	default:
		rows = append(rows, checkRow{"perf_event_paranoid", checkFail, strconv.Itoa(paranoid) + " (perf disabled for unprivileged users)"})
	}

	if capsErr != nil {
		rows = append(rows, checkRow{"capabilities", checkWarn, capsErr.Error()})
	} else {
		rows = append(rows, capabilityRow(caps, root))
	}

	user := "not root"
	if root {
		user = "root"
	}
	if privilege.IsRunningUnderSudo() {
		user += ", sudo"
		if u, err := privilege.DetectOriginalUser(); err == nil {
			user += " from " + u.Username
		}
	}
	rows = append(rows, checkRow{"user", checkOK, user})
	return rows
}

func checkBinary(name, configured, fallback string) checkRow {
	binary := configured
	if binary == "" {
		binary = fallback
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return checkRow{name, checkFail, binary + " not found"}
	}
	return checkRow{name, checkOK, path}
}

func capabilityRow(caps privilege.Capabilities, root bool) checkRow {
	switch {
	case caps.CanCountAny() && caps.CanReadAnyIO():
		return checkRow{"capabilities", checkOK, "can sample any process"}
	case root:
		return checkRow{"capabilities", checkWarn, "root without CAP_PERFMON or CAP_SYS_ADMIN"}
	case caps.CanReadAnyIO():
		return checkRow{"capabilities", checkWarn, "perf stat limited to own processes"}
	default:
		return checkRow{"capabilities", checkWarn, "limited to own processes"}
	}
}
