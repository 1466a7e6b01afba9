package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/xiaoxuxiansheng/goxa"
)

func newRootCommand() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "goxad",
		Short:         "XA two-phase commit coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindFlags(v, root.PersistentFlags())

	root.AddCommand(newServeCommand(v), newRecoverCommand(v), newXidCommand())
	return root
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and serve the peer endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context())
		},
	}
}

func newRecoverCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run a single recovery pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.txm.Recover(cmd.Context())
			if report != nil {
				if _err := writeYAML(cmd, newReportView(report)); _err != nil {
					return _err
				}
			}
			return err
		},
	}
}

func newXidCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "xid <xid>",
		Short: "Decode an xid string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xid, err := goxa.ParseXid(args[0])
			if err != nil {
				return err
			}
			return writeYAML(cmd, xidView{
				Global:       fmt.Sprintf("%x", xid.GlobalID()),
				Branch:       fmt.Sprintf("%x", xid.BranchID()),
				Superior:     xid.SuperiorID(),
				BranchServer: xid.BranchServerID(),
			})
		},
	}
}

type xidView struct {
	Global       string `yaml:"global"`
	Branch       string `yaml:"branch,omitempty"`
	Superior     string `yaml:"superior"`
	BranchServer string `yaml:"branch_server,omitempty"`
}

type reportView struct {
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	Committed  []string  `yaml:"committed,omitempty"`
	RolledBack []string  `yaml:"rolled_back,omitempty"`
	Completed  []string  `yaml:"completed,omitempty"`
	Retried    []string  `yaml:"retried,omitempty"`
	Errors     []string  `yaml:"errors,omitempty"`
}

func newReportView(report *goxa.RecoveryReport) reportView {
	view := reportView{
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Committed:  xidStrings(report.Committed),
		RolledBack: xidStrings(report.RolledBack),
		Completed:  xidStrings(report.Completed),
		Retried:    xidStrings(report.Retried),
	}
	for _, err := range report.Errors {
		view.Errors = append(view.Errors, err.Error())
	}
	return view
}

func xidStrings(xids []goxa.Xid) []string {
	if len(xids) == 0 {
		return nil
	}
	out := make([]string, 0, len(xids))
	for _, xid := range xids {
		out = append(out, xid.String())
	}
	return out
}

func writeYAML(cmd *cobra.Command, v interface{}) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
